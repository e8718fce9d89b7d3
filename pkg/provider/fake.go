package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardentops/fleetbind/pkg/retry"
)

// Fake is an in-memory Provider that deterministically reproduces transient
// 429s and IAM etag conflicts for tests, playing the role the cloud provider
// plays in production. It satisfies the Provider interface, which already
// returns fully-assembled lists; the nextPageToken pagination loop is an
// HTTPProvider transport-layer concern and is exercised directly against
// HTTPProvider in http_client_test.go instead.
type Fake struct {
	mu sync.Mutex

	projects    []string
	billing     []BillingAccount
	projectBill map[string]string // projectID -> billing name ("" = unbound)
	policies    map[string]*Policy // resource -> policy

	// FailProjectBillingReadsWithPermissionDenied, when set, makes
	// GetProjectBilling for this project return ErrPermissionDenied.
	FailProjectBillingReadsWithPermissionDenied map[string]bool

	// RemainingRateLimitHits, keyed by a caller-chosen operation name,
	// makes that many subsequent calls to that operation fail with a 429
	// before succeeding — grounds the S5 transient-429 scenario.
	RemainingRateLimitHits map[string]int

	// EtagConflictsRemaining makes that many subsequent
	// RemoveMemberFromRoles calls against a resource fail with a 409
	// (stale etag) before succeeding.
	EtagConflictsRemaining map[string]int

	etagCounter int
}

// NewFake builds an empty fake provider.
func NewFake() *Fake {
	return &Fake{
		projectBill:            make(map[string]string),
		policies:                make(map[string]*Policy),
		FailProjectBillingReadsWithPermissionDenied: make(map[string]bool),
		RemainingRateLimitHits:                      make(map[string]int),
		EtagConflictsRemaining:                      make(map[string]int),
	}
}

var _ Provider = (*Fake)(nil)

// AddProject registers a project bound to billingName ("" for unbound).
func (f *Fake) AddProject(projectID, billingName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects = append(f.projects, projectID)
	f.projectBill[projectID] = billingName
}

// AddBillingAccount registers a billing account.
func (f *Fake) AddBillingAccount(name, displayName string, open bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.billing = append(f.billing, BillingAccount{Name: name, DisplayName: displayName, Open: open})
}

// SetPolicy seeds the IAM policy for a resource.
func (f *Fake) SetPolicy(resource string, p Policy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.etagCounter++
	p.ETag = fmt.Sprintf("etag-%d", f.etagCounter)
	f.policies[resource] = &p
}

func (f *Fake) consumeRateLimitHit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.RemainingRateLimitHits[op]; n > 0 {
		f.RemainingRateLimitHits[op] = n - 1
		return &retry.StatusError{Code: 429, Err: fmt.Errorf("%s: rate limited", op)}
	}
	return nil
}

func (f *Fake) ListProjects(ctx context.Context) ([]string, error) {
	if err := f.consumeRateLimitHit("ListProjects"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.projects))
	copy(out, f.projects)
	return out, nil
}

func (f *Fake) ListBillingAccounts(ctx context.Context) ([]BillingAccount, error) {
	if err := f.consumeRateLimitHit("ListBillingAccounts"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]BillingAccount, len(f.billing))
	copy(out, f.billing)
	return out, nil
}

func (f *Fake) GetProjectBilling(ctx context.Context, projectID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailProjectBillingReadsWithPermissionDenied[projectID] {
		return "", ErrPermissionDenied
	}
	return f.projectBill[projectID], nil
}

func (f *Fake) SetProjectBilling(ctx context.Context, projectID, billingName string) error {
	if err := f.consumeRateLimitHit("SetProjectBilling:" + projectID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projectBill[projectID] = billingName
	return nil
}

func (f *Fake) RemoveMemberFromRoles(ctx context.Context, resource, member string, roles []string) (bool, error) {
	f.mu.Lock()
	if n := f.EtagConflictsRemaining[resource]; n > 0 {
		f.EtagConflictsRemaining[resource] = n - 1
		f.mu.Unlock()
		return false, &retry.StatusError{Code: 409, Err: fmt.Errorf("policy for %q: stale etag", resource)}
	}
	f.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	policy, ok := f.policies[resource]
	if !ok {
		return false, nil
	}

	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}

	removed := false
	var kept []Binding
	for _, b := range policy.Bindings {
		if !roleSet[b.Role] {
			kept = append(kept, b)
			continue
		}
		var members []string
		for _, m := range b.Members {
			if m == member {
				removed = true
				continue
			}
			members = append(members, m)
		}
		if len(members) > 0 {
			kept = append(kept, Binding{Role: b.Role, Members: members})
		}
	}

	if removed {
		policy.Bindings = kept
		f.etagCounter++
		policy.ETag = fmt.Sprintf("etag-%d", f.etagCounter)
	}

	return removed, nil
}
