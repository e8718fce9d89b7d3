// Package provider defines the capability interface over the cloud
// provider, plus a real HTTP/OAuth2-backed implementation and an in-memory
// Fake for tests.
package provider

import "context"

// BillingAccount is one provider-side payment vehicle as observed from a
// ListBillingAccounts call.
type BillingAccount struct {
	Name        string // full resource name, e.g. "billingAccounts/XXXX-YYYY-ZZZZ"
	DisplayName string
	Open        bool
}

// Policy is an IAM policy: an etag for optimistic concurrency, a version
// that supports conditional bindings, and a list of role->members bindings.
type Policy struct {
	ETag     string
	Version  int
	Bindings []Binding
}

// Binding is one IAM policy binding.
type Binding struct {
	Role    string
	Members []string
}

// Provider is the capability set the reconciler and operator actions need
// from the cloud provider. Every call is expected to be fronted by a rate
// gate and a retry executor — Provider implementations do not rate-limit or
// retry themselves.
type Provider interface {
	// ListProjects returns active project IDs for the identity. Prefers a
	// filter equivalent to "active projects"; falls back to an unfiltered
	// list if the preferred API version is unavailable.
	ListProjects(ctx context.Context) ([]string, error)

	// ListBillingAccounts returns every billing account visible to the
	// identity, paginated internally.
	ListBillingAccounts(ctx context.Context) ([]BillingAccount, error)

	// GetProjectBilling returns the full billing account name currently
	// bound to projectID, or "" if unbound. A permission-denied error
	// yields (ErrPermissionDenied) so the caller treats the project as
	// unknown rather than failed.
	GetProjectBilling(ctx context.Context, projectID string) (string, error)

	// SetProjectBilling binds projectID to billingName, or detaches it if
	// billingName is "".
	SetProjectBilling(ctx context.Context, projectID, billingName string) error

	// RemoveMemberFromRoles performs a read-modify-write of resource's IAM
	// policy: drops member from any binding whose role is in roles, drops
	// bindings left with no members, and writes back. A concurrent
	// modification (409/412) should be surfaced as a retryable error so the
	// retry executor re-reads the policy. Returns (removed=false, nil) if
	// member was already absent from every matching binding — a no-op that
	// still reports success.
	RemoveMemberFromRoles(ctx context.Context, resource, member string, roles []string) (removed bool, err error)
}

// ErrPermissionDenied marks a read that failed with 403: the reconciler
// treats the project as unknown for this cycle rather than as a failure.
var ErrPermissionDenied = permissionDeniedError{}

type permissionDeniedError struct{}

func (permissionDeniedError) Error() string { return "permission denied" }
