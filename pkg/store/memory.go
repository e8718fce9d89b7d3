package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store used by reconciler/operator/adminapi tests,
// standing in for Postgres the same way pkg/provider.Fake stands in for the
// cloud provider.
type MemStore struct {
	mu         sync.Mutex
	identities map[string]Identity // keyed by name
	billing    map[string]map[string]BillingAccount // identityID -> name -> account
	projects   map[string]map[string]Project         // identityID -> projectID -> project
	events     []OperationEvent
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		identities: make(map[string]Identity),
		billing:    make(map[string]map[string]BillingAccount),
		projects:   make(map[string]map[string]Project),
	}
}

var _ Store = (*MemStore)(nil)

func (m *MemStore) EnsureIdentity(ctx context.Context, name, email, credentialsFile string) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.identities[name]; ok {
		return id, nil
	}

	now := time.Now()
	id := Identity{ID: uuid.NewString(), Name: name, Email: email, CredentialsFile: credentialsFile, CreatedAt: now, UpdatedAt: now}
	m.identities[name] = id
	return id, nil
}

func (m *MemStore) GetIdentityByName(ctx context.Context, name string) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.identities[name]
	if !ok {
		return Identity{}, fmt.Errorf("identity %q: %w", name, ErrNotFound)
	}
	return id, nil
}

func (m *MemStore) ListIdentities(ctx context.Context) ([]Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Identity, 0, len(m.identities))
	for _, id := range m.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemStore) UpsertBillingAccount(ctx context.Context, identityID, name, displayName, accountID string, isOpen bool) (BillingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.billing[identityID] == nil {
		m.billing[identityID] = make(map[string]BillingAccount)
	}

	now := time.Now()
	ba, ok := m.billing[identityID][name]
	if !ok {
		ba = BillingAccount{ID: uuid.NewString(), IdentityID: identityID, Name: name, CreatedAt: now}
	}
	ba.DisplayName = displayName
	ba.AccountID = accountID
	ba.IsOpen = isOpen
	ba.UpdatedAt = now
	m.billing[identityID][name] = ba
	return ba, nil
}

func (m *MemStore) GetBillingAccountByAccountID(ctx context.Context, identityID, accountID string) (BillingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ba := range m.billing[identityID] {
		if ba.AccountID == accountID {
			return ba, nil
		}
	}
	return BillingAccount{}, fmt.Errorf("billing account %q: %w", accountID, ErrNotFound)
}

func (m *MemStore) ListBillingAccounts(ctx context.Context, f BillingAccountFilter) ([]BillingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []BillingAccount
	for identityID, accts := range m.billing {
		if f.Identity != "" && m.identities[f.Identity].ID != identityID {
			continue
		}
		for _, ba := range accts {
			if f.IsOpen != nil && ba.IsOpen != *f.IsOpen {
				continue
			}
			out = append(out, ba)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemStore) DeleteBillingAccount(ctx context.Context, identityID, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ba := range m.billing[identityID] {
		if ba.AccountID == accountID {
			delete(m.billing[identityID], name)
			return nil
		}
	}
	return fmt.Errorf("billing account %q: %w", accountID, ErrNotFound)
}

func (m *MemStore) BillingAccountReferenced(ctx context.Context, identityID, accountID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.projects[identityID] {
		if p.BillingAccountID != nil && *p.BillingAccountID == accountID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) GetProjectByProjectID(ctx context.Context, identityID, projectID string) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[identityID][projectID]
	if !ok {
		return Project{}, fmt.Errorf("project %q: %w", projectID, ErrNotFound)
	}
	return p, nil
}

func (m *MemStore) ListProjects(ctx context.Context, f ProjectFilter) ([]Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Project
	for identityID, projects := range m.projects {
		if f.Identity != "" && m.identities[f.Identity].ID != identityID {
			continue
		}
		for _, p := range projects {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

func (m *MemStore) ClearProjectBilling(ctx context.Context, identityID, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[identityID][projectID]
	if !ok {
		return fmt.Errorf("project %q: %w", projectID, ErrNotFound)
	}
	p.BillingAccountID = nil
	p.BillingName = nil
	p.BillingDisplayName = nil
	p.UpdatedAt = time.Now()
	m.projects[identityID][projectID] = p
	return nil
}

func (m *MemStore) DeleteProject(ctx context.Context, identityID, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[identityID][projectID]; !ok {
		return fmt.Errorf("project %q: %w", projectID, ErrNotFound)
	}
	delete(m.projects[identityID], projectID)
	return nil
}

func (m *MemStore) PersistCycle(ctx context.Context, identityID string, bindings []ProjectBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.projects[identityID] == nil {
		m.projects[identityID] = make(map[string]Project)
	}

	now := time.Now()
	for _, b := range bindings {
		p, ok := m.projects[identityID][b.ProjectID]
		if !ok {
			p = Project{ID: uuid.NewString(), IdentityID: identityID, ProjectID: b.ProjectID, CreatedAt: now}
		}
		p.BillingAccountID = b.BillingAccountID
		p.BillingName = b.BillingName
		p.BillingDisplayName = b.BillingDisplayName
		p.UpdatedAt = now
		m.projects[identityID][b.ProjectID] = p
	}

	usedNames := make(map[string]bool)
	for _, p := range m.projects[identityID] {
		if p.BillingName != nil {
			usedNames[*p.BillingName] = true
		}
	}
	for name, ba := range m.billing[identityID] {
		ba.IsUsed = usedNames[name]
		ba.UpdatedAt = now
		m.billing[identityID][name] = ba
	}

	return nil
}

func (m *MemStore) LogEvent(ctx context.Context, ev OperationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.ID = uuid.NewString()
	ev.CreatedAt = time.Now()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemStore) HasSuccessfulEvent(ctx context.Context, identityID string, eventType EventType, projectID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identityName := ""
	for name, id := range m.identities {
		if id.ID == identityID {
			identityName = name
			break
		}
	}

	for _, ev := range m.events {
		if ev.Identity == identityName && ev.Type == eventType && ev.Status == StatusSuccess &&
			ev.ProjectID != nil && *ev.ProjectID == projectID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) ListOperationEvents(ctx context.Context, f OperationLogFilter) ([]OperationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var matched []OperationEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if f.Identity != "" && ev.Identity != f.Identity {
			continue
		}
		if f.Type != "" && string(ev.Type) != f.Type {
			continue
		}
		matched = append(matched, ev)
		if len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

func (m *MemStore) RecentEventsForIdentity(ctx context.Context, identityID string, limit int) ([]OperationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identityName := ""
	for name, id := range m.identities {
		if id.ID == identityID {
			identityName = name
			break
		}
	}

	var matched []OperationEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Identity == identityName {
			matched = append(matched, m.events[i])
			if len(matched) >= limit {
				break
			}
		}
	}
	return matched, nil
}
