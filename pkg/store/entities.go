// Package store implements transactional persistence of identities,
// projects, billing accounts, and the operation event log.
package store

import "time"

// Identity is one authenticated service-account principal.
type Identity struct {
	ID              string
	Name            string
	Email           string
	CredentialsFile string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BillingAccount is a provider-side payment vehicle scoped to one identity.
type BillingAccount struct {
	ID          string
	IdentityID  string
	Name        string // full resource name
	DisplayName string
	AccountID   string // short id, last path segment of Name
	IsOpen      bool
	IsUsed      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Project is a cloud project scoped to one identity, optionally bound to a
// billing account.
type Project struct {
	ID                 string
	IdentityID         string
	ProjectID          string
	BillingAccountID   *string // short id
	BillingName        *string // full resource name
	BillingDisplayName *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EventType enumerates the kinds of OperationEvent the core records.
type EventType string

const (
	EventUpdate                  EventType = "update"
	EventUnbind                  EventType = "unbind"
	EventAutoBind                EventType = "auto_bind"
	EventRemovePermission        EventType = "remove_permission"
	EventRemoveProjectPermission EventType = "remove_project_permission"
	EventDeleteBilling           EventType = "delete_billing"
	EventDeleteProject           EventType = "delete_project"
)

// EventStatus is the outcome recorded on an OperationEvent.
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusFailed  EventStatus = "failed"
)

// OperationEvent is one append-only audit log record. It is never mutated
// or deleted by the core.
type OperationEvent struct {
	ID               string
	Type             EventType
	Identity         string
	ProjectID        *string
	BillingAccountID *string
	OldValue         string
	NewValue         string
	Status           EventStatus
	Message          string
	// AlreadyAbsent distinguishes a "member already absent" success from an
	// actual binding removal, per the already_absent sub-status decision.
	AlreadyAbsent bool
	CreatedAt     time.Time
}
