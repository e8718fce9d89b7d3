// Package operator implements the manually-triggered actions available
// through the admin surface: detaching a project's billing, revoking IAM
// roles, and deleting rows once it is safe to do so.
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ardentops/fleetbind/internal/telemetry"
	"github.com/ardentops/fleetbind/pkg/provider"
	"github.com/ardentops/fleetbind/pkg/store"
)

// ErrSafetyGateRejected is returned when a delete is refused because its
// prerequisite has not been satisfied.
var ErrSafetyGateRejected = errors.New("safety gate rejected delete")

var projectAdminRoles = []string{
	"roles/owner",
	"roles/editor",
	"roles/resourcemanager.projectIamAdmin",
}

var billingAdminRoles = []string{"roles/billing.admin"}

// Actions runs operator actions against a Store and a per-call Provider.
type Actions struct {
	store  store.Store
	logger *slog.Logger
}

// New builds an Actions.
func New(st store.Store, logger *slog.Logger) *Actions {
	return &Actions{store: st, logger: logger}
}

// DetachProjectBilling clears projectID's billing binding. If the project
// has no billing set, it returns success without calling prov.
func (a *Actions) DetachProjectBilling(ctx context.Context, identityName, projectID string, prov provider.Provider) error {
	identity, err := a.store.GetIdentityByName(ctx, identityName)
	if err != nil {
		return fmt.Errorf("looking up identity %q: %w", identityName, err)
	}

	proj, err := a.store.GetProjectByProjectID(ctx, identity.ID, projectID)
	if err != nil {
		return fmt.Errorf("looking up project %q: %w", projectID, err)
	}
	if proj.BillingName == nil {
		return nil
	}

	oldValue := *proj.BillingName
	if err := prov.SetProjectBilling(ctx, projectID, ""); err != nil {
		a.logEvent(ctx, store.OperationEvent{
			Type: store.EventUnbind, Identity: identityName, ProjectID: &projectID,
			OldValue: oldValue, NewValue: "", Status: store.StatusFailed, Message: err.Error(),
		})
		return fmt.Errorf("detaching billing for %q: %w", projectID, err)
	}

	if err := a.store.ClearProjectBilling(ctx, identity.ID, projectID); err != nil {
		return fmt.Errorf("clearing billing row for %q: %w", projectID, err)
	}

	a.logEvent(ctx, store.OperationEvent{
		Type: store.EventUnbind, Identity: identityName, ProjectID: &projectID,
		OldValue: oldValue, NewValue: "", Status: store.StatusSuccess,
	})
	return nil
}

// RevokeProjectAdmin removes the identity's email from the project admin
// roles on projectID.
func (a *Actions) RevokeProjectAdmin(ctx context.Context, identityName, projectID string, prov provider.Provider) error {
	identity, err := a.store.GetIdentityByName(ctx, identityName)
	if err != nil {
		return fmt.Errorf("looking up identity %q: %w", identityName, err)
	}

	resource := "projects/" + projectID
	member := "serviceAccount:" + identity.Email

	removed, err := prov.RemoveMemberFromRoles(ctx, resource, member, projectAdminRoles)
	if err != nil {
		a.logEvent(ctx, store.OperationEvent{
			Type: store.EventRemoveProjectPermission, Identity: identityName, ProjectID: &projectID,
			Status: store.StatusFailed, Message: err.Error(),
		})
		return fmt.Errorf("revoking project admin on %q: %w", projectID, err)
	}

	a.logEvent(ctx, store.OperationEvent{
		Type: store.EventRemoveProjectPermission, Identity: identityName, ProjectID: &projectID,
		Status: store.StatusSuccess, AlreadyAbsent: !removed,
	})
	return nil
}

// RevokeBillingAdmin removes the identity's email from the billing admin
// role on the billing account identified by accountID (short id).
func (a *Actions) RevokeBillingAdmin(ctx context.Context, identityName, accountID string, prov provider.Provider) error {
	identity, err := a.store.GetIdentityByName(ctx, identityName)
	if err != nil {
		return fmt.Errorf("looking up identity %q: %w", identityName, err)
	}

	ba, err := a.store.GetBillingAccountByAccountID(ctx, identity.ID, accountID)
	if err != nil {
		return fmt.Errorf("looking up billing account %q: %w", accountID, err)
	}

	member := "serviceAccount:" + identity.Email

	removed, err := prov.RemoveMemberFromRoles(ctx, ba.Name, member, billingAdminRoles)
	if err != nil {
		a.logEvent(ctx, store.OperationEvent{
			Type: store.EventRemovePermission, Identity: identityName, BillingAccountID: &accountID,
			Status: store.StatusFailed, Message: err.Error(),
		})
		return fmt.Errorf("revoking billing admin on %q: %w", accountID, err)
	}

	a.logEvent(ctx, store.OperationEvent{
		Type: store.EventRemovePermission, Identity: identityName, BillingAccountID: &accountID,
		Status: store.StatusSuccess, AlreadyAbsent: !removed,
	})
	return nil
}

// DeleteProject removes the project row, refusing unless a successful
// remove_project_permission event already exists for it.
func (a *Actions) DeleteProject(ctx context.Context, identityName, projectID string) error {
	identity, err := a.store.GetIdentityByName(ctx, identityName)
	if err != nil {
		return fmt.Errorf("looking up identity %q: %w", identityName, err)
	}

	ok, err := a.store.HasSuccessfulEvent(ctx, identity.ID, store.EventRemoveProjectPermission, projectID)
	if err != nil {
		return fmt.Errorf("checking safety gate for %q: %w", projectID, err)
	}
	if !ok {
		return fmt.Errorf("%w: project %q has no recorded permission removal", ErrSafetyGateRejected, projectID)
	}

	if err := a.store.DeleteProject(ctx, identity.ID, projectID); err != nil {
		return fmt.Errorf("deleting project %q: %w", projectID, err)
	}

	a.logEvent(ctx, store.OperationEvent{
		Type: store.EventDeleteProject, Identity: identityName, ProjectID: &projectID,
		Status: store.StatusSuccess,
	})
	return nil
}

// DeleteBillingAccount removes the billing account row, refusing if any
// project of the identity still references it.
func (a *Actions) DeleteBillingAccount(ctx context.Context, identityName, accountID string) error {
	identity, err := a.store.GetIdentityByName(ctx, identityName)
	if err != nil {
		return fmt.Errorf("looking up identity %q: %w", identityName, err)
	}

	referenced, err := a.store.BillingAccountReferenced(ctx, identity.ID, accountID)
	if err != nil {
		return fmt.Errorf("checking safety gate for %q: %w", accountID, err)
	}
	if referenced {
		return fmt.Errorf("%w: billing account %q is still referenced by a project", ErrSafetyGateRejected, accountID)
	}

	if err := a.store.DeleteBillingAccount(ctx, identity.ID, accountID); err != nil {
		return fmt.Errorf("deleting billing account %q: %w", accountID, err)
	}

	a.logEvent(ctx, store.OperationEvent{
		Type: store.EventDeleteBilling, Identity: identityName, BillingAccountID: &accountID,
		Status: store.StatusSuccess,
	})
	return nil
}

func (a *Actions) logEvent(ctx context.Context, ev store.OperationEvent) {
	if err := a.store.LogEvent(ctx, ev); err != nil {
		telemetry.AuditLogFailedTotal.Inc()
		a.logger.Error("failed to write operation event", "type", ev.Type, "identity", ev.Identity, "error", err)
	}
}
