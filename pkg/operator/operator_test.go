package operator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ardentops/fleetbind/pkg/provider"
	"github.com/ardentops/fleetbind/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedIdentityWithProject(t *testing.T, st *store.MemStore, name, projectID, billingName string) {
	t.Helper()
	ctx := context.Background()
	identity, err := st.EnsureIdentity(ctx, name, name+"@example.com", "")
	if err != nil {
		t.Fatalf("EnsureIdentity: %v", err)
	}
	binding := store.ProjectBinding{ProjectID: projectID}
	if billingName != "" {
		binding.BillingName = &billingName
	}
	if err := st.PersistCycle(ctx, identity.ID, []store.ProjectBinding{binding}); err != nil {
		t.Fatalf("PersistCycle: %v", err)
	}
}

func TestDetachProjectBillingNoOpWhenAlreadyUnbound(t *testing.T) {
	st := store.NewMemStore()
	seedIdentityWithProject(t, st, "acct-a", "proj-1", "")
	a := New(st, testLogger())

	f := provider.NewFake()
	if err := a.DetachProjectBilling(context.Background(), "acct-a", "proj-1", f); err != nil {
		t.Fatalf("DetachProjectBilling: %v", err)
	}
}

func TestDetachProjectBillingClearsBinding(t *testing.T) {
	st := store.NewMemStore()
	seedIdentityWithProject(t, st, "acct-a", "proj-1", "billingAccounts/AAA")
	a := New(st, testLogger())

	f := provider.NewFake()
	f.AddProject("proj-1", "billingAccounts/AAA")

	if err := a.DetachProjectBilling(context.Background(), "acct-a", "proj-1", f); err != nil {
		t.Fatalf("DetachProjectBilling: %v", err)
	}

	identity, _ := st.GetIdentityByName(context.Background(), "acct-a")
	proj, err := st.GetProjectByProjectID(context.Background(), identity.ID, "proj-1")
	if err != nil {
		t.Fatalf("GetProjectByProjectID: %v", err)
	}
	if proj.BillingName != nil {
		t.Fatalf("want billing cleared, got %+v", proj)
	}
}

func TestDeleteProjectRefusedWithoutPriorPermissionRemoval(t *testing.T) {
	st := store.NewMemStore()
	seedIdentityWithProject(t, st, "acct-a", "proj-1", "")
	a := New(st, testLogger())

	err := a.DeleteProject(context.Background(), "acct-a", "proj-1")
	if !errors.Is(err, ErrSafetyGateRejected) {
		t.Fatalf("want ErrSafetyGateRejected, got %v", err)
	}

	identity, _ := st.GetIdentityByName(context.Background(), "acct-a")
	if _, err := st.GetProjectByProjectID(context.Background(), identity.ID, "proj-1"); err != nil {
		t.Fatalf("want project row still present, got error: %v", err)
	}
}

func TestDeleteProjectSucceedsAfterPermissionRemoval(t *testing.T) {
	st := store.NewMemStore()
	seedIdentityWithProject(t, st, "acct-a", "proj-1", "")
	identity, _ := st.GetIdentityByName(context.Background(), "acct-a")

	if err := st.LogEvent(context.Background(), store.OperationEvent{
		Type: store.EventRemoveProjectPermission, Identity: "acct-a", ProjectID: strPtr("proj-1"),
		Status: store.StatusSuccess,
	}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	a := New(st, testLogger())
	if err := a.DeleteProject(context.Background(), "acct-a", "proj-1"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}

	if _, err := st.GetProjectByProjectID(context.Background(), identity.ID, "proj-1"); err == nil {
		t.Fatal("want project row deleted")
	}
}

func TestDeleteBillingAccountRefusedWhenReferenced(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	identity, _ := st.EnsureIdentity(ctx, "acct-a", "", "")
	st.UpsertBillingAccount(ctx, identity.ID, "billingAccounts/AAA", "Account A", "AAA", true)
	billingName := "billingAccounts/AAA"
	st.PersistCycle(ctx, identity.ID, []store.ProjectBinding{{ProjectID: "proj-1", BillingAccountID: strPtr("AAA"), BillingName: &billingName}})

	a := New(st, testLogger())
	err := a.DeleteBillingAccount(ctx, "acct-a", "AAA")
	if !errors.Is(err, ErrSafetyGateRejected) {
		t.Fatalf("want ErrSafetyGateRejected, got %v", err)
	}
}

func TestDeleteBillingAccountSucceedsWhenUnreferenced(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	identity, _ := st.EnsureIdentity(ctx, "acct-a", "", "")
	st.UpsertBillingAccount(ctx, identity.ID, "billingAccounts/AAA", "Account A", "AAA", true)

	a := New(st, testLogger())
	if err := a.DeleteBillingAccount(ctx, "acct-a", "AAA"); err != nil {
		t.Fatalf("DeleteBillingAccount: %v", err)
	}

	if _, err := st.GetBillingAccountByAccountID(ctx, identity.ID, "AAA"); err == nil {
		t.Fatal("want billing account row deleted")
	}
}

func strPtr(s string) *string { return &s }
