package store

import (
	"context"
	"testing"
)

func TestMemStoreEnsureIdentityIdempotent(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	a, err := m.EnsureIdentity(ctx, "acct-a", "a@example.com", "/creds/acct-a.json")
	if err != nil {
		t.Fatalf("EnsureIdentity: %v", err)
	}

	b, err := m.EnsureIdentity(ctx, "acct-a", "a@example.com", "/creds/acct-a.json")
	if err != nil {
		t.Fatalf("EnsureIdentity second call: %v", err)
	}

	if a.ID != b.ID {
		t.Errorf("expected same identity ID on repeated ensure, got %q and %q", a.ID, b.ID)
	}
}

func TestMemStorePersistCycleRecomputesIsUsed(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	id, _ := m.EnsureIdentity(ctx, "acct-a", "a@example.com", "")
	ba, _ := m.UpsertBillingAccount(ctx, id.ID, "billingAccounts/B", "Billing B", "B", true)

	billingName := ba.Name
	billingShort := ba.AccountID
	err := m.PersistCycle(ctx, id.ID, []ProjectBinding{
		{ProjectID: "p1", BillingAccountID: &billingShort, BillingName: &billingName},
	})
	if err != nil {
		t.Fatalf("PersistCycle: %v", err)
	}

	accts, err := m.ListBillingAccounts(ctx, BillingAccountFilter{Identity: "acct-a"})
	if err != nil {
		t.Fatalf("ListBillingAccounts: %v", err)
	}
	if len(accts) != 1 || !accts[0].IsUsed {
		t.Errorf("expected billing account B to be marked used, got %+v", accts)
	}
}

func TestMemStoreSafetyGate(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	id, _ := m.EnsureIdentity(ctx, "acct-a", "a@example.com", "")

	ok, err := m.HasSuccessfulEvent(ctx, id.ID, EventRemoveProjectPermission, "p1")
	if err != nil {
		t.Fatalf("HasSuccessfulEvent: %v", err)
	}
	if ok {
		t.Fatal("expected no successful event yet")
	}

	pid := "p1"
	if err := m.LogEvent(ctx, OperationEvent{
		Type: EventRemoveProjectPermission, Identity: "acct-a", ProjectID: &pid, Status: StatusSuccess,
	}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	ok, err = m.HasSuccessfulEvent(ctx, id.ID, EventRemoveProjectPermission, "p1")
	if err != nil {
		t.Fatalf("HasSuccessfulEvent: %v", err)
	}
	if !ok {
		t.Fatal("expected successful event to be found after logging")
	}
}
