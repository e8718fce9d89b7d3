package provider

import (
	"context"
	"testing"

	"github.com/ardentops/fleetbind/pkg/ratelimit"
	"github.com/ardentops/fleetbind/pkg/retry"
)

func TestFakeListProjectsReturnsSeeded(t *testing.T) {
	f := NewFake()
	f.AddProject("proj-a", "billingAccounts/AAA")
	f.AddProject("proj-b", "")

	got, err := f.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 projects, got %d", len(got))
	}
}

func TestFakeGetProjectBillingPermissionDenied(t *testing.T) {
	f := NewFake()
	f.AddProject("proj-a", "billingAccounts/AAA")
	f.FailProjectBillingReadsWithPermissionDenied["proj-a"] = true

	_, err := f.GetProjectBilling(context.Background(), "proj-a")
	if err != ErrPermissionDenied {
		t.Fatalf("want ErrPermissionDenied, got %v", err)
	}
}

func TestFakeRateLimitHitsThenSucceeds(t *testing.T) {
	f := NewFake()
	f.AddProject("proj-a", "")
	f.RemainingRateLimitHits["ListProjects"] = 2

	if _, err := f.ListProjects(context.Background()); retry.Classify(err) != retry.Retryable {
		t.Fatalf("attempt 1: want retryable error, got %v", err)
	}
	if _, err := f.ListProjects(context.Background()); retry.Classify(err) != retry.Retryable {
		t.Fatalf("attempt 2: want retryable error, got %v", err)
	}
	if _, err := f.ListProjects(context.Background()); err != nil {
		t.Fatalf("attempt 3: want success, got %v", err)
	}
}

func TestFakeRemoveMemberFromRolesDropsBindingAndMember(t *testing.T) {
	f := NewFake()
	f.SetPolicy("projects/proj-a", Policy{
		Bindings: []Binding{
			{Role: "roles/owner", Members: []string{"user:a@example.com", "user:b@example.com"}},
			{Role: "roles/viewer", Members: []string{"user:a@example.com"}},
		},
	})

	removed, err := f.RemoveMemberFromRoles(context.Background(), "projects/proj-a", "user:a@example.com", []string{"roles/owner"})
	if err != nil {
		t.Fatalf("RemoveMemberFromRoles: %v", err)
	}
	if !removed {
		t.Fatal("want removed=true")
	}

	removed, err = f.RemoveMemberFromRoles(context.Background(), "projects/proj-a", "user:a@example.com", []string{"roles/owner"})
	if err != nil {
		t.Fatalf("second RemoveMemberFromRoles: %v", err)
	}
	if removed {
		t.Fatal("want removed=false on already-absent member")
	}
}

func TestFakeRemoveMemberFromRolesEtagConflictThenSucceeds(t *testing.T) {
	f := NewFake()
	f.SetPolicy("projects/proj-a", Policy{
		Bindings: []Binding{{Role: "roles/owner", Members: []string{"user:a@example.com"}}},
	})
	f.EtagConflictsRemaining["projects/proj-a"] = 1

	_, err := f.RemoveMemberFromRoles(context.Background(), "projects/proj-a", "user:a@example.com", []string{"roles/owner"})
	if retry.Classify(err) != retry.Retryable {
		t.Fatalf("want retryable conflict, got %v", err)
	}

	removed, err := f.RemoveMemberFromRoles(context.Background(), "projects/proj-a", "user:a@example.com", []string{"roles/owner"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !removed {
		t.Fatal("want removed=true after conflict clears")
	}
}

func TestGatedRetriesTransientFailureThroughFake(t *testing.T) {
	f := NewFake()
	f.AddProject("proj-a", "")
	f.RemainingRateLimitHits["ListProjects"] = 1

	gate := ratelimit.NewGate(100)
	executor := retry.NewExecutor(retry.Config{MaxRetries: 2, BaseDelay: 0, MaxDelay: 0, EnableJitter: false})
	g := NewGated(f, gate, executor, "identity-a")

	got, err := g.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("ListProjects through Gated: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 project, got %d", len(got))
	}
}

func TestGatedSurfacesTerminalErrorImmediately(t *testing.T) {
	f := NewFake()
	f.AddProject("proj-a", "billingAccounts/AAA")
	f.FailProjectBillingReadsWithPermissionDenied["proj-a"] = true

	gate := ratelimit.NewGate(100)
	executor := retry.NewExecutor(retry.Config{MaxRetries: 5, BaseDelay: 0, MaxDelay: 0, EnableJitter: false})
	g := NewGated(f, gate, executor, "identity-a")

	_, err := g.GetProjectBilling(context.Background(), "proj-a")
	if err != ErrPermissionDenied {
		t.Fatalf("want ErrPermissionDenied surfaced without retries, got %v", err)
	}
}
