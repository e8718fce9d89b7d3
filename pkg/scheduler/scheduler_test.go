package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ardentops/fleetbind/pkg/provider"
	"github.com/ardentops/fleetbind/pkg/reconciler"
	"github.com/ardentops/fleetbind/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunCycleSucceedsAcrossIdentities(t *testing.T) {
	st := store.NewMemStore()
	rec := reconciler.New(st, testLogger(), reconciler.Config{EnableAutoSwitch: true, MaxProjectsPerBilling: 3})

	factory := func(ctx context.Context, ident Identity) (provider.Provider, string, error) {
		f := provider.NewFake()
		f.AddBillingAccount("billingAccounts/AAA", "Account A", true)
		f.AddProject("proj-1", "")
		return f, ident.Name + "@example.com", nil
	}

	s := New(
		[]Identity{{Name: "acct-a"}, {Name: "acct-b"}},
		rec, factory, nil, nil, testLogger(),
		Config{UpdateInterval: time.Minute, TaskTimeout: 5 * time.Second, MaxWorkers: 8},
	)

	if failed := s.runCycle(context.Background()); failed {
		t.Fatal("want a clean cycle")
	}
	if s.ConsecutiveFailures() != 0 {
		t.Fatalf("want 0 consecutive failures before Run tracks it, got %d", s.ConsecutiveFailures())
	}
}

func TestRunCycleMarksFailureOnIdentityError(t *testing.T) {
	st := store.NewMemStore()
	rec := reconciler.New(st, testLogger(), reconciler.Config{EnableAutoSwitch: true, MaxProjectsPerBilling: 3})

	factory := func(ctx context.Context, ident Identity) (provider.Provider, string, error) {
		return nil, "", errors.New("credentials unavailable")
	}

	s := New(
		[]Identity{{Name: "acct-a"}},
		rec, factory, nil, nil, testLogger(),
		Config{UpdateInterval: time.Minute, TaskTimeout: 5 * time.Second, MaxWorkers: 8},
	)

	if failed := s.runCycle(context.Background()); !failed {
		t.Fatal("want the cycle marked failed")
	}
}

func TestConsecutiveFailuresTracksAcrossCycles(t *testing.T) {
	st := store.NewMemStore()
	rec := reconciler.New(st, testLogger(), reconciler.Config{EnableAutoSwitch: true, MaxProjectsPerBilling: 3})

	failFactory := func(ctx context.Context, ident Identity) (provider.Provider, string, error) {
		return nil, "", errors.New("boom")
	}

	s := New(
		[]Identity{{Name: "acct-a"}},
		rec, failFactory, nil, nil, testLogger(),
		Config{UpdateInterval: time.Minute, TaskTimeout: 5 * time.Second, MaxWorkers: 8},
	)

	for i := 0; i < 3; i++ {
		failed := s.runCycle(context.Background())
		s.mu.Lock()
		if failed {
			s.consecutiveFailures++
		} else {
			s.consecutiveFailures = 0
		}
		s.mu.Unlock()
	}

	if got := s.ConsecutiveFailures(); got != 3 {
		t.Fatalf("want 3 consecutive failures, got %d", got)
	}
}

func TestConsecutiveFailuresSurvivesRestartViaRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	st := store.NewMemStore()
	rec := reconciler.New(st, testLogger(), reconciler.Config{EnableAutoSwitch: true, MaxProjectsPerBilling: 3})
	failFactory := func(ctx context.Context, ident Identity) (provider.Provider, string, error) {
		return nil, "", errors.New("boom")
	}
	cfg := Config{UpdateInterval: time.Minute, TaskTimeout: 5 * time.Second, MaxWorkers: 8}

	first := New([]Identity{{Name: "acct-a"}}, rec, failFactory, nil, rdb, testLogger(), cfg)
	for i := 0; i < 3; i++ {
		failed := first.runCycle(context.Background())
		first.mu.Lock()
		if failed {
			first.consecutiveFailures++
		}
		first.mu.Unlock()
		first.saveConsecutiveFailures(context.Background(), first.ConsecutiveFailures())
	}
	if got := first.ConsecutiveFailures(); got != 3 {
		t.Fatalf("want 3 consecutive failures before restart, got %d", got)
	}

	restarted := New([]Identity{{Name: "acct-a"}}, rec, failFactory, nil, rdb, testLogger(), cfg)
	if got := restarted.ConsecutiveFailures(); got != 3 {
		t.Fatalf("want restarted scheduler to restore 3 from redis, got %d", got)
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	st := store.NewMemStore()
	rec := reconciler.New(st, testLogger(), reconciler.Config{EnableAutoSwitch: true, MaxProjectsPerBilling: 3})

	factory := func(ctx context.Context, ident Identity) (provider.Provider, string, error) {
		return provider.NewFake(), "", nil
	}

	s := New(nil, rec, factory, nil, nil, testLogger(), Config{UpdateInterval: 50 * time.Millisecond, TaskTimeout: time.Second, MaxWorkers: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
