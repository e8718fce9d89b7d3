// Package scheduler runs the reconciler across every configured identity on
// a fixed interval, bounding concurrency with a worker pool and tracking
// consecutive-failure backoff.
package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ardentops/fleetbind/internal/telemetry"
	"github.com/ardentops/fleetbind/pkg/alerthook"
	"github.com/ardentops/fleetbind/pkg/provider"
	"github.com/ardentops/fleetbind/pkg/ratelimit"
	"github.com/ardentops/fleetbind/pkg/reconciler"
	"github.com/ardentops/fleetbind/pkg/retry"
)

// consecutiveFailuresRedisKey persists the scheduler's backoff state so it
// survives a process restart instead of resetting the alert threshold.
const consecutiveFailuresRedisKey = "fleetbind:scheduler:consecutive-failures"

// Identity names one account to reconcile each cycle.
type Identity struct {
	Name            string
	CredentialsFile string
}

// Config controls cycle cadence and the worker pool.
type Config struct {
	UpdateInterval  time.Duration
	TaskTimeout     time.Duration
	MaxWorkers      int
	CloudAPIBaseURL string
}

// ProviderFactory builds a rate-limited, retrying Provider for one identity,
// along with the email address to populate on first sighting. Production
// wiring authenticates via the identity's credentials file; tests substitute
// an in-memory provider.Fake.
type ProviderFactory func(ctx context.Context, ident Identity) (prov provider.Provider, email string, err error)

// DefaultProviderFactory authenticates against baseURL using each identity's
// service-account credentials file, wrapped in a rate gate and retry
// executor shared across identities.
func DefaultProviderFactory(baseURL string, gate *ratelimit.Gate, executor *retry.Executor) ProviderFactory {
	return func(ctx context.Context, ident Identity) (provider.Provider, string, error) {
		ts, email, err := provider.LoadTokenSource(ctx, ident.CredentialsFile)
		if err != nil {
			return nil, "", err
		}
		httpProvider := provider.NewHTTPProvider(baseURL, ts)
		return provider.NewGated(httpProvider, gate, executor, ident.Name), email, nil
	}
}

// Scheduler runs the reconciler for every configured Identity on a loop.
// It implements httpserver.StatusProvider.
type Scheduler struct {
	identities  []Identity
	reconciler  *reconciler.Reconciler
	newProvider ProviderFactory
	alertHook   *alerthook.Hook
	rdb         *redis.Client
	logger      *slog.Logger
	cfg         Config

	mu                  sync.Mutex
	consecutiveFailures int
	lastCycleAt         time.Time
	lastCycleDuration   time.Duration
}

// New builds a Scheduler. rdb may be nil, in which case the
// consecutive-failure counter is kept in memory only and resets on restart.
func New(identities []Identity, rec *reconciler.Reconciler, newProvider ProviderFactory, hook *alerthook.Hook, rdb *redis.Client, logger *slog.Logger, cfg Config) *Scheduler {
	s := &Scheduler{
		identities:  identities,
		reconciler:  rec,
		newProvider: newProvider,
		alertHook:   hook,
		rdb:         rdb,
		logger:      logger,
		cfg:         cfg,
	}
	s.consecutiveFailures = s.loadConsecutiveFailures(context.Background())
	return s
}

// loadConsecutiveFailures restores the persisted counter from Redis, or
// returns 0 if rdb is nil, the key is unset, or the read fails.
func (s *Scheduler) loadConsecutiveFailures(ctx context.Context) int {
	if s.rdb == nil {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := s.rdb.Get(ctx, consecutiveFailuresRedisKey).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("restoring consecutive failure count from redis", "error", err)
		}
		return 0
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		s.logger.Warn("parsing persisted consecutive failure count", "value", raw, "error", err)
		return 0
	}
	return n
}

// saveConsecutiveFailures persists n to Redis, best-effort; a failure here
// only means a restart loses the in-progress backoff state, not correctness.
func (s *Scheduler) saveConsecutiveFailures(ctx context.Context, n int) {
	if s.rdb == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.rdb.Set(ctx, consecutiveFailuresRedisKey, n, 0).Err(); err != nil {
		s.logger.Warn("persisting consecutive failure count", "error", err)
	}
}

// ConsecutiveFailures implements httpserver.StatusProvider.
func (s *Scheduler) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

// LastCycleAt implements httpserver.StatusProvider.
func (s *Scheduler) LastCycleAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycleAt
}

// LastCycleDuration implements httpserver.StatusProvider.
func (s *Scheduler) LastCycleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycleDuration
}

// Run loops running cycles every UpdateInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "update_interval", s.cfg.UpdateInterval, "identities", len(s.identities))

	for {
		start := time.Now()
		failed := s.runCycleSafely(ctx)
		executionTime := time.Since(start)

		s.mu.Lock()
		s.lastCycleAt = start
		s.lastCycleDuration = executionTime
		if failed {
			s.consecutiveFailures++
		} else {
			s.consecutiveFailures = 0
		}
		consecutiveFailures := s.consecutiveFailures
		s.mu.Unlock()

		s.saveConsecutiveFailures(ctx, consecutiveFailures)

		telemetry.CycleDuration.Observe(executionTime.Seconds())
		telemetry.CycleConsecutiveFailures.Set(float64(consecutiveFailures))

		if consecutiveFailures >= 5 && s.alertHook != nil {
			s.alertHook.Fire(ctx, consecutiveFailures)
		}

		var extraWait time.Duration
		if consecutiveFailures >= 3 {
			extraWait = time.Duration(consecutiveFailures) * 60 * time.Second
			if extraWait > 300*time.Second {
				extraWait = 300 * time.Second
			}
		}

		sleep := s.cfg.UpdateInterval - executionTime
		if sleep < 30*time.Second {
			sleep = 30 * time.Second
		}
		sleep += extraWait

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-time.After(sleep):
		}
	}
}

// runCycleSafely runs one cycle across every identity, recovering from a
// panic in the cycle itself (the "scheduler throwing" catastrophic case) by
// waiting out a fixed cooldown before letting the caller retry.
func (s *Scheduler) runCycleSafely(ctx context.Context) (anyFailed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler cycle panicked", "panic", r)
			anyFailed = true
			cooldown := 2 * s.cfg.UpdateInterval
			if cooldown > 600*time.Second {
				cooldown = 600 * time.Second
			}
			select {
			case <-ctx.Done():
			case <-time.After(cooldown):
			}
		}
	}()

	return s.runCycle(ctx)
}

func (s *Scheduler) runCycle(ctx context.Context) bool {
	identities := make([]Identity, len(s.identities))
	copy(identities, s.identities)
	if len(identities) == 0 {
		return false
	}

	want := len(identities)
	if want < 2 {
		want = 2
	}
	workers := s.cfg.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > want {
		workers = want
	}

	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	anyFailed := false

	for _, ident := range identities {
		ident := ident
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.runIdentity(cycleCtx, ident); err != nil {
				mu.Lock()
				anyFailed = true
				mu.Unlock()
				telemetry.ReconcileFailuresTotal.WithLabelValues(ident.Name).Inc()
				s.logger.Error("reconcile failed", "identity", ident.Name, "error", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-cycleCtx.Done():
		mu.Lock()
		anyFailed = true
		mu.Unlock()
		s.logger.Warn("cycle deadline exceeded, outstanding identities counted as failed")
	}

	return anyFailed
}

func (s *Scheduler) runIdentity(ctx context.Context, ident Identity) error {
	start := time.Now()
	defer func() {
		telemetry.ReconcileDuration.WithLabelValues(ident.Name).Observe(time.Since(start).Seconds())
	}()

	prov, email, err := s.newProvider(ctx, ident)
	if err != nil {
		return err
	}

	return s.reconciler.Run(ctx, ident.Name, email, ident.CredentialsFile, prov)
}
