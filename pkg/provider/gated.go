package provider

import (
	"context"
	"time"

	"github.com/ardentops/fleetbind/pkg/ratelimit"
	"github.com/ardentops/fleetbind/pkg/retry"
)

// Gated wraps a Provider so every call is fronted by a per-identity rate
// gate and a retry executor, per spec §4.3.
type Gated struct {
	inner      Provider
	gate       *ratelimit.Gate
	executor   *retry.Executor
	identity   string
	acquireTO  time.Duration
}

// NewGated builds a rate-limited, retrying Provider around inner.
func NewGated(inner Provider, gate *ratelimit.Gate, executor *retry.Executor, identity string) *Gated {
	return &Gated{inner: inner, gate: gate, executor: executor, identity: identity, acquireTO: 30 * time.Second}
}

var _ Provider = (*Gated)(nil)

// call acquires a rate-gate token before each attempt, including retries, so
// a jittered backoff between attempts cannot let this identity burst above
// its configured rate.
func (g *Gated) call(ctx context.Context, op func(ctx context.Context) error) error {
	return g.executor.Run(ctx, func(ctx context.Context) error {
		if err := g.gate.Acquire(ctx, g.identity, g.acquireTO); err != nil {
			return err
		}
		return op(ctx)
	})
}

func (g *Gated) ListProjects(ctx context.Context) ([]string, error) {
	var out []string
	err := g.call(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = g.inner.ListProjects(ctx)
		return innerErr
	})
	return out, err
}

func (g *Gated) ListBillingAccounts(ctx context.Context) ([]BillingAccount, error) {
	var out []BillingAccount
	err := g.call(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = g.inner.ListBillingAccounts(ctx)
		return innerErr
	})
	return out, err
}

func (g *Gated) GetProjectBilling(ctx context.Context, projectID string) (string, error) {
	var out string
	err := g.call(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = g.inner.GetProjectBilling(ctx, projectID)
		return innerErr
	})
	return out, err
}

func (g *Gated) SetProjectBilling(ctx context.Context, projectID, billingName string) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.inner.SetProjectBilling(ctx, projectID, billingName)
	})
}

func (g *Gated) RemoveMemberFromRoles(ctx context.Context, resource, member string, roles []string) (bool, error) {
	var removed bool
	err := g.call(ctx, func(ctx context.Context) error {
		var innerErr error
		removed, innerErr = g.inner.RemoveMemberFromRoles(ctx, resource, member, roles)
		return innerErr
	})
	return removed, err
}
