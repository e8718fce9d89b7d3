// Package ratelimit implements a per-identity token bucket admitting at
// most Q provider calls per second.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardentops/fleetbind/internal/telemetry"
)

// bucket is a token bucket with capacity and refill rate both equal to Q
// tokens/sec, refilled lazily on Acquire.
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(q float64) *bucket {
	return &bucket{
		capacity:   q,
		tokens:     q,
		refillRate: q,
		lastRefill: time.Now(),
	}
}

func (b *bucket) acquire(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration(float64(time.Second) * (1 - b.tokens) / b.refillRate)
		b.mu.Unlock()

		if time.Now().Add(wait).After(deadline) {
			return fmt.Errorf("rate gate: timed out waiting for token")
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *bucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Gate is a process-wide, per-identity-name keyed map of token buckets.
// Buckets are created lazily; no tokens are pre-consumed at creation.
type Gate struct {
	mu      sync.Mutex
	q       float64
	buckets map[string]*bucket
}

// NewGate creates a rate gate admitting at most q calls/second per identity.
func NewGate(q float64) *Gate {
	return &Gate{q: q, buckets: make(map[string]*bucket)}
}

// Acquire blocks until a token is available for identity or the context is
// cancelled. If the next token would not arrive before timeout elapses, it
// returns an error at once instead of waiting.
func (g *Gate) Acquire(ctx context.Context, identity string, timeout time.Duration) error {
	g.mu.Lock()
	b, ok := g.buckets[identity]
	if !ok {
		b = newBucket(g.q)
		g.buckets[identity] = b
	}
	g.mu.Unlock()

	start := time.Now()
	err := b.acquire(ctx, timeout)
	telemetry.RateGateWaitDuration.WithLabelValues(identity).Observe(time.Since(start).Seconds())
	if err == nil {
		telemetry.RateGateAcquisitionsTotal.WithLabelValues(identity).Inc()
	}
	return err
}
