// Package alerthook fires a best-effort Slack notification when the
// scheduler's consecutive-failure count crosses its threshold, deduplicated
// through Redis so a sustained outage does not spam the channel.
package alerthook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	goslack "github.com/slack-go/slack"

	"github.com/ardentops/fleetbind/internal/telemetry"
)

// dedupTTL bounds how often the same condition re-fires while it persists.
const dedupTTL = 10 * time.Minute

const redisKey = "fleetbind:alerthook:consecutive-failures"

// Hook posts a webhook notification, suppressing repeats within dedupTTL.
type Hook struct {
	rdb        *redis.Client
	logger     *slog.Logger
	webhookURL string
}

// New builds a Hook. If webhookURL is empty, Fire is a no-op.
func New(rdb *redis.Client, logger *slog.Logger, webhookURL string) *Hook {
	return &Hook{rdb: rdb, logger: logger, webhookURL: webhookURL}
}

// IsEnabled reports whether a webhook URL is configured.
func (h *Hook) IsEnabled() bool {
	return h.webhookURL != ""
}

// Fire posts a best-effort notification that the scheduler has hit
// consecutiveFailures consecutive failed cycles. It returns immediately;
// the dedup check and webhook delivery run on a detached goroutine so a
// slow or unreachable webhook endpoint never delays the scheduler loop.
func (h *Hook) Fire(ctx context.Context, consecutiveFailures int) {
	if !h.IsEnabled() {
		return
	}

	go h.fire(consecutiveFailures)
}

func (h *Hook) fire(consecutiveFailures int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	set, err := h.rdb.SetNX(ctx, redisKey, "1", dedupTTL).Result()
	if err != nil {
		h.logger.Warn("alert hook dedup check failed, posting anyway", "error", err)
	} else if !set {
		telemetry.AlertWebhookDeduplicatedTotal.Inc()
		return
	}

	msg := &goslack.WebhookMessage{
		Text: fmt.Sprintf(":rotating_light: fleetbind scheduler has hit %d consecutive failed cycles", consecutiveFailures),
	}

	if err := goslack.PostWebhookContext(ctx, h.webhookURL, msg); err != nil {
		telemetry.AlertWebhookSentTotal.WithLabelValues("failed").Inc()
		h.logger.Error("posting alert webhook", "error", err)
		return
	}

	telemetry.AlertWebhookSentTotal.WithLabelValues("success").Inc()
}
