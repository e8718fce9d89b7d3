// Package app wires configuration, infrastructure clients, the
// reconciliation scheduler, and the admin HTTP surface into one running
// process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ardentops/fleetbind/internal/config"
	"github.com/ardentops/fleetbind/internal/httpserver"
	"github.com/ardentops/fleetbind/internal/platform"
	"github.com/ardentops/fleetbind/internal/telemetry"
	"github.com/ardentops/fleetbind/pkg/adminapi"
	"github.com/ardentops/fleetbind/pkg/alerthook"
	"github.com/ardentops/fleetbind/pkg/operator"
	"github.com/ardentops/fleetbind/pkg/provider"
	"github.com/ardentops/fleetbind/pkg/ratelimit"
	"github.com/ardentops/fleetbind/pkg/reconciler"
	"github.com/ardentops/fleetbind/pkg/retry"
	"github.com/ardentops/fleetbind/pkg/scheduler"
	"github.com/ardentops/fleetbind/pkg/store"
)

// Run takes the loaded config, connects to infrastructure, and starts the scheduler
// loop and admin HTTP server together, returning once ctx is cancelled or
// either one fails.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting fleetbind", "listen", cfg.ListenAddr(), "identities", len(cfg.GCPAccountNames))

	db, err := platform.NewPostgresPool(ctx, cfg.PostgresDSN())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.PostgresDSN(), cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	st := store.NewPGStore(db)

	gate := ratelimit.NewGate(cfg.MaxQPSPerAccount)
	executor := retry.NewExecutor(retry.Config{
		MaxRetries:   cfg.MaxRetries,
		BaseDelay:    time.Duration(cfg.BaseRetryDelaySecs) * time.Second,
		MaxDelay:     time.Duration(cfg.MaxRetryDelaySecs) * time.Second,
		EnableJitter: cfg.EnableJitter,
	})
	providerFactory := scheduler.DefaultProviderFactory(cfg.CloudAPIBaseURL, gate, executor)

	rec := reconciler.New(st, logger, reconciler.Config{
		EnableAutoSwitch:      cfg.EnableAutoSwitch,
		MaxProjectsPerBilling: cfg.MaxProjectsPerBilling,
	})

	identities := make([]scheduler.Identity, 0, len(cfg.GCPAccountNames))
	for _, name := range cfg.GCPAccountNames {
		identities = append(identities, scheduler.Identity{
			Name:            name,
			CredentialsFile: provider.CredentialsPath(cfg.GCPCredentialsDir, name),
		})
	}

	hook := alerthook.New(rdb, logger, cfg.AlertWebhookURL)
	if hook.IsEnabled() {
		logger.Info("alert webhook enabled")
	} else {
		logger.Info("alert webhook disabled (ALERT_WEBHOOK_URL not set)")
	}

	sched := scheduler.New(identities, rec, providerFactory, hook, rdb, logger, scheduler.Config{
		UpdateInterval:  time.Duration(cfg.UpdateIntervalSeconds) * time.Second,
		TaskTimeout:     time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		MaxWorkers:      cfg.MaxWorkers,
		CloudAPIBaseURL: cfg.CloudAPIBaseURL,
	})
	go sched.Run(ctx)

	actions := operator.New(st, logger)
	adminHandler := adminapi.New(st, actions, adminProviderFactory(cfg, gate, executor), logger)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, sched)
	srv.APIRouter.Mount("/v1", adminHandler.Routes())
	srv.Router.Get("/status", srv.HandleStatus)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// adminProviderFactory builds a fresh, rate-limited, retrying Provider for
// one identity's mutating admin action, authenticating via its credentials
// file the same way the scheduler does for reconciliation cycles.
func adminProviderFactory(cfg *config.Config, gate *ratelimit.Gate, executor *retry.Executor) adminapi.ProviderFactory {
	return func(ctx context.Context, identity store.Identity) (provider.Provider, error) {
		ts, _, err := provider.LoadTokenSource(ctx, identity.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("loading credentials for %q: %w", identity.Name, err)
		}
		httpProvider := provider.NewHTTPProvider(cfg.CloudAPIBaseURL, ts)
		return provider.NewGated(httpProvider, gate, executor, identity.Name), nil
	}
}
