package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/skyvps360/metered-billing/internal/api"
	"github.com/skyvps360/metered-billing/internal/config"
	"github.com/skyvps360/metered-billing/internal/logging"
	"github.com/skyvps360/metered-billing/internal/metrics"
	"github.com/skyvps360/metered-billing/internal/notify"
	"github.com/skyvps360/metered-billing/internal/service/aggregator"
	"github.com/skyvps360/metered-billing/internal/service/events"
	"github.com/skyvps360/metered-billing/internal/service/meter"
	"github.com/skyvps360/metered-billing/internal/service/report"
	"github.com/skyvps360/metered-billing/internal/service/scheduler"
	"github.com/skyvps360/metered-billing/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize logging
	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting metered billing server",
		slog.String("version", "0.1.0"),
		slog.Int("port", cfg.Server.Port),
		slog.Duration("accounting_interval", cfg.Billing.AccountingInterval))

	rates, err := cfg.Billing.ParsedRates()
	if err != nil {
		logger.Error("invalid rates", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize database
	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize stores
	usageStore := storage.NewUsageStore(db)
	cycleStore := storage.NewCycleStore(db)
	deploymentStore := storage.NewDeploymentStore(db)

	// Initialize services
	usageMeter := meter.New(usageStore, meter.WithLogger(logger))

	agg := aggregator.New(cycleStore, usageStore,
		aggregator.WithLogger(logger),
		aggregator.WithCycleLength(cfg.Billing.CycleLength),
		aggregator.WithCurrency(cfg.Billing.Currency))

	sched := scheduler.New(usageMeter, agg, deploymentStore, usageStore,
		scheduler.WithLogger(logger),
		scheduler.WithInterval(cfg.Billing.AccountingInterval),
		scheduler.WithRates(rates),
		scheduler.WithRetry(cfg.Billing.Retry.MaxAttempts,
			cfg.Billing.Retry.InitialInterval,
			cfg.Billing.Retry.MaxInterval),
		scheduler.WithRecoveryParallelism(cfg.Billing.RecoveryParallelism))

	reports := report.New(cycleStore, usageStore, usageMeter,
		report.WithLogger(logger),
		report.WithCycleLength(cfg.Billing.CycleLength))

	eventHandler := events.New(deploymentStore, sched, events.WithLogger(logger))

	var notifier aggregator.Notifier = notify.NewLog(logger)
	if cfg.Billing.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Billing.Notify.WebhookURL,
			notify.WithWebhookLogger(logger),
			notify.WithTimeout(cfg.Billing.Notify.Timeout),
			notify.WithRateLimit(cfg.Billing.Notify.RequestsPerSecond, 1))
		logger.Info("cycle notifications via webhook")
	}

	watcher := aggregator.NewWatcher(cycleStore, notifier,
		aggregator.WithWatcherLogger(logger),
		aggregator.WithCheckInterval(cfg.Billing.Notify.CheckInterval),
		aggregator.WithSweeper(agg))

	// Initialize API server (not ready yet)
	server := api.New(sched, agg, reports, eventHandler,
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port),
		api.WithWatcher(watcher))

	// Reconcile windows left open by the previous process before accepting events
	if cfg.Billing.StartupRecoveryEnabled {
		logger.Info("running accrual recovery")
		recoveryCtx, cancel := context.WithTimeout(ctx, cfg.Billing.StartupRecoveryTimeout)
		result, err := sched.Recover(recoveryCtx)
		cancel()
		if err != nil {
			// Continue startup even if recovery fails; running deployments
			// are picked up again on their next lifecycle event
			logger.Error("accrual recovery failed", slog.String("error", err.Error()))
		} else {
			logger.Info("accrual recovery complete",
				slog.Int("records_closed", result.RecordsClosed),
				slog.Int("records_failed", result.RecordsFailed),
				slog.Int("records_folded", result.RecordsFolded),
				slog.Int("registered", result.Registered),
				slog.Duration("duration", result.Duration))
		}
	} else {
		logger.Info("accrual recovery disabled, skipping")
	}

	if active, err := usageStore.ListActive(ctx); err == nil {
		metrics.InitializeAccrualMetrics(ctx, len(active))
	}

	// Mark server as ready
	server.SetReady(true)

	// Start background services
	if err := watcher.Start(ctx); err != nil {
		logger.Error("failed to start cycle watcher", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")

		// Mark server as not ready to stop accepting new requests
		server.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Billing.ShutdownTimeout)
		defer cancel()

		// Stop taking events first so no chain is registered after Stop
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}

		// Bill open windows for their elapsed time
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Error("accrual shutdown error", slog.String("error", err.Error()))
		}

		watcher.Stop()
	}()

	// Start server
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
