package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/billrun/pkg/accounts"
	"github.com/platinummonkey/billrun/pkg/api"
	"github.com/platinummonkey/billrun/pkg/async"
	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/config"
	"github.com/platinummonkey/billrun/pkg/jobs"
	"github.com/platinummonkey/billrun/pkg/ledger"
	"github.com/platinummonkey/billrun/pkg/middleware"
	"github.com/platinummonkey/billrun/pkg/notify"
	"github.com/platinummonkey/billrun/pkg/observability"
	"github.com/platinummonkey/billrun/pkg/payments"
	"github.com/platinummonkey/billrun/pkg/scheduler"
	"github.com/platinummonkey/billrun/pkg/storage/postgres"
)

const (
	replicaCheckInterval = 30 * time.Second
	dbStatsInterval      = 15 * time.Second
)

var (
	runOnce     = flag.Bool("run-once", false, "Run the weekly billing batch once and exit")
	weekOf      = flag.String("week", "", "Bill the week containing this date (YYYY-MM-DD). If empty, bills last week. Only used with --run-once")
	migrateOnly = flag.Bool("migrate-only", false, "Apply database migrations and exit")
)

func main() {
	flag.Parse()

	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", cfg.Observability.OTelServiceName)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("billrun exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfigFrom(cfg.Storage), logger)
	if err != nil {
		return err
	}
	if cfg.Storage.MigrateOnStart || *migrateOnly {
		if err := postgres.Migrate(cm.Primary()); err != nil {
			cm.Close()
			return err
		}
		version, _ := postgres.MigrationVersion(cm.Primary())
		logger.WithField("version", version).Info("Database schema is up to date")
	}
	if *migrateOnly {
		return cm.Close()
	}

	redisClient, err := postgres.NewRedisClient(cfg.Storage)
	if err != nil {
		cm.Close()
		return err
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	processor, err := newProcessor(cfg, logger)
	if err != nil {
		cm.Close()
		return err
	}

	runner := async.NewRunner(logger.WithField("component", "notify"))
	sender, err := newSender(cfg, runner, logger)
	if err != nil {
		cm.Close()
		return err
	}

	accountStore := accounts.NewPostgresStore(cm.Replica())
	service := billing.NewService(billing.Dependencies{
		Jobs:      jobs.NewPostgresStore(cm.Replica(), jobs.DefaultConfig()),
		Accounts:  accountStore,
		Runs:      billing.NewPostgresStore(cm.Primary()),
		Processor: processor,
		Notifier:  notify.New(sender),
		Ledger:    ledger.NewPostgresLedger(cm.Primary()),
		Logger:    logger,
		Metrics:   metrics,
	}, billing.Options{
		AutoConfirmAfter: cfg.Billing.AutoConfirmAfter,
		ChargeTimeout:    cfg.Billing.ChargeTimeout,
		Currency:         cfg.Billing.Currency,
	})

	var locker scheduler.Locker
	if redisClient != nil {
		locker = scheduler.NewRedisLocker(redisClient, "billrun:")
	} else {
		logger.Warn("Redis not configured, batch locks are local to this process")
	}
	sched := scheduler.New(service, accountStore, locker, logger, metrics, scheduler.Config{
		WeeklySchedule:    cfg.Scheduler.WeeklySchedule,
		ReconcileSchedule: cfg.Scheduler.ReconcileSchedule,
		ReconcileAfter:    cfg.Scheduler.ReconcileAfter,
		ReconcileLimit:    cfg.Scheduler.ReconcileLimit,
		Concurrency:       cfg.Scheduler.Concurrency,
		LockTTL:           cfg.Scheduler.LockTTL,
	})

	closeAll := func(ctx context.Context) {
		if err := runner.Wait(ctx); err != nil {
			logger.WithError(err).Warn("Billing notices still in flight")
		}
		if redisClient != nil {
			redisClient.Close()
		}
		cm.Close()
		observability.ShutdownOTel(ctx, providers, logger)
	}

	if *runOnce {
		defer closeAll(context.Background())
		return runBatchOnce(ctx, sched, logger)
	}

	var apiOpts []api.Option
	if limiter := newRateLimiter(ctx, cfg, redisClient); limiter != nil {
		apiOpts = append(apiOpts, api.WithRateLimiter(limiter))
	}

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewServer(service, sched, logger, metrics, apiOpts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(healthRouter, observability.NewHealthChecker(cm.Primary(), redisClient, cfg.Observability.OTelServiceVersion))
	if metrics != nil {
		healthRouter.Handle("/metrics", observability.MetricsHandler(registry))
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serve := func(name string, srv *http.Server) {
		logger.WithFields(map[string]interface{}{"server": name, "addr": srv.Addr}).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).WithField("server", name).Error("Server failed")
			cancel()
		}
	}
	go serve("api", apiServer)
	go serve("health", healthServer)

	cm.StartHealthCheckRoutine(ctx, replicaCheckInterval)
	if metrics != nil {
		go recordDBStats(ctx, cm, metrics)
	}

	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			cancel()
			closeAll(context.Background())
			return err
		}
	}

	shutdown := observability.NewShutdownManager(logger, apiServer, cfg.Server.ShutdownTimeout)
	shutdown.Register("health server", healthServer.Shutdown)
	shutdown.Register("scheduler", sched.Stop)
	shutdown.Register("notifications", runner.Wait)
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.Register("database", func(context.Context) error { return cm.Close() })
	shutdown.Register("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	logger.Info("billrun started")
	return shutdown.WaitForShutdown(ctx)
}

func newProcessor(cfg *config.Config, logger *observability.Logger) (billing.PaymentProcessor, error) {
	if cfg.Stripe.UseMock {
		logger.Warn("Using the in-memory payment processor; no real charges will be made")
		return payments.NewMockProcessor(), nil
	}
	return payments.NewStripeProcessor(payments.StripeConfig{
		SecretKey: cfg.Stripe.SecretKey,
		Timeout:   cfg.Stripe.Timeout,
		BaseURL:   cfg.Stripe.BaseURL,
	}, logger)
}

func newSender(cfg *config.Config, runner *async.Runner, logger *observability.Logger) (notify.Sender, error) {
	if cfg.Notify.WebhookURL == "" {
		return notify.NewLogSender(logger), nil
	}

	retry := notify.DefaultRetryConfig()
	if cfg.Notify.WebhookMaxAttempts > 0 {
		retry.MaxAttempts = cfg.Notify.WebhookMaxAttempts
	}
	webhook, err := notify.NewWebhookSender(notify.WebhookConfig{
		URL:     cfg.Notify.WebhookURL,
		Secret:  cfg.Notify.WebhookSecret,
		Timeout: cfg.Notify.WebhookTimeout,
		Retry:   retry,
	}, logger)
	if err != nil {
		return nil, err
	}

	budget := time.Duration(retry.MaxAttempts) * (cfg.Notify.WebhookTimeout + retry.MaxDelay)
	return notify.NewAsyncSender(webhook, runner, budget), nil
}

func runBatchOnce(ctx context.Context, sched *scheduler.Scheduler, logger *observability.Logger) error {
	window := billing.PreviousWeek(time.Now())
	if *weekOf != "" {
		day, err := time.Parse("2006-01-02", *weekOf)
		if err != nil {
			return fmt.Errorf("invalid --week: %w", err)
		}
		window = billing.CurrentWeek(day)
	}

	logger.WithField("week_start", window.Start.Format("2006-01-02")).Info("Running billing batch")
	summary, err := sched.RunBatch(ctx, window)
	if err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"accounts": summary.Accounts,
		"runs":     summary.TotalRuns,
		"charged":  summary.TotalCharged,
		"failed":   summary.TotalFailed,
		"errors":   summary.TotalErrors,
	}).Info("Billing batch complete")
	return nil
}

func recordDBStats(ctx context.Context, cm *postgres.ConnectionManager, metrics *observability.Metrics) {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordDBStats(cm.Stats())
		}
	}
}

// newRateLimiter shares limits through Redis when it is configured. It
// returns nil when rate limiting is disabled.
func newRateLimiter(ctx context.Context, cfg *config.Config, redisClient *redis.Client) middleware.Limiter {
	if cfg.Server.RateLimitPerMinute == 0 {
		return nil
	}
	limits := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.Server.RateLimitPerMinute,
		WindowDuration:    time.Minute,
	}
	if redisClient != nil {
		return middleware.NewDistributedRateLimiter(redisClient, limits, "billrun:ratelimit")
	}
	local := middleware.NewRateLimiter(limits)
	local.StartCleanup(ctx)
	return local
}
