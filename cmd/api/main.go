package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"media-reconciler/internal/acquisition"
	api "media-reconciler/internal/api"
	"media-reconciler/internal/archive"
	"media-reconciler/internal/batches"
	"media-reconciler/internal/config"
	"media-reconciler/internal/enrichment"
	"media-reconciler/internal/jobs"
	"media-reconciler/internal/ledger"
	"media-reconciler/internal/lock"
	"media-reconciler/internal/memstore"
	"media-reconciler/internal/models"
	"media-reconciler/internal/pubsub"
	"media-reconciler/internal/queue"
	"media-reconciler/internal/ratelimit"
	"media-reconciler/internal/reconcile"
	"media-reconciler/internal/scheduler"
	"media-reconciler/internal/store"
	"media-reconciler/internal/sweeper"
)

const retentionLock = "retention:cleanup"

// backend is everything the api process reads and writes.
type backend interface {
	ledger.Store
	jobs.Store
	batches.Store
	reconcile.Store
	sweeper.Store
	enrichment.Store
	Ping(ctx context.Context) error
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})).
		With("service", "api", "env", cfg.Env)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, closeStore, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	bus := pubsub.New(rdb)
	locker := lock.New(rdb, cfg.LockTTL, cfg.LockWait, logger)
	workQueue := queue.NewRedisQueue(rdb, cfg.VisibilityTimeout)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.WebhookRateCapacity, cfg.WebhookRateRefill, time.Hour)

	ledgerOpts := []ledger.Option{}
	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init archive: %w", err)
	}
	if archiver != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithArchiver(archiver))
	}
	led := ledger.New(st, logger.With("component", "ledger"), ledgerOpts...)

	evaluator := batches.New(st, logger.With("component", "batches"),
		batches.WithPublisher(bus, cfg.ScanChannel),
		batches.WithTimeout(cfg.BatchTimeout),
	)
	lifecycle := jobs.New(st, evaluator, cfg.MaxJobRetries, logger.With("component", "jobs"))

	var recOpts []reconcile.Option
	if cfg.LidarrAPIKey != "" {
		client := acquisition.NewClient(cfg.LidarrURL, cfg.LidarrAPIKey,
			acquisition.WithHTTPClient(&http.Client{Timeout: cfg.LidarrTimeout}),
			acquisition.WithRateLimit(cfg.LidarrRPS),
			acquisition.WithLogger(logger),
		)
		recOpts = append(recOpts, reconcile.WithAcquisition(client))
	} else {
		logger.Warn("no acquisition api key configured, queue reconciliation disabled")
	}
	reconciler := reconcile.New(st, led, lifecycle, reconcile.Settings{
		StepTimeout:     cfg.StepTimeout,
		BatchSize:       cfg.ReconcileBatchSize,
		FuzzyThreshold:  cfg.FuzzyThreshold,
		VanishGrace:     cfg.QueueVanishGrace,
		EventMaxRetries: cfg.EventMaxRetries,
	}, logger, recOpts...)

	stages := enabledStages(cfg, logger)
	sweep := sweeper.New(st, lifecycle, evaluator, sweeper.Settings{
		StaleJobAge:        cfg.StaleJobAge,
		AnalysisStaleAge:   cfg.AnalysisStaleAge,
		BatchStaleAge:      cfg.BatchStaleAge,
		MaxAnalysisRetries: cfg.MaxAnalysisRetries,
		FuzzyThreshold:     cfg.FuzzyThreshold,
		StepTimeout:        cfg.StepTimeout,
		Stages:             stages,
	}, logger)

	controller := enrichment.New(st, enrichment.NewFlags(), instanceID(cfg, "api"), logger,
		enrichment.WithQueue(workQueue),
		enrichment.WithPublisher(bus, cfg.ControlChannel),
		enrichment.WithLocker(locker),
		enrichment.WithStages(stages),
		enrichment.WithDispatchBatch(cfg.DispatchBatchSize),
		enrichment.WithStoppingTimeout(cfg.StoppingTimeout),
	)
	if _, err := controller.SyncState(ctx); err != nil {
		logger.Warn("initial enrichment sync failed", "error", err)
	}

	reconcileCycle := scheduler.NewCycle("reconcile", cfg.ReconcileInterval, reconciler.Pass, logger,
		scheduler.WithIdleSuspend(cfg.IdlePassesBeforeSuspend))
	sweepCycle := scheduler.NewCycle("sweeper", cfg.SweepInterval, sweep.Pass, logger)
	syncCycle := scheduler.NewCycle("enrichment-sync", cfg.ControlSyncInterval, controller.Pass, logger)
	for _, c := range []*scheduler.Cycle{reconcileCycle, sweepCycle, syncCycle} {
		c.Start(ctx)
		defer c.Stop()
	}

	retention := cron.New()
	if _, err := retention.AddFunc(cfg.EventCleanupSchedule, func() {
		runRetention(ctx, cfg, locker, led, st, logger)
	}); err != nil {
		return fmt.Errorf("schedule retention cleanup %q: %w", cfg.EventCleanupSchedule, err)
	}
	retention.Start()
	defer func() { <-retention.Stop().Done() }()

	server := api.New(led, lifecycle, logger,
		api.WithBatches(evaluator),
		api.WithEnrichment(controller),
		api.WithReconcile(reconcileCycle),
		api.WithCycles(sweepCycle, syncCycle),
		api.WithLimiter(limiter),
		api.WithHealth(st, redisPinger{rdb}),
		api.WithEventMaxRetries(cfg.EventMaxRetries),
	)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return httpServer.Shutdown(shutdownCtx)
}

// runRetention archives and deletes old processed events and old terminal jobs. Only one
// process does it per schedule tick.
func runRetention(ctx context.Context, cfg config.Config, locker *lock.Locker, led *ledger.Ledger, st backend, logger *slog.Logger) {
	ran, err := locker.Do(ctx, retentionLock, func(ctx context.Context) error {
		deleted, err := led.CleanupOldEvents(ctx, cfg.EventRetentionDays)
		if err != nil {
			return fmt.Errorf("cleanup events: %w", err)
		}
		logger.Info("event retention cleanup done", "deleted", deleted, "retention_days", cfg.EventRetentionDays)
		if cfg.JobRetentionDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -cfg.JobRetentionDays)
			jobsDeleted, err := st.DeleteTerminalJobsBefore(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("cleanup jobs: %w", err)
			}
			logger.Info("job retention cleanup done", "deleted", jobsDeleted, "retention_days", cfg.JobRetentionDays)
		}
		return nil
	})
	if err != nil {
		logger.Warn("retention cleanup failed", "error", err)
		return
	}
	if !ran {
		logger.Info("retention cleanup done by another process")
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		return memstore.New(), func() {}, nil
	case "postgres", "":
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func enabledStages(cfg config.Config, logger *slog.Logger) []models.Stage {
	var out []models.Stage
	for _, name := range cfg.EnabledStages {
		stage, ok := models.ParseStage(name)
		if !ok {
			logger.Warn("ignoring unknown enrichment stage", "stage", name)
			continue
		}
		out = append(out, stage)
	}
	return out
}

func instanceID(cfg config.Config, role string) string {
	if cfg.InstanceID != "" {
		return cfg.InstanceID
	}
	if host, _ := os.Hostname(); host != "" {
		return role + "@" + host
	}
	return fmt.Sprintf("%s-%d", role, os.Getpid())
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
