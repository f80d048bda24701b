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

	"media-reconciler/internal/config"
	"media-reconciler/internal/enrichment"
	"media-reconciler/internal/lock"
	"media-reconciler/internal/memstore"
	"media-reconciler/internal/models"
	"media-reconciler/internal/pubsub"
	"media-reconciler/internal/queue"
	"media-reconciler/internal/scheduler"
	"media-reconciler/internal/store"
	"media-reconciler/internal/telemetry"
	workerproc "media-reconciler/internal/worker"
)

type backend interface {
	enrichment.Store
	workerproc.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	workerID := cfg.InstanceID
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})).
		With("service", "worker", "env", cfg.Env)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, workerID, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, workerID string, logger *slog.Logger) error {
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

	var stages []models.Stage
	for _, name := range cfg.EnabledStages {
		if stage, ok := models.ParseStage(name); ok {
			stages = append(stages, stage)
		}
	}

	flags := enrichment.NewFlags()
	// Audio analysis and vibe embedding do not fit in memory together.
	gate := enrichment.NewGate(flags, models.StageVibe, cfg.GateQuietPeriod, logger)
	defer gate.Close()

	processor := workerproc.NewProcessor(workQueue, st, flags, stages, workerproc.Settings{
		Concurrency:    cfg.WorkerConcurrency,
		PollInterval:   cfg.WorkerPollInterval,
		MaxAttempts:    cfg.WorkerMaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}, logger,
		workerproc.WithGate(models.StageAudio, gate),
		workerproc.WithWorkerID(workerID),
	)
	analyzer := workerproc.NewAnalyzerHandler(cfg.AnalyzerURL, cfg.AnalyzerTimeout)
	for _, stage := range stages {
		processor.RegisterHandler(stage, analyzer.Handle)
	}

	controller := enrichment.New(st, flags, workerID, logger,
		enrichment.WithQueue(workQueue),
		enrichment.WithPublisher(bus, cfg.ControlChannel),
		enrichment.WithLocker(locker),
		enrichment.WithPool(processor),
		enrichment.WithStages(stages),
		enrichment.WithDispatchBatch(cfg.DispatchBatchSize),
		enrichment.WithStoppingTimeout(cfg.StoppingTimeout),
		enrichment.WithAwaitBoot(),
	)

	// Subscribe before recovery so a command issued during boot is not missed. Dispatch
	// stays held until Boot returns.
	closeSub, err := controller.Listen(ctx, bus)
	if err != nil {
		return fmt.Errorf("listen on control channel: %w", err)
	}
	defer closeSub()

	if err := controller.Boot(ctx); err != nil {
		return fmt.Errorf("boot enrichment: %w", err)
	}

	syncCycle := scheduler.NewCycle("enrichment-sync", cfg.ControlSyncInterval, controller.Pass, logger)
	syncCycle.Start(ctx)
	defer syncCycle.Stop()

	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	logger.Info("worker started",
		"worker_id", workerID,
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
		"gate_quiet_period", cfg.GateQuietPeriod,
	)
	return processor.Run(ctx)
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, tasks are not shared with other processes")
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
