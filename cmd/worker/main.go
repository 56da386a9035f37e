package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clasicc/salesmargin/internal/app"
	"github.com/clasicc/salesmargin/internal/platform/cache"
	"github.com/clasicc/salesmargin/internal/platform/db"
	"github.com/clasicc/salesmargin/internal/sales/margin"
	"github.com/clasicc/salesmargin/internal/sales/margin/history"
	"github.com/clasicc/salesmargin/internal/sales/orders"
	"github.com/clasicc/salesmargin/internal/shared"
	"github.com/clasicc/salesmargin/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, warmups will recompute without caching", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	orderRepo := orders.NewRepository(pool)
	ledger := history.NewRepository(pool)
	marginCache := margin.NewCache(redisClient, 10*time.Minute)
	auditLogger := shared.NewAuditLogger(pool)

	// The worker never enqueues follow-up warmups for itself.
	marginService := margin.NewService(orderRepo, ledger, marginCache, auditLogger, nil, logger)

	warmupJob := jobs.NewSnapshotWarmupJob(marginService, pool, logger)

	warmupTask, err := jobs.NewMarginSnapshotTask(jobs.MarginSnapshotPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskMarginSnapshotWarmup, Handler: warmupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "15 1 * * *", Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
