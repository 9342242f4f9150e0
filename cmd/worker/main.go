package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/meridian-his/meridian-erp/internal/app"
	"github.com/meridian-his/meridian-erp/internal/approval"
	"github.com/meridian-his/meridian-erp/internal/observability"
	"github.com/meridian-his/meridian-erp/internal/platform/cache"
	"github.com/meridian-his/meridian-erp/internal/platform/db"
	"github.com/meridian-his/meridian-erp/internal/shared"
	"github.com/meridian-his/meridian-erp/jobs"
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
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	notifier := shared.NewRedisNotifier(redisClient, cfg.NotifyOutboxKey, logger)
	metrics := observability.NewMetrics()

	approvalRepo := approval.NewRepository(pool)
	approvalEngine := approval.NewEngine(approvalRepo, auditLogger, notifier)

	checker := jobs.NewIntegrityChecker(pool, auditLogger, logger)

	escalationTask, err := jobs.NewApprovalEscalationTask(jobs.ApprovalEscalationPayload{})
	if err != nil {
		logger.Error("build escalation task", slog.Any("error", err))
		os.Exit(1)
	}
	integrityTask, err := jobs.NewGLIntegrityTask(jobs.GLIntegrityPayload{})
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskApprovalEscalation, Handler: jobs.NewEscalationHandler(approvalEngine, metrics, logger)},
			{Type: jobs.TaskGLIntegrity, Handler: jobs.NewGLIntegrityHandler(checker, metrics, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/15 * * * *", Task: escalationTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "45 1 * * *", Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
