package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/meridian-his/meridian-erp/internal/app"
	"github.com/meridian-his/meridian-erp/internal/approval"
	"github.com/meridian-his/meridian-erp/internal/auth"
	"github.com/meridian-his/meridian-erp/internal/close"
	"github.com/meridian-his/meridian-erp/internal/coa"
	"github.com/meridian-his/meridian-erp/internal/ledger"
	"github.com/meridian-his/meridian-erp/internal/observability"
	"github.com/meridian-his/meridian-erp/internal/platform/cache"
	"github.com/meridian-his/meridian-erp/internal/platform/db"
	"github.com/meridian-his/meridian-erp/internal/rbac"
	"github.com/meridian-his/meridian-erp/internal/revision"
	"github.com/meridian-his/meridian-erp/internal/shared"
	"github.com/meridian-his/meridian-erp/jobs"
)

// journalApplier adapts the posting engine to the revision workflow:
// approved revisions re-enter the ledger through the ApplyApproved entry
// points, which skip period admission.
type journalApplier struct {
	ledger *ledger.Service
}

func (a journalApplier) ApplyPosting(ctx context.Context, recordID, actorID int64) error {
	_, err := a.ledger.ApplyApprovedPosting(ctx, recordID, actorID)
	return err
}

func (a journalApplier) ApplyReversal(ctx context.Context, recordID, actorID int64) error {
	_, err := a.ledger.ApplyApprovedReversal(ctx, recordID, actorID)
	return err
}

func (a journalApplier) ApplyMutation(ctx context.Context, recordID, actorID int64, after []byte) error {
	_, err := a.ledger.ApplyApprovedMutation(ctx, recordID, actorID, after)
	return err
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	sessionManager := shared.NewSessionManager(redisClient, "meridian_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(dbpool)
	notifier := shared.NewRedisNotifier(redisClient, cfg.NotifyOutboxKey, logger)
	validate := validator.New()
	metrics := observability.NewMetrics()

	rbacService := rbac.NewService(dbpool)
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}
	rbacHandler := rbac.NewHandler(logger, rbacService, validate, rbacMiddleware)

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(logger, authService, sessionManager, validate)

	coaRepo := coa.NewRepository(dbpool)
	coaService := coa.NewService(coaRepo, auditLogger)
	coaHandler := coa.NewHandler(logger, coaService, validate, rbacMiddleware)

	closeRepo := close.NewRepository(dbpool)
	closeService := close.NewService(closeRepo, cfg.ClosePolicy(), auditLogger, notifier)
	closeHandler := close.NewHandler(logger, closeService, validate, rbacMiddleware)

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(ledgerRepo, coaService, closeService, auditLogger, notifier)
	ledgerHandler := ledger.NewHandler(logger, ledgerService, validate, rbacMiddleware, metrics)

	approvalRepo := approval.NewRepository(dbpool)
	approvalEngine := approval.NewEngine(approvalRepo, auditLogger, notifier)
	approvalHandler := approval.NewHandler(logger, approvalEngine, validate, rbacMiddleware, metrics)

	revisionRepo := revision.NewRepository(dbpool)
	revisionService := revision.NewService(revisionRepo, approvalEngine, auditLogger, notifier, cfg.MaterialThreshold())
	revisionService.RegisterApplier(shared.RecordJournalEntry, journalApplier{ledger: ledgerService})
	revisionHandler := revision.NewHandler(logger, revisionService, validate, rbacMiddleware)

	ledgerService.SetRevisionPort(revisionService)
	approvalEngine.RegisterHook(revision.ApprovalModule, revisionService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		SessionManager:  sessionManager,
		CSRFManager:     csrfManager,
		RBACMiddleware:  rbacMiddleware,
		AuthHandler:     authHandler,
		AccountHandler:  coaHandler,
		PeriodHandler:   closeHandler,
		JournalHandler:  ledgerHandler,
		ApprovalHandler: approvalHandler,
		RevisionHandler: revisionHandler,
		RoleHandler:     rbacHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
