package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/meridian-his/meridian-erp/internal/approval"
	"github.com/meridian-his/meridian-erp/internal/auth"
	"github.com/meridian-his/meridian-erp/internal/close"
	"github.com/meridian-his/meridian-erp/internal/coa"
	"github.com/meridian-his/meridian-erp/internal/ledger"
	"github.com/meridian-his/meridian-erp/internal/observability"
	"github.com/meridian-his/meridian-erp/internal/rbac"
	"github.com/meridian-his/meridian-erp/internal/revision"
	"github.com/meridian-his/meridian-erp/internal/shared"
	"github.com/meridian-his/meridian-erp/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	SessionManager  *shared.SessionManager
	CSRFManager     *shared.CSRFManager
	RBACMiddleware  rbac.Middleware
	AuthHandler     *auth.Handler
	AccountHandler  *coa.Handler
	PeriodHandler   *close.Handler
	JournalHandler  *ledger.Handler
	ApprovalHandler *approval.Handler
	RevisionHandler *revision.Handler
	RoleHandler     *rbac.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with Meridian defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		RBAC:           params.RBACMiddleware,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)

	r.Route("/api", func(r chi.Router) {
		if params.AccountHandler != nil {
			params.AccountHandler.MountRoutes(r)
		}
		if params.PeriodHandler != nil {
			params.PeriodHandler.MountRoutes(r)
		}
		if params.JournalHandler != nil {
			params.JournalHandler.MountRoutes(r)
		}
		if params.ApprovalHandler != nil {
			params.ApprovalHandler.MountRoutes(r)
		}
		if params.RevisionHandler != nil {
			params.RevisionHandler.MountRoutes(r)
		}
		if params.RoleHandler != nil {
			params.RoleHandler.MountRoutes(r)
		}
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
