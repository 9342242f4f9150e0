package approval

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-his/meridian-erp/internal/observability"
	"github.com/meridian-his/meridian-erp/internal/platform/httpx"
	"github.com/meridian-his/meridian-erp/internal/rbac"
	"github.com/meridian-his/meridian-erp/internal/shared"
)

// Handler exposes the approval inbox over JSON.
type Handler struct {
	logger   *slog.Logger
	engine   *Engine
	validate *validator.Validate
	rbac     rbac.Middleware
	metrics  *observability.Metrics
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, engine *Engine, validate *validator.Validate, rbac rbac.Middleware, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, engine: engine, validate: validate, rbac: rbac, metrics: metrics}
}

// MountRoutes registers approval routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny("finance.approval.view", "finance.approval.decide"))
		r.Get("/approvals", h.listPending)
		r.Get("/approvals/{id}", h.showRequest)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll("finance.approval.decide"))
		r.Post("/approvals/{id}/approve", h.approve)
		r.Post("/approvals/{id}/reject", h.reject)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny("finance.revision.request", "finance.approval.decide"))
		r.Post("/approvals/{id}/cancel", h.cancel)
	})
}

func (h *Handler) listPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	requests, err := h.engine.ListPending(r.Context(), q.Get("module"), limit, offset)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requests": requests})
}

func (h *Handler) showRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	req, err := h.engine.GetRequest(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

type decisionRequest struct {
	Note string `json:"note"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.engine.Approve)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.engine.Reject)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, shared.Actor, string) (Request, error)) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req decisionRequest
	_ = httpx.DecodeJSON(r, &req)
	actor := shared.ActorFromContext(r.Context())
	decided, err := fn(r.Context(), id, actor, req.Note)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.metrics.RecordApprovalDecision(string(decided.Status))
	httpx.JSON(w, http.StatusOK, decided)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	actor := shared.ActorFromContext(r.Context())
	req, err := h.engine.Cancel(r.Context(), id, actor.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRequestNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrAlreadyDecided):
		httpx.Problem(w, http.StatusConflict, "Already Decided", err.Error())
	case errors.Is(err, ErrSelfApproval), errors.Is(err, ErrDuplicateDecision):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Not Allowed", err.Error())
	case errors.Is(err, ErrDecideForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrNoMatchingRule):
		httpx.Problem(w, http.StatusUnprocessableEntity, "No Matching Rule", err.Error())
	default:
		h.logger.Error("approval handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
