package revision

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-his/meridian-erp/internal/platform/httpx"
	"github.com/meridian-his/meridian-erp/internal/rbac"
	"github.com/meridian-his/meridian-erp/internal/shared"
)

// Handler exposes revision logs over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	rbac     rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, validate: validate, rbac: rbac}
}

// MountRoutes registers revision routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny("finance.revision.view", "finance.revision.request"))
		r.Get("/revisions", h.listLogs)
		r.Get("/revisions/{id}", h.showLog)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll("finance.revision.request"))
		r.Post("/revisions", h.requestRevision)
	})
}

func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	periodID, _ := strconv.ParseInt(q.Get("period_id"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	logs, err := h.service.ListLogs(r.Context(), periodID, ApprovalState(q.Get("state")), limit, offset)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"revisions": logs})
}

func (h *Handler) showLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	log, err := h.service.GetLog(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, log)
}

type requestRevisionRequest struct {
	RecordKind     string            `json:"record_kind" validate:"required"`
	RecordID       int64             `json:"record_id" validate:"required"`
	PeriodID       int64             `json:"period_id"`
	Action         string            `json:"action" validate:"required,oneof=post reverse mutate"`
	BeforeSnapshot json.RawMessage   `json:"before_snapshot"`
	AfterSnapshot  json.RawMessage   `json:"after_snapshot"`
	Impact         string            `json:"impact" validate:"required"`
	Reason         string            `json:"reason" validate:"required"`
	Attributes     map[string]string `json:"attributes"`
}

func (h *Handler) requestRevision(w http.ResponseWriter, r *http.Request) {
	var req requestRevisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	impact, err := decimal.NewFromString(req.Impact)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Amount", "impact must be a decimal string")
		return
	}
	outcome, err := h.service.Request(r.Context(), RequestInput{
		Ref:            shared.RecordRef{Kind: shared.RecordKind(req.RecordKind), ID: req.RecordID},
		PeriodID:       req.PeriodID,
		Action:         Action(req.Action),
		BeforeSnapshot: req.BeforeSnapshot,
		AfterSnapshot:  req.AfterSnapshot,
		Impact:         impact,
		Reason:         req.Reason,
		Actor:          shared.ActorFromContext(r.Context()),
		Attributes:     req.Attributes,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	status := http.StatusCreated
	if outcome.PendingApproval {
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, map[string]any{
		"revision":         outcome.Log,
		"pending_approval": outcome.PendingApproval,
	})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrLogNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrAlreadyDecided):
		httpx.Problem(w, http.StatusConflict, "Already Decided", err.Error())
	case errors.Is(err, ErrReasonRequired), errors.Is(err, ErrNoApplier), errors.Is(err, shared.ErrUnknownRecordKind):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Not Allowed", err.Error())
	default:
		h.logger.Error("revision handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
