package close

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-his/meridian-erp/internal/platform/httpx"
	"github.com/meridian-his/meridian-erp/internal/rbac"
	"github.com/meridian-his/meridian-erp/internal/shared"
)

// Handler exposes the period lifecycle over JSON.
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

// MountRoutes registers period routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny("finance.period.view", "finance.period.manage"))
		r.Get("/periods", h.listPeriods)
		r.Get("/periods/{id}", h.showPeriod)
		r.Get("/periods/{id}/checklist", h.showChecklist)
		r.Get("/periods/admission", h.checkAdmission)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll("finance.period.manage"))
		r.Post("/periods", h.createPeriod)
		r.Post("/periods/{id}/checklist/{key}/complete", h.completeChecklistItem)
		r.Post("/periods/{id}/soft-close", h.softClose)
		r.Post("/periods/{id}/hard-close", h.hardClose)
		r.Post("/periods/{id}/reopen", h.reopen)
	})
}

type periodResponse struct {
	ID            int64      `json:"id"`
	Code          string     `json:"code"`
	Type          PeriodType `json:"type"`
	StartDate     string     `json:"start_date"`
	EndDate       string     `json:"end_date"`
	CutoffDate    string     `json:"cutoff_date"`
	HardCloseDate *string    `json:"hard_close_date,omitempty"`
	Status        string     `json:"status"`
	ReopenReason  string     `json:"reopen_reason,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

func toPeriodResponse(p Period) periodResponse {
	resp := periodResponse{
		ID:           p.ID,
		Code:         p.Code,
		Type:         p.Type,
		StartDate:    p.StartDate.Format("2006-01-02"),
		EndDate:      p.EndDate.Format("2006-01-02"),
		CutoffDate:   p.CutoffDate.Format("2006-01-02"),
		Status:       string(p.Status),
		ReopenReason: p.ReopenReason,
		Notes:        p.Notes,
	}
	if p.HardCloseDate != nil {
		v := p.HardCloseDate.Format("2006-01-02")
		resp.HardCloseDate = &v
	}
	return resp
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	periods, err := h.service.ListPeriods(r.Context(), limit, offset)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]periodResponse, 0, len(periods))
	for _, p := range periods {
		out = append(out, toPeriodResponse(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"periods": out})
}

func (h *Handler) showPeriod(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	period, err := h.service.GetPeriod(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPeriodResponse(period))
}

func (h *Handler) showChecklist(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	items, err := h.service.GetChecklist(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) checkAdmission(w http.ResponseWriter, r *http.Request) {
	date, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "date must be YYYY-MM-DD")
		return
	}
	actor := shared.ActorFromContext(r.Context())
	admission, err := h.service.CanPostOrMutate(r.Context(), date, actor.Capabilities)
	if err != nil {
		h.respondError(w, err)
		return
	}
	resp := map[string]any{"decision": admission.Decision}
	if admission.Period != nil {
		resp["period"] = toPeriodResponse(*admission.Period)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type createPeriodRequest struct {
	Code          string `json:"code" validate:"required"`
	Type          string `json:"type" validate:"required"`
	StartDate     string `json:"start_date" validate:"required"`
	EndDate       string `json:"end_date" validate:"required"`
	CutoffDate    string `json:"cutoff_date"`
	HardCloseDate string `json:"hard_close_date"`
	Notes         string `json:"notes"`
}

func (h *Handler) createPeriod(w http.ResponseWriter, r *http.Request) {
	var req createPeriodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := CreatePeriodInput{
		Code:    req.Code,
		Type:    PeriodType(req.Type),
		Notes:   req.Notes,
		ActorID: shared.ActorFromContext(r.Context()).ID,
	}
	var err error
	if in.StartDate, err = time.Parse("2006-01-02", req.StartDate); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "start_date must be YYYY-MM-DD")
		return
	}
	if in.EndDate, err = time.Parse("2006-01-02", req.EndDate); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "end_date must be YYYY-MM-DD")
		return
	}
	if req.CutoffDate != "" {
		if in.CutoffDate, err = time.Parse("2006-01-02", req.CutoffDate); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "cutoff_date must be YYYY-MM-DD")
			return
		}
	}
	if req.HardCloseDate != "" {
		hc, err := time.Parse("2006-01-02", req.HardCloseDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "hard_close_date must be YYYY-MM-DD")
			return
		}
		in.HardCloseDate = &hc
	}
	period, err := h.service.CreatePeriod(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPeriodResponse(period))
}

func (h *Handler) completeChecklistItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	key := chi.URLParam(r, "key")
	var payload map[string]any
	_ = httpx.DecodeJSON(r, &payload)
	actor := shared.ActorFromContext(r.Context())
	item, err := h.service.CompleteChecklistItem(r.Context(), id, key, actor.ID, payload)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) softClose(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.SoftClose)
}

func (h *Handler) hardClose(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.HardClose)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, shared.Actor) (Period, error)) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	actor := shared.ActorFromContext(r.Context())
	period, err := fn(r.Context(), id, actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPeriodResponse(period))
}

type reopenRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) reopen(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req reopenRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor := shared.ActorFromContext(r.Context())
	period, err := h.service.Reopen(r.Context(), id, actor, req.Reason)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPeriodResponse(period))
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var blocked *CloseBlockedError
	switch {
	case errors.As(err, &blocked):
		details := make([]string, 0, len(blocked.Violations))
		for _, v := range blocked.Violations {
			details = append(details, v.Code+": "+v.Detail)
		}
		httpx.ProblemWithViolations(w, http.StatusConflict, "Close Blocked", details)
	case errors.Is(err, ErrPeriodNotFound), errors.Is(err, ErrChecklistItemNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicateCode), errors.Is(err, ErrPeriodOverlap),
		errors.Is(err, ErrStatusConflict), errors.Is(err, ErrPendingRevisions),
		errors.Is(err, ErrPeriodHardClosed):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrReopenForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrReopenReasonRequired), errors.Is(err, ErrHardCloseDisabled),
		errors.Is(err, ErrHardCloseNotDue):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Not Allowed", err.Error())
	default:
		h.logger.Error("close handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
