package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-his/meridian-erp/internal/observability"
	"github.com/meridian-his/meridian-erp/internal/platform/httpx"
	"github.com/meridian-his/meridian-erp/internal/rbac"
	"github.com/meridian-his/meridian-erp/internal/shared"
)

// Handler exposes journal entries over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	rbac     rbac.Middleware
	metrics  *observability.Metrics
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate, rbac rbac.Middleware, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, service: service, validate: validate, rbac: rbac, metrics: metrics}
}

// MountRoutes registers journal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny("finance.journal.view", "finance.journal.post"))
		r.Get("/journals", h.listEntries)
		r.Get("/journals/{id}", h.showEntry)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll("finance.journal.post"))
		r.Post("/journals", h.createDraft)
		r.Post("/journals/{id}/post", h.postEntry)
		r.Post("/journals/{id}/reverse", h.reverseEntry)
	})
}

type lineRequest struct {
	AccountCode string `json:"account_code" validate:"required"`
	Debit       string `json:"debit"`
	Credit      string `json:"credit"`
	Memo        string `json:"memo"`
}

type createEntryRequest struct {
	Description  string        `json:"description" validate:"required"`
	EntryDate    string        `json:"entry_date" validate:"required"`
	SourceModule string        `json:"source_module"`
	SourceID     string        `json:"source_id" validate:"omitempty,uuid4"`
	Lines        []lineRequest `json:"lines" validate:"required,min=2,dive"`
}

func (h *Handler) createDraft(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entryDate, err := time.Parse("2006-01-02", req.EntryDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "entry_date must be YYYY-MM-DD")
		return
	}
	lines := make([]LineInput, 0, len(req.Lines))
	for i, lr := range req.Lines {
		debit, err := parseAmount(lr.Debit)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Amount", "line "+strconv.Itoa(i+1)+": debit")
			return
		}
		credit, err := parseAmount(lr.Credit)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Amount", "line "+strconv.Itoa(i+1)+": credit")
			return
		}
		lines = append(lines, LineInput{AccountCode: lr.AccountCode, Debit: debit, Credit: credit, Memo: lr.Memo})
	}
	var source *SourceRef
	if req.SourceID != "" {
		sid, err := uuid.Parse(req.SourceID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Source", "source_id must be a UUID")
			return
		}
		source = &SourceRef{Module: req.SourceModule, ID: sid}
	}
	entry, err := h.service.CreateDraft(r.Context(), CreateEntryInput{
		Description:  req.Description,
		EntryDate:    entryDate,
		SourceModule: req.SourceModule,
		Source:       source,
		Lines:        lines,
		ActorID:      shared.ActorFromContext(r.Context()).ID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) postEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	actor := shared.ActorFromContext(r.Context())
	outcome, err := h.service.Post(r.Context(), id, actor)
	if err != nil {
		h.recordRefusal(err)
		h.respondError(w, err)
		return
	}
	h.recordOutcome(outcome)
	httpx.JSON(w, http.StatusOK, outcomeResponse(outcome))
}

type reverseRequest struct {
	ReversalDate string `json:"reversal_date"`
}

func (h *Handler) reverseEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req reverseRequest
	_ = httpx.DecodeJSON(r, &req)
	var reversalDate time.Time
	if req.ReversalDate != "" {
		if reversalDate, err = time.Parse("2006-01-02", req.ReversalDate); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "reversal_date must be YYYY-MM-DD")
			return
		}
	}
	actor := shared.ActorFromContext(r.Context())
	outcome, err := h.service.Reverse(r.Context(), id, actor, reversalDate)
	if err != nil {
		h.recordRefusal(err)
		h.respondError(w, err)
		return
	}
	h.recordOutcome(outcome)
	httpx.JSON(w, http.StatusOK, outcomeResponse(outcome))
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Status: EntryStatus(q.Get("status"))}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			filter.DateFrom = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			filter.DateTo = t
		}
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	entries, err := h.service.ListEntries(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	total, err := h.service.CountEntries(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	page := filter.Offset/filter.Limit + 1
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entries":    entries,
		"pagination": shared.NewPagination(page, filter.Limit, total),
	})
}

func (h *Handler) showEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	entry, err := h.service.GetEntry(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) recordOutcome(outcome PostOutcome) {
	switch outcome.Status {
	case OutcomePosted:
		h.metrics.RecordPosting("posted")
		h.metrics.RecordAdmission("allowed")
	case OutcomePendingApproval:
		h.metrics.RecordPosting("pending_approval")
		h.metrics.RecordAdmission("requires_approval")
	}
}

func (h *Handler) recordRefusal(err error) {
	if errors.Is(err, ErrPeriodClosed) {
		h.metrics.RecordPosting("denied")
		h.metrics.RecordAdmission("denied")
	}
}

func outcomeResponse(outcome PostOutcome) map[string]any {
	resp := map[string]any{
		"status": outcome.Status,
		"entry":  outcome.Entry,
	}
	if outcome.RevisionID != 0 {
		resp["revision_id"] = outcome.RevisionID
	}
	return resp
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var unbalanced *UnbalancedError
	switch {
	case errors.Is(err, ErrEntryNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &unbalanced),
		errors.Is(err, ErrEmptyEntry),
		errors.Is(err, ErrInvalidLine),
		errors.Is(err, ErrAccountUnknown),
		errors.Is(err, ErrAccountInactive):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Not Postable", err.Error())
	case errors.Is(err, ErrAlreadyPosted), errors.Is(err, ErrAlreadyReversed), errors.Is(err, ErrNotPosted), errors.Is(err, ErrNotDraft):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrPeriodClosed):
		httpx.Problem(w, http.StatusForbidden, "Period Closed", err.Error())
	default:
		h.logger.Error("ledger handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
