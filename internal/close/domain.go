package close

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PeriodStatus enumerates accounting period lifecycle stages.
type PeriodStatus string

const (
	PeriodStatusOpen       PeriodStatus = "OPEN"
	PeriodStatusSoftClosed PeriodStatus = "SOFT_CLOSED"
	PeriodStatusHardClosed PeriodStatus = "HARD_CLOSED"
)

// PeriodType enumerates supported period granularities.
type PeriodType string

const (
	PeriodTypeDaily     PeriodType = "DAILY"
	PeriodTypeWeekly    PeriodType = "WEEKLY"
	PeriodTypeMonthly   PeriodType = "MONTHLY"
	PeriodTypeQuarterly PeriodType = "QUARTERLY"
	PeriodTypeYearly    PeriodType = "YEARLY"
	PeriodTypeCustom    PeriodType = "CUSTOM"
)

// Decision is the admission verdict for writing on a given date.
type Decision string

const (
	DecisionAllowed          Decision = "ALLOWED"
	DecisionRequiresApproval Decision = "REQUIRES_APPROVAL"
	DecisionDenied           Decision = "DENIED"
)

// Mode controls how far the closing lifecycle goes.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeSoftOnly Mode = "soft_only"
	ModeSoftHard Mode = "soft_hard"
)

// Validation keys checked before a soft close.
const (
	ValidationJournalsPosted   = "journals_posted"
	ValidationJournalsBalanced = "journals_balanced"
	ValidationBankReconciled   = "bank_reconciled"
)

// Policy carries the closing configuration. It is passed in at
// construction so tests can supply isolated configurations per scenario.
type Policy struct {
	Enabled                       bool
	Mode                          Mode
	RequireApprovalAfterSoftClose bool
	AllowReopenHardClose          bool
	CutoffOffsetDays              int
	HardCloseOffsetDays           int
	MandatoryValidations          []string
}

// Active reports whether the closing module participates in admission.
func (p Policy) Active() bool {
	return p.Enabled && p.Mode != ModeDisabled
}

// HardCloseEnabled reports whether hard closing is part of the lifecycle.
func (p Policy) HardCloseEnabled() bool {
	return p.Active() && p.Mode == ModeSoftHard
}

// Requires reports whether a validation key is mandatory before soft close.
func (p Policy) Requires(key string) bool {
	for _, v := range p.MandatoryValidations {
		if v == key {
			return true
		}
	}
	return false
}

// Period encapsulates metadata for a closing period.
// Invariant: StartDate <= EndDate <= CutoffDate <= HardCloseDate (when set).
type Period struct {
	ID            int64
	Code          string
	Type          PeriodType
	StartDate     time.Time
	EndDate       time.Time
	CutoffDate    time.Time
	HardCloseDate *time.Time
	Status        PeriodStatus
	SoftClosedBy  *int64
	SoftClosedAt  *time.Time
	HardClosedBy  *int64
	HardClosedAt  *time.Time
	ReopenedBy    *int64
	ReopenedAt    *time.Time
	ReopenReason  string
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Covers reports whether the date falls inside the period range.
func (p Period) Covers(date time.Time) bool {
	d := date.Truncate(24 * time.Hour)
	return !d.Before(p.StartDate.Truncate(24*time.Hour)) && !d.After(p.EndDate.Truncate(24*time.Hour))
}

// Admission pairs the verdict with the period that produced it. Period is
// nil when no period covers the date.
type Admission struct {
	Decision Decision
	Period   *Period
}

// ChecklistItem captures a task required before the period can soft close.
type ChecklistItem struct {
	ID          int64
	PeriodID    int64
	Key         string
	Label       string
	Required    bool
	Done        bool
	CompletedBy *int64
	CompletedAt *time.Time
	Payload     map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChecklistDefinition describes seed checklist entries.
type ChecklistDefinition struct {
	Key      string
	Label    string
	Required bool
}

// CreatePeriodInput captures validation rules for new periods.
type CreatePeriodInput struct {
	Code          string
	Type          PeriodType
	StartDate     time.Time
	EndDate       time.Time
	CutoffDate    time.Time
	HardCloseDate *time.Time
	Notes         string
	ActorID       int64
}

// Validate ensures the create period input is coherent.
func (in CreatePeriodInput) Validate() error {
	if strings.TrimSpace(in.Code) == "" {
		return errors.New("close: period code required")
	}
	switch in.Type {
	case PeriodTypeDaily, PeriodTypeWeekly, PeriodTypeMonthly, PeriodTypeQuarterly, PeriodTypeYearly, PeriodTypeCustom:
	default:
		return fmt.Errorf("close: unknown period type %q", in.Type)
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return errors.New("close: start and end date required")
	}
	if in.StartDate.After(in.EndDate) {
		return errors.New("close: start date cannot be after end date")
	}
	if !in.CutoffDate.IsZero() && in.CutoffDate.Before(in.EndDate) {
		return errors.New("close: cutoff date cannot precede end date")
	}
	if in.HardCloseDate != nil && !in.CutoffDate.IsZero() && in.HardCloseDate.Before(in.CutoffDate) {
		return errors.New("close: hard close date cannot precede cutoff date")
	}
	return nil
}

// Violation names one unmet soft-close condition.
type Violation struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// CloseBlockedError reports every condition blocking a close, not just the
// first one, so the caller can show the user the whole list.
type CloseBlockedError struct {
	Violations []Violation
}

func (e *CloseBlockedError) Error() string {
	codes := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		codes = append(codes, v.Code)
	}
	return "close: blocked by " + strings.Join(codes, ", ")
}

var (
	// ErrPeriodNotFound indicates a missing period.
	ErrPeriodNotFound = errors.New("close: period not found")
	// ErrPeriodOverlap indicates the requested period conflicts with an existing range.
	ErrPeriodOverlap = errors.New("close: period overlaps existing range of same type")
	// ErrDuplicateCode indicates the period code already exists.
	ErrDuplicateCode = errors.New("close: period code already exists")
	// ErrStatusConflict indicates a transition raced with another actor or
	// skipped a required predecessor state.
	ErrStatusConflict = errors.New("close: period status conflict")
	// ErrReopenForbidden indicates reopening is not permitted.
	ErrReopenForbidden = errors.New("close: reopen forbidden")
	// ErrReopenReasonRequired indicates the mandatory reason is missing.
	ErrReopenReasonRequired = errors.New("close: reopen reason required")
	// ErrHardCloseDisabled indicates the configured mode stops at soft close.
	ErrHardCloseDisabled = errors.New("close: hard close disabled by closing mode")
	// ErrHardCloseNotDue indicates the hard close date has not passed.
	ErrHardCloseNotDue = errors.New("close: hard close date not reached")
	// ErrPendingRevisions indicates unresolved revision requests block hard close.
	ErrPendingRevisions = errors.New("close: pending revision requests must be resolved")
	// ErrPeriodHardClosed is returned when writing to a hard closed period.
	ErrPeriodHardClosed = errors.New("close: period already hard closed")
	// ErrChecklistItemNotFound indicates a missing checklist entry.
	ErrChecklistItemNotFound = errors.New("close: checklist item not found")
)
