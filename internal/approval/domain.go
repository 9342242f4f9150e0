package approval

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-his/meridian-erp/internal/shared"
)

// Status enumerates approval request lifecycle stages.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusEscalated Status = "ESCALATED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further decision can change the status.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// Rule selects which approvals a request needs. Rules are matched by
// module, amount band, and attribute conditions; the tightest matching
// band wins.
type Rule struct {
	ID         int64
	Name       string
	Module     string
	MinAmount  decimal.Decimal
	MaxAmount  decimal.Decimal
	Unbounded  bool
	Conditions map[string]string
	Levels     int
	LevelRoles []string
	EscalateTo string
	TTL        time.Duration
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Matches reports whether the rule covers the amount and attributes. Every
// condition must be present with the same value; extra attributes are
// ignored.
func (r Rule) Matches(amount decimal.Decimal, attrs map[string]string) bool {
	if !r.IsActive {
		return false
	}
	if amount.LessThan(r.MinAmount) {
		return false
	}
	if !r.Unbounded && amount.GreaterThan(r.MaxAmount) {
		return false
	}
	for key, want := range r.Conditions {
		if attrs[key] != want {
			return false
		}
	}
	return true
}

// Request is one pending approval with its decision trail.
type Request struct {
	ID             int64
	Ref            shared.RecordRef
	Module         string
	Amount         decimal.Decimal
	Attributes     map[string]string
	RuleID         int64
	Status         Status
	CurrentLevel   int
	RequiredLevels int
	RequestedBy    int64
	Reason         string
	Deadline       *time.Time
	EscalatedAt    *time.Time
	EscalatedTo    string
	DecidedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Decisions      []Decision
}

// Decision is one signed-off level of a request.
type Decision struct {
	ID        int64
	RequestID int64
	Level     int
	DecidedBy int64
	Verdict   Status
	Note      string
	DecidedAt time.Time
}

// SubmitInput groups fields for filing a new request.
type SubmitInput struct {
	Ref        shared.RecordRef
	Module     string
	Amount     decimal.Decimal
	Attributes map[string]string
	ActorID    int64
	Reason     string
}

// Validate checks the submission.
func (in SubmitInput) Validate() error {
	if err := in.Ref.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(in.Module) == "" {
		return errors.New("approval: module required")
	}
	if in.Amount.IsNegative() {
		return errors.New("approval: amount cannot be negative")
	}
	if in.ActorID == 0 {
		return errors.New("approval: requester required")
	}
	return nil
}

var (
	// ErrRequestNotFound indicates a missing approval request.
	ErrRequestNotFound = errors.New("approval: request not found")
	// ErrNoMatchingRule indicates no active rule covers the submission.
	ErrNoMatchingRule = errors.New("approval: no matching rule")
	// ErrAlreadyDecided indicates the request reached a terminal status.
	ErrAlreadyDecided = errors.New("approval: request already decided")
	// ErrSelfApproval indicates the requester attempted to decide their own request.
	ErrSelfApproval = errors.New("approval: requester cannot decide own request")
	// ErrDecideForbidden indicates the actor lacks the decide capability.
	ErrDecideForbidden = errors.New("approval: decide capability required")
	// ErrDuplicateDecision indicates the actor already decided an earlier level.
	ErrDuplicateDecision = errors.New("approval: actor already decided an earlier level")
)
