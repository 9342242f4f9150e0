package revision

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-his/meridian-erp/internal/shared"
)

// Action names what the revision does to the referenced record once
// approved.
type Action string

const (
	ActionPost    Action = "post"
	ActionReverse Action = "reverse"
	ActionMutate  Action = "mutate"
)

// ApprovalState tracks where a revision log stands.
type ApprovalState string

const (
	StatePending  ApprovalState = "PENDING"
	StateApproved ApprovalState = "APPROVED"
	StateRejected ApprovalState = "REJECTED"
	StateApplied  ApprovalState = "APPLIED"
)

// Log is one requested change to a financial record inside a closed
// period. Before and after snapshots freeze what the change looked like at
// request time; approvers decide on the snapshots, not on live rows.
type Log struct {
	ID             int64
	Ref            shared.RecordRef
	PeriodID       int64
	Action         Action
	BeforeSnapshot json.RawMessage
	AfterSnapshot  json.RawMessage
	Impact         decimal.Decimal
	Reason         string
	RequestedBy    int64
	ApprovalState  ApprovalState
	ApprovalID     int64
	DecidedBy      *int64
	DecidedAt      *time.Time
	AppliedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RequestInput groups fields for filing a revision.
type RequestInput struct {
	Ref            shared.RecordRef
	PeriodID       int64
	Action         Action
	BeforeSnapshot json.RawMessage
	AfterSnapshot  json.RawMessage
	Impact         decimal.Decimal
	Reason         string
	Actor          shared.Actor
	Attributes     map[string]string
}

// Validate checks the revision request.
func (in RequestInput) Validate() error {
	if err := in.Ref.Validate(); err != nil {
		return err
	}
	switch in.Action {
	case ActionPost, ActionReverse, ActionMutate:
	default:
		return errors.New("revision: unknown action " + string(in.Action))
	}
	if strings.TrimSpace(in.Reason) == "" {
		return ErrReasonRequired
	}
	if in.Impact.IsNegative() {
		return errors.New("revision: impact cannot be negative")
	}
	if in.Actor.ID == 0 {
		return errors.New("revision: actor required")
	}
	return nil
}

// Outcome reports whether the revision was applied immediately or parked
// behind approval.
type Outcome struct {
	Log             Log
	PendingApproval bool
}

var (
	// ErrLogNotFound indicates a missing revision log.
	ErrLogNotFound = errors.New("revision: log not found")
	// ErrAlreadyDecided indicates the log reached a terminal state.
	ErrAlreadyDecided = errors.New("revision: already decided")
	// ErrReasonRequired indicates the mandatory reason is missing.
	ErrReasonRequired = errors.New("revision: reason required")
	// ErrNoApplier indicates no applier is registered for the record kind.
	ErrNoApplier = errors.New("revision: no applier for record kind")
)
