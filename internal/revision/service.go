package revision

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-his/meridian-erp/internal/approval"
	"github.com/meridian-his/meridian-erp/internal/ledger"
	"github.com/meridian-his/meridian-erp/internal/shared"
)

// ApprovalModule is the module key revisions file approvals under.
const ApprovalModule = "revision"

// RepositoryPort abstracts revision log persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLog(ctx context.Context, id int64) (Log, error)
	GetLogByApprovalID(ctx context.Context, approvalID int64) (Log, error)
	ListLogs(ctx context.Context, periodID int64, state ApprovalState, limit, offset int) ([]Log, error)
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	GetLogForUpdate(ctx context.Context, id int64) (Log, error)
	InsertLog(ctx context.Context, log Log) (Log, error)
	MarkDecided(ctx context.Context, id int64, state ApprovalState, decidedBy int64, at time.Time) error
	MarkApplied(ctx context.Context, id int64, at time.Time) error
}

// Applier performs the parked operation on the owning record once the
// revision is approved. One applier is registered per record kind.
type Applier interface {
	ApplyPosting(ctx context.Context, recordID, actorID int64) error
	ApplyReversal(ctx context.Context, recordID, actorID int64) error
	ApplyMutation(ctx context.Context, recordID, actorID int64, after []byte) error
}

// ApprovalPort files requests with the approval engine.
type ApprovalPort interface {
	Submit(ctx context.Context, in approval.SubmitInput) (approval.Request, error)
}

// AuditPort records revision events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the revision workflow: changes to records locked inside
// closed periods travel through here. Revisions whose impact stays under
// the material threshold are applied immediately; everything else waits
// for approval.
type Service struct {
	repo              RepositoryPort
	approvals         ApprovalPort
	audit             AuditPort
	notifier          shared.Notifier
	appliers          map[shared.RecordKind]Applier
	materialThreshold decimal.Decimal
	now               func() time.Time
}

// NewService constructs the revision service.
func NewService(repo RepositoryPort, approvals ApprovalPort, audit AuditPort, notifier shared.Notifier, materialThreshold decimal.Decimal) *Service {
	if notifier == nil {
		notifier = shared.NopNotifier{}
	}
	return &Service{
		repo:              repo,
		approvals:         approvals,
		audit:             audit,
		notifier:          notifier,
		appliers:          make(map[shared.RecordKind]Applier),
		materialThreshold: materialThreshold,
		now:               time.Now,
	}
}

// RegisterApplier wires the applier for a record kind.
func (s *Service) RegisterApplier(kind shared.RecordKind, applier Applier) {
	s.appliers[kind] = applier
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// GetLog returns a single revision log.
func (s *Service) GetLog(ctx context.Context, id int64) (Log, error) {
	return s.repo.GetLog(ctx, id)
}

// ListLogs returns logs filtered by period and state.
func (s *Service) ListLogs(ctx context.Context, periodID int64, state ApprovalState, limit, offset int) ([]Log, error) {
	return s.repo.ListLogs(ctx, periodID, state, limit, offset)
}

// Request files a revision. Impact at or below the material threshold is
// applied on the spot; above it the revision waits for approval. The
// approval request is filed first and the log inserted with its ID in one
// transaction, so a failed submission leaves no pending log behind. When
// no approval rule covers the amount the revision is allowed immediately.
func (s *Service) Request(ctx context.Context, in RequestInput) (Outcome, error) {
	if err := in.Validate(); err != nil {
		return Outcome{}, err
	}
	log := Log{
		Ref:            in.Ref,
		PeriodID:       in.PeriodID,
		Action:         in.Action,
		BeforeSnapshot: in.BeforeSnapshot,
		AfterSnapshot:  in.AfterSnapshot,
		Impact:         in.Impact,
		Reason:         in.Reason,
		RequestedBy:    in.Actor.ID,
		ApprovalState:  StatePending,
	}
	material := in.Impact.GreaterThan(s.materialThreshold)
	if material {
		req, err := s.approvals.Submit(ctx, approval.SubmitInput{
			Ref:        in.Ref,
			Module:     ApprovalModule,
			Amount:     in.Impact,
			Attributes: in.Attributes,
			ActorID:    in.Actor.ID,
			Reason:     in.Reason,
		})
		switch {
		case errors.Is(err, approval.ErrNoMatchingRule):
			material = false
		case err != nil:
			return Outcome{}, err
		default:
			log.ApprovalID = req.ID
		}
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		log, err = tx.InsertLog(ctx, log)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	s.record(ctx, in.Actor.ID, "revision.request", log, map[string]any{"action": string(in.Action)})

	if !material {
		applied, err := s.apply(ctx, log, in.Actor.ID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Log: applied}, nil
	}
	return Outcome{Log: log, PendingApproval: true}, nil
}

// RequestPostingApproval implements the posting engine's revision port: a
// posting or reversal refused by period admission lands here as a revision
// request. With no rule covering the amount the write is logged as applied
// and the caller finishes it inside its own transaction.
func (s *Service) RequestPostingApproval(ctx context.Context, in ledger.PostingApprovalRequest) (ledger.PostingApprovalOutcome, error) {
	action := ActionPost
	if in.Action == "reverse" {
		action = ActionReverse
	}
	log := Log{
		Ref:           in.Ref,
		PeriodID:      in.PeriodID,
		Action:        action,
		Impact:        in.Impact,
		Reason:        in.Reason,
		RequestedBy:   in.Actor.ID,
		ApprovalState: StatePending,
	}
	required := true
	req, err := s.approvals.Submit(ctx, approval.SubmitInput{
		Ref:     in.Ref,
		Module:  ApprovalModule,
		Amount:  in.Impact,
		ActorID: in.Actor.ID,
		Reason:  in.Reason,
	})
	switch {
	case errors.Is(err, approval.ErrNoMatchingRule):
		required = false
		log.ApprovalState = StateApproved
	case err != nil:
		return ledger.PostingApprovalOutcome{}, err
	default:
		log.ApprovalID = req.ID
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		log, err = tx.InsertLog(ctx, log)
		if err != nil {
			return err
		}
		if !required {
			return tx.MarkApplied(ctx, log.ID, s.now())
		}
		return nil
	})
	if err != nil {
		return ledger.PostingApprovalOutcome{}, err
	}
	s.record(ctx, in.Actor.ID, "revision.request", log, map[string]any{"action": string(action)})
	return ledger.PostingApprovalOutcome{RevisionID: log.ID, ApprovalRequired: required}, nil
}

// OnDecided receives terminal approval decisions and applies or discards
// the parked revision.
func (s *Service) OnDecided(ctx context.Context, req approval.Request) error {
	log, err := s.repo.GetLogByApprovalID(ctx, req.ID)
	if err != nil {
		return err
	}
	if log.ApprovalState != StatePending {
		return fmt.Errorf("%w: log %d is %s", ErrAlreadyDecided, log.ID, log.ApprovalState)
	}
	var decidedBy int64
	if n := len(req.Decisions); n > 0 {
		decidedBy = req.Decisions[n-1].DecidedBy
	}
	switch req.Status {
	case approval.StatusApproved:
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.MarkDecided(ctx, log.ID, StateApproved, decidedBy, s.now())
		})
		if err != nil {
			return err
		}
		log.ApprovalState = StateApproved
		if _, err := s.apply(ctx, log, decidedBy); err != nil {
			return err
		}
		s.record(ctx, decidedBy, "revision.approve", log, nil)
	case approval.StatusRejected, approval.StatusCancelled:
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.MarkDecided(ctx, log.ID, StateRejected, decidedBy, s.now())
		})
		if err != nil {
			return err
		}
		s.record(ctx, decidedBy, "revision.reject", log, nil)
	}
	return nil
}

// apply dispatches to the registered applier for the record kind and
// stamps the log applied.
func (s *Service) apply(ctx context.Context, log Log, actorID int64) (Log, error) {
	applier, ok := s.appliers[log.Ref.Kind]
	if !ok {
		return Log{}, fmt.Errorf("%w: %s", ErrNoApplier, log.Ref.Kind)
	}
	var err error
	switch log.Action {
	case ActionPost:
		err = applier.ApplyPosting(ctx, log.Ref.ID, actorID)
	case ActionReverse:
		err = applier.ApplyReversal(ctx, log.Ref.ID, actorID)
	case ActionMutate:
		err = applier.ApplyMutation(ctx, log.Ref.ID, actorID, log.AfterSnapshot)
	default:
		err = errors.New("revision: unknown action " + string(log.Action))
	}
	if err != nil {
		return Log{}, err
	}
	at := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.MarkApplied(ctx, log.ID, at)
	})
	if err != nil {
		return Log{}, err
	}
	log.ApprovalState = StateApplied
	log.AppliedAt = &at
	return log, nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, log Log, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "journal_revision_log",
		EntityID: strconv.FormatInt(log.ID, 10),
		Meta:     meta,
		At:       s.now(),
	})
}
