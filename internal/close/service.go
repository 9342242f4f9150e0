package close

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/meridian-his/meridian-erp/internal/shared"
)

// RepositoryPort abstracts period persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListPeriods(ctx context.Context, limit, offset int) ([]Period, error)
	GetPeriod(ctx context.Context, id int64) (Period, error)
	GetPeriodByCode(ctx context.Context, code string) (Period, error)
	FindCovering(ctx context.Context, date time.Time) ([]Period, error)
	ListChecklist(ctx context.Context, periodID int64) ([]ChecklistItem, error)
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	GetPeriodForUpdate(ctx context.Context, id int64) (Period, error)
	RangeConflict(ctx context.Context, t PeriodType, start, end time.Time) (bool, error)
	InsertPeriod(ctx context.Context, in CreatePeriodInput) (Period, error)
	SeedChecklist(ctx context.Context, periodID int64, defs []ChecklistDefinition) ([]ChecklistItem, error)
	ListChecklist(ctx context.Context, periodID int64) ([]ChecklistItem, error)
	CompleteChecklistItem(ctx context.Context, periodID int64, key string, actorID int64, payload map[string]any) (ChecklistItem, error)
	CountDraftJournals(ctx context.Context, start, end time.Time) (int, error)
	CountUnbalancedJournals(ctx context.Context, start, end time.Time) (int, error)
	CountPendingRevisions(ctx context.Context, periodID int64) (int, error)
	SetSoftClosed(ctx context.Context, id, actorID int64, at time.Time) error
	SetHardClosed(ctx context.Context, id, actorID int64, at time.Time) error
	SetReopened(ctx context.Context, id, actorID int64, at time.Time, reason string) error
}

// AuditPort records period lifecycle events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the period lifecycle state machine, cutoff policy, and
// pre-close validation checklist.
type Service struct {
	repo     RepositoryPort
	policy   Policy
	audit    AuditPort
	notifier shared.Notifier
	now      func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo RepositoryPort, policy Policy, audit AuditPort, notifier shared.Notifier) *Service {
	if notifier == nil {
		notifier = shared.NopNotifier{}
	}
	return &Service{
		repo:     repo,
		policy:   policy,
		audit:    audit,
		notifier: notifier,
		now:      time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Policy exposes the active closing configuration.
func (s *Service) Policy() Policy {
	return s.policy
}

// ListPeriods returns paginated periods.
func (s *Service) ListPeriods(ctx context.Context, limit, offset int) ([]Period, error) {
	return s.repo.ListPeriods(ctx, limit, offset)
}

// GetPeriod returns a single period by identifier.
func (s *Service) GetPeriod(ctx context.Context, id int64) (Period, error) {
	return s.repo.GetPeriod(ctx, id)
}

// GetChecklist returns the checklist for a period.
func (s *Service) GetChecklist(ctx context.Context, periodID int64) ([]ChecklistItem, error) {
	return s.repo.ListChecklist(ctx, periodID)
}

// CreatePeriod inserts a new period and seeds its checklist from the
// template for its type. Cutoff and hard-close dates default from the
// policy offsets when not supplied.
func (s *Service) CreatePeriod(ctx context.Context, in CreatePeriodInput) (Period, error) {
	if err := in.Validate(); err != nil {
		return Period{}, err
	}
	if in.CutoffDate.IsZero() {
		in.CutoffDate = in.EndDate.AddDate(0, 0, s.policy.CutoffOffsetDays)
	}
	if in.HardCloseDate == nil && s.policy.HardCloseEnabled() {
		hc := in.EndDate.AddDate(0, 0, s.policy.HardCloseOffsetDays)
		if hc.Before(in.CutoffDate) {
			hc = in.CutoffDate
		}
		in.HardCloseDate = &hc
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		conflict, err := tx.RangeConflict(ctx, in.Type, in.StartDate, in.EndDate)
		if err != nil {
			return err
		}
		if conflict {
			return ErrPeriodOverlap
		}
		period, err = tx.InsertPeriod(ctx, in)
		if err != nil {
			return err
		}
		_, err = tx.SeedChecklist(ctx, period.ID, ChecklistTemplate(in.Type))
		return err
	})
	if err != nil {
		return Period{}, err
	}
	s.record(ctx, in.ActorID, "period.create", period, nil)
	return period, nil
}

// CompleteChecklistItem marks a checklist task done. Hard closed periods
// no longer accept checklist changes.
func (s *Service) CompleteChecklistItem(ctx context.Context, periodID int64, key string, actorID int64, payload map[string]any) (ChecklistItem, error) {
	if key == "" || actorID == 0 {
		return ChecklistItem{}, errors.New("close: checklist key and actor required")
	}
	var item ChecklistItem
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period, err := tx.GetPeriodForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if period.Status == PeriodStatusHardClosed {
			return ErrPeriodHardClosed
		}
		item, err = tx.CompleteChecklistItem(ctx, periodID, key, actorID, payload)
		return err
	})
	if err != nil {
		return ChecklistItem{}, err
	}
	return item, nil
}

// SoftClose moves an open period to soft close. Every blocking condition
// is collected into one CloseBlockedError rather than failing on the
// first, so the caller can present the full list.
func (s *Service) SoftClose(ctx context.Context, periodID int64, actor shared.Actor) (Period, error) {
	if actor.ID == 0 {
		return Period{}, errors.New("close: actor required")
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriodForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if p.Status != PeriodStatusOpen {
			return fmt.Errorf("%w: expected OPEN, found %s", ErrStatusConflict, p.Status)
		}
		violations, err := s.collectSoftCloseViolations(ctx, tx, p, actor)
		if err != nil {
			return err
		}
		if len(violations) > 0 {
			return &CloseBlockedError{Violations: violations}
		}
		at := s.now()
		if err := tx.SetSoftClosed(ctx, p.ID, actor.ID, at); err != nil {
			return err
		}
		p.Status = PeriodStatusSoftClosed
		p.SoftClosedBy = &actor.ID
		p.SoftClosedAt = &at
		period = p
		return nil
	})
	if err != nil {
		return Period{}, err
	}
	s.record(ctx, actor.ID, "period.soft_close", period, nil)
	s.notifyTransition(ctx, period)
	return period, nil
}

// HardClose locks the period permanently. All revision requests opened
// during soft close must be resolved first.
func (s *Service) HardClose(ctx context.Context, periodID int64, actor shared.Actor) (Period, error) {
	if actor.ID == 0 {
		return Period{}, errors.New("close: actor required")
	}
	if !s.policy.HardCloseEnabled() {
		return Period{}, ErrHardCloseDisabled
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriodForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if p.Status != PeriodStatusSoftClosed {
			return fmt.Errorf("%w: expected SOFT_CLOSED, found %s", ErrStatusConflict, p.Status)
		}
		if p.HardCloseDate != nil && s.now().Before(*p.HardCloseDate) && !actor.Can(shared.CapPeriodCloseOverride) {
			return ErrHardCloseNotDue
		}
		pending, err := tx.CountPendingRevisions(ctx, p.ID)
		if err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("%w: %d pending", ErrPendingRevisions, pending)
		}
		at := s.now()
		if err := tx.SetHardClosed(ctx, p.ID, actor.ID, at); err != nil {
			return err
		}
		p.Status = PeriodStatusHardClosed
		p.HardClosedBy = &actor.ID
		p.HardClosedAt = &at
		period = p
		return nil
	})
	if err != nil {
		return Period{}, err
	}
	s.record(ctx, actor.ID, "period.hard_close", period, nil)
	s.notifyTransition(ctx, period)
	return period, nil
}

// Reopen moves a closed period back to open. The reason is mandatory and
// the transition only changes future write permissions; nothing posted
// while closed is validated or undone retroactively.
func (s *Service) Reopen(ctx context.Context, periodID int64, actor shared.Actor, reason string) (Period, error) {
	if actor.ID == 0 {
		return Period{}, errors.New("close: actor required")
	}
	if reason == "" {
		return Period{}, ErrReopenReasonRequired
	}
	if !actor.Can(shared.CapPeriodReopen) {
		return Period{}, fmt.Errorf("%w: missing %s capability", ErrReopenForbidden, shared.CapPeriodReopen)
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriodForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		switch p.Status {
		case PeriodStatusSoftClosed:
		case PeriodStatusHardClosed:
			if !s.policy.AllowReopenHardClose {
				return fmt.Errorf("%w: hard close reopening disabled", ErrReopenForbidden)
			}
		default:
			return fmt.Errorf("%w: expected closed, found %s", ErrStatusConflict, p.Status)
		}
		at := s.now()
		if err := tx.SetReopened(ctx, p.ID, actor.ID, at, reason); err != nil {
			return err
		}
		p.Status = PeriodStatusOpen
		p.ReopenedBy = &actor.ID
		p.ReopenedAt = &at
		p.ReopenReason = reason
		period = p
		return nil
	})
	if err != nil {
		return Period{}, err
	}
	s.record(ctx, actor.ID, "period.reopen", period, map[string]any{"reason": reason})
	s.notifyTransition(ctx, period)
	return period, nil
}

// CanPostOrMutate decides whether a write dated on the given day may
// proceed, needs approval, or is denied. Bypass capability never yields a
// silent write into a hard closed period; the strongest it earns is
// RequiresApproval.
func (s *Service) CanPostOrMutate(ctx context.Context, date time.Time, caps shared.CapabilitySet) (Admission, error) {
	if !s.policy.Active() {
		return Admission{Decision: DecisionAllowed}, nil
	}
	periods, err := s.repo.FindCovering(ctx, date)
	if err != nil {
		return Admission{}, err
	}
	if len(periods) == 0 {
		return Admission{Decision: DecisionAllowed}, nil
	}
	period := strictest(periods)
	switch period.Status {
	case PeriodStatusOpen:
		return Admission{Decision: DecisionAllowed, Period: &period}, nil
	case PeriodStatusSoftClosed:
		if caps.Has(shared.CapPeriodBypass) && !s.policy.RequireApprovalAfterSoftClose {
			return Admission{Decision: DecisionAllowed, Period: &period}, nil
		}
		return Admission{Decision: DecisionRequiresApproval, Period: &period}, nil
	case PeriodStatusHardClosed:
		if caps.Has(shared.CapPeriodBypass) {
			return Admission{Decision: DecisionRequiresApproval, Period: &period}, nil
		}
		return Admission{Decision: DecisionDenied, Period: &period}, nil
	default:
		return Admission{}, fmt.Errorf("close: unknown period status %q", period.Status)
	}
}

func (s *Service) collectSoftCloseViolations(ctx context.Context, tx TxRepository, p Period, actor shared.Actor) ([]Violation, error) {
	var violations []Violation
	if s.now().Before(p.CutoffDate) && !actor.Can(shared.CapPeriodCloseOverride) {
		violations = append(violations, Violation{
			Code:   "cutoff_not_reached",
			Detail: fmt.Sprintf("cutoff date %s not reached", p.CutoffDate.Format("2006-01-02")),
		})
	}
	items, err := tx.ListChecklist(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.Required && !item.Done {
			violations = append(violations, Violation{
				Code:   "checklist_incomplete",
				Detail: item.Label,
			})
		}
	}
	if s.policy.Requires(ValidationJournalsPosted) {
		drafts, err := tx.CountDraftJournals(ctx, p.StartDate, p.EndDate)
		if err != nil {
			return nil, err
		}
		if drafts > 0 {
			violations = append(violations, Violation{
				Code:   ValidationJournalsPosted,
				Detail: fmt.Sprintf("%d journals still draft", drafts),
			})
		}
	}
	if s.policy.Requires(ValidationJournalsBalanced) {
		unbalanced, err := tx.CountUnbalancedJournals(ctx, p.StartDate, p.EndDate)
		if err != nil {
			return nil, err
		}
		if unbalanced > 0 {
			violations = append(violations, Violation{
				Code:   ValidationJournalsBalanced,
				Detail: fmt.Sprintf("%d posted journals out of balance", unbalanced),
			})
		}
	}
	return violations, nil
}

// strictest returns the period with the most restrictive status when more
// than one period type covers the same date.
func strictest(periods []Period) Period {
	rank := func(s PeriodStatus) int {
		switch s {
		case PeriodStatusHardClosed:
			return 2
		case PeriodStatusSoftClosed:
			return 1
		default:
			return 0
		}
	}
	best := periods[0]
	for _, p := range periods[1:] {
		if rank(p.Status) > rank(best.Status) {
			best = p
		}
	}
	return best
}

func (s *Service) record(ctx context.Context, actorID int64, action string, period Period, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "closing_period",
		EntityID: strconv.FormatInt(period.ID, 10),
		Meta:     meta,
		At:       s.now(),
	})
}

func (s *Service) notifyTransition(ctx context.Context, period Period) {
	_ = s.notifier.Notify(ctx, shared.Notification{
		Kind:     shared.NotifyPeriodTransition,
		Subject:  fmt.Sprintf("Period %s is now %s", period.Code, period.Status),
		Entity:   "closing_period",
		EntityID: strconv.FormatInt(period.ID, 10),
	})
}
