package approval

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meridian-his/meridian-erp/internal/shared"
)

// RepositoryPort abstracts approval persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRequest(ctx context.Context, id int64) (Request, error)
	ListPending(ctx context.Context, module string, limit, offset int) ([]Request, error)
	ListRules(ctx context.Context, module string) ([]Rule, error)
	GetRule(ctx context.Context, id int64) (Rule, error)
	ListExpired(ctx context.Context, now time.Time) ([]Request, error)
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	GetRequestForUpdate(ctx context.Context, id int64) (Request, error)
	InsertRequest(ctx context.Context, req Request) (Request, error)
	InsertDecision(ctx context.Context, d Decision) (Decision, error)
	UpdateRequestStatus(ctx context.Context, id int64, status Status, currentLevel int, decidedAt, escalatedAt *time.Time) error
	MarkEscalated(ctx context.Context, id int64, target string, at time.Time) error
}

// DecisionHook is invoked once a request reaches a terminal decision. The
// owning module applies or discards the parked operation there.
type DecisionHook interface {
	OnDecided(ctx context.Context, req Request) error
}

// AuditPort records approval events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Engine is the generic approval workflow shared by every module that
// parks operations behind sign-off.
type Engine struct {
	repo     RepositoryPort
	audit    AuditPort
	notifier shared.Notifier
	hooks    map[string]DecisionHook
	now      func() time.Time
}

// NewEngine constructs the approval engine.
func NewEngine(repo RepositoryPort, audit AuditPort, notifier shared.Notifier) *Engine {
	if notifier == nil {
		notifier = shared.NopNotifier{}
	}
	return &Engine{
		repo:     repo,
		audit:    audit,
		notifier: notifier,
		hooks:    make(map[string]DecisionHook),
		now:      time.Now,
	}
}

// RegisterHook wires a module's decision callback.
func (e *Engine) RegisterHook(module string, hook DecisionHook) {
	e.hooks[module] = hook
}

// WithNow overrides the clock for deterministic tests.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// GetRequest returns a request with its decision trail.
func (e *Engine) GetRequest(ctx context.Context, id int64) (Request, error) {
	return e.repo.GetRequest(ctx, id)
}

// ListPending returns undecided requests for a module. Empty module lists
// every module.
func (e *Engine) ListPending(ctx context.Context, module string, limit, offset int) ([]Request, error) {
	return e.repo.ListPending(ctx, module, limit, offset)
}

// Submit files a new approval request under the tightest matching rule.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (Request, error) {
	if err := in.Validate(); err != nil {
		return Request{}, err
	}
	rules, err := e.repo.ListRules(ctx, in.Module)
	if err != nil {
		return Request{}, err
	}
	rule, ok := Evaluate(rules, in.Amount, in.Attributes)
	if !ok {
		return Request{}, fmt.Errorf("%w: module %s amount %s", ErrNoMatchingRule, in.Module, in.Amount.StringFixed(2))
	}
	req := Request{
		Ref:            in.Ref,
		Module:         in.Module,
		Amount:         in.Amount,
		Attributes:     in.Attributes,
		RuleID:         rule.ID,
		Status:         StatusPending,
		RequiredLevels: rule.Levels,
		RequestedBy:    in.ActorID,
		Reason:         in.Reason,
	}
	if rule.TTL > 0 {
		deadline := e.now().Add(rule.TTL)
		req.Deadline = &deadline
	}
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		req, err = tx.InsertRequest(ctx, req)
		return err
	})
	if err != nil {
		return Request{}, err
	}
	e.record(ctx, in.ActorID, "approval.submit", req, map[string]any{"rule_id": rule.ID})
	_ = e.notifier.Notify(ctx, shared.Notification{
		Kind:     shared.NotifyApprovalPending,
		Subject:  fmt.Sprintf("Approval needed for %s (%s)", req.Ref, req.Amount.StringFixed(2)),
		Entity:   "approval_request",
		EntityID: strconv.FormatInt(req.ID, 10),
	})
	return req, nil
}

// Approve signs off the next level. The request is approved once every
// required level is signed; intermediate approvals keep it pending.
func (e *Engine) Approve(ctx context.Context, id int64, actor shared.Actor, note string) (Request, error) {
	return e.decide(ctx, id, actor, note, StatusApproved)
}

// Reject terminates the request at any level.
func (e *Engine) Reject(ctx context.Context, id int64, actor shared.Actor, note string) (Request, error) {
	return e.decide(ctx, id, actor, note, StatusRejected)
}

func (e *Engine) decide(ctx context.Context, id int64, actor shared.Actor, note string, verdict Status) (Request, error) {
	if !actor.Can(shared.CapApprovalDecide) {
		return Request{}, ErrDecideForbidden
	}
	var req Request
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		r, err := tx.GetRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrAlreadyDecided, r.Status)
		}
		if r.RequestedBy == actor.ID {
			return ErrSelfApproval
		}
		for _, d := range r.Decisions {
			if d.DecidedBy == actor.ID {
				return ErrDuplicateDecision
			}
		}
		now := e.now()
		level := r.CurrentLevel + 1
		decision, err := tx.InsertDecision(ctx, Decision{
			RequestID: r.ID,
			Level:     level,
			DecidedBy: actor.ID,
			Verdict:   verdict,
			Note:      note,
			DecidedAt: now,
		})
		if err != nil {
			return err
		}
		r.Decisions = append(r.Decisions, decision)
		r.CurrentLevel = level
		switch {
		case verdict == StatusRejected:
			r.Status = StatusRejected
			r.DecidedAt = &now
		case level >= r.RequiredLevels:
			r.Status = StatusApproved
			r.DecidedAt = &now
		default:
			r.Status = StatusPending
		}
		if err := tx.UpdateRequestStatus(ctx, r.ID, r.Status, r.CurrentLevel, r.DecidedAt, r.EscalatedAt); err != nil {
			return err
		}
		req = r
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	e.record(ctx, actor.ID, "approval."+strings.ToLower(string(verdict)), req, map[string]any{"note": note})
	if req.Status.Terminal() {
		if hook, ok := e.hooks[req.Module]; ok {
			if err := hook.OnDecided(ctx, req); err != nil {
				return req, err
			}
		}
		_ = e.notifier.Notify(ctx, shared.Notification{
			Kind:     shared.NotifyApprovalDecided,
			Subject:  fmt.Sprintf("Approval %s for %s", req.Status, req.Ref),
			Entity:   "approval_request",
			EntityID: strconv.FormatInt(req.ID, 10),
		})
	}
	return req, nil
}

// Cancel withdraws a pending request; only the requester can do it.
func (e *Engine) Cancel(ctx context.Context, id, actorID int64) (Request, error) {
	var req Request
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		r, err := tx.GetRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrAlreadyDecided, r.Status)
		}
		if r.RequestedBy != actorID {
			return errors.New("approval: only the requester can cancel")
		}
		now := e.now()
		r.Status = StatusCancelled
		r.DecidedAt = &now
		if err := tx.UpdateRequestStatus(ctx, r.ID, r.Status, r.CurrentLevel, r.DecidedAt, r.EscalatedAt); err != nil {
			return err
		}
		req = r
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	e.record(ctx, actorID, "approval.cancel", req, nil)
	if hook, ok := e.hooks[req.Module]; ok {
		if err := hook.OnDecided(ctx, req); err != nil {
			return req, err
		}
	}
	return req, nil
}

// EscalateExpired reassigns every pending request past its deadline to
// the escalation target named by its rule. It returns the number escalated
// and is driven by the periodic worker sweep. Escalation never approves:
// the request stays decidable, only the audience changes.
func (e *Engine) EscalateExpired(ctx context.Context) (int, error) {
	expired, err := e.repo.ListExpired(ctx, e.now())
	if err != nil {
		return 0, err
	}
	count := 0
	targets := make(map[int64]string)
	for _, req := range expired {
		target, ok := targets[req.RuleID]
		if !ok {
			rule, err := e.repo.GetRule(ctx, req.RuleID)
			if err != nil {
				return count, err
			}
			target = rule.EscalateTo
			targets[req.RuleID] = target
		}
		err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			r, err := tx.GetRequestForUpdate(ctx, req.ID)
			if err != nil {
				return err
			}
			if r.Status != StatusPending {
				return nil
			}
			return tx.MarkEscalated(ctx, r.ID, target, e.now())
		})
		if err != nil {
			return count, err
		}
		count++
		subject := fmt.Sprintf("Approval overdue for %s", req.Ref)
		if target != "" {
			subject = fmt.Sprintf("Approval overdue for %s, reassigned to %s", req.Ref, target)
		}
		_ = e.notifier.Notify(ctx, shared.Notification{
			Kind:      shared.NotifyApprovalPending,
			Recipient: target,
			Subject:   subject,
			Entity:    "approval_request",
			EntityID:  strconv.FormatInt(req.ID, 10),
		})
	}
	return count, nil
}

func (e *Engine) record(ctx context.Context, actorID int64, action string, req Request, meta map[string]any) {
	if e.audit == nil {
		return
	}
	_ = e.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "approval_request",
		EntityID: strconv.FormatInt(req.ID, 10),
		Meta:     meta,
		At:       e.now(),
	})
}
