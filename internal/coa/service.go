package coa

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/meridian-his/meridian-erp/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetByCode(ctx context.Context, code string) (Account, error)
	ListAll(ctx context.Context) ([]Account, error)
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	GetByCodeForUpdate(ctx context.Context, code string) (Account, error)
	GetByID(ctx context.Context, id int64) (Account, error)
	Insert(ctx context.Context, in CreateAccountInput, parentID *int64, level int, normal NormalBalance) (Account, error)
	UpdateParent(ctx context.Context, id int64, parentID *int64, level int) error
	ShiftSubtreeLevels(ctx context.Context, rootID int64, delta int) error
	SetActive(ctx context.Context, id int64, active bool) error
}

// AuditPort records CoA mutations.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages the chart of accounts.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
	now   func() time.Time
}

// NewService constructs the CoA service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateAccount inserts a new account under the optional parent.
func (s *Service) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	if err := in.Validate(); err != nil {
		return Account{}, err
	}
	normal := in.NormalBalance
	if normal == "" {
		normal = DefaultNormalBalance(in.Type)
	}
	var account Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetByCodeForUpdate(ctx, in.Code); err == nil {
			return ErrDuplicateCode
		} else if !errors.Is(err, ErrAccountNotFound) {
			return err
		}
		var parentID *int64
		level := 1
		if in.ParentCode != "" {
			parent, err := tx.GetByCodeForUpdate(ctx, in.ParentCode)
			if err != nil {
				if errors.Is(err, ErrAccountNotFound) {
					return fmt.Errorf("%w: parent %s not found", ErrInvalidParent, in.ParentCode)
				}
				return err
			}
			if parent.Type != in.Type {
				return fmt.Errorf("%w: %s under %s", ErrInvalidParent, in.Type, parent.Type)
			}
			parentID = &parent.ID
			level = parent.Level + 1
		}
		var err error
		account, err = tx.Insert(ctx, in, parentID, level, normal)
		return err
	})
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, in.ActorID, "coa.create", account, map[string]any{"code": account.Code})
	return account, nil
}

// Reparent moves an account under a new parent and recomputes subtree
// levels. Cycle detection walks the ancestor chain of the new parent.
func (s *Service) Reparent(ctx context.Context, code, newParentCode string, actorID int64) (Account, error) {
	if code == "" || newParentCode == "" {
		return Account{}, errors.New("coa: code and new parent code required")
	}
	if code == newParentCode {
		return Account{}, ErrCycleDetected
	}
	var account Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		acc, err := tx.GetByCodeForUpdate(ctx, code)
		if err != nil {
			return err
		}
		parent, err := tx.GetByCodeForUpdate(ctx, newParentCode)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return fmt.Errorf("%w: parent %s not found", ErrInvalidParent, newParentCode)
			}
			return err
		}
		if parent.Type != acc.Type {
			return fmt.Errorf("%w: %s under %s", ErrInvalidParent, acc.Type, parent.Type)
		}
		if err := s.ensureNoCycle(ctx, tx, acc.ID, parent); err != nil {
			return err
		}
		newLevel := parent.Level + 1
		delta := newLevel - acc.Level
		if err := tx.UpdateParent(ctx, acc.ID, &parent.ID, newLevel); err != nil {
			return err
		}
		if delta != 0 {
			if err := tx.ShiftSubtreeLevels(ctx, acc.ID, delta); err != nil {
				return err
			}
		}
		acc.ParentID = &parent.ID
		acc.Level = newLevel
		account = acc
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, actorID, "coa.reparent", account, map[string]any{"new_parent": newParentCode})
	return account, nil
}

// Resolve fetches an account by code.
func (s *Service) Resolve(ctx context.Context, code string) (Account, error) {
	return s.repo.GetByCode(ctx, code)
}

// Deactivate is the only supported deletion. Historical journal lines keep
// referencing the account; new postings reject it.
func (s *Service) Deactivate(ctx context.Context, code string, actorID int64) (Account, error) {
	return s.setActive(ctx, code, actorID, false, "coa.deactivate")
}

// Activate re-enables a deactivated account.
func (s *Service) Activate(ctx context.Context, code string, actorID int64) (Account, error) {
	return s.setActive(ctx, code, actorID, true, "coa.activate")
}

// ListTree returns every account ordered by code for tree rendering.
func (s *Service) ListTree(ctx context.Context) ([]Account, error) {
	return s.repo.ListAll(ctx)
}

func (s *Service) setActive(ctx context.Context, code string, actorID int64, active bool, action string) (Account, error) {
	var account Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		acc, err := tx.GetByCodeForUpdate(ctx, code)
		if err != nil {
			return err
		}
		if err := tx.SetActive(ctx, acc.ID, active); err != nil {
			return err
		}
		acc.IsActive = active
		account = acc
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, actorID, action, account, nil)
	return account, nil
}

// ensureNoCycle walks up from the candidate parent; finding the moved
// account among its ancestors means the parent is a descendant.
func (s *Service) ensureNoCycle(ctx context.Context, tx TxRepository, movedID int64, parent Account) error {
	current := parent
	for {
		if current.ID == movedID {
			return ErrCycleDetected
		}
		if current.ParentID == nil {
			return nil
		}
		next, err := tx.GetByID(ctx, *current.ParentID)
		if err != nil {
			return err
		}
		current = next
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action string, account Account, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "account",
		EntityID: strconv.FormatInt(account.ID, 10),
		Meta:     meta,
		At:       s.now(),
	})
}
