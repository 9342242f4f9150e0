package coa

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// NormalBalance marks which side grows an account.
type NormalBalance string

const (
	NormalBalanceDebit  NormalBalance = "DEBIT"
	NormalBalanceCredit NormalBalance = "CREDIT"
)

// Account models a chart of accounts node. Accounts form a tree: Level is
// the depth with root = 1, and an account's type always matches its
// ancestor chain.
type Account struct {
	ID            int64
	Code          string
	Name          string
	Type          AccountType
	SubType       string
	NormalBalance NormalBalance
	ParentID      *int64
	Level         int
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateAccountInput groups fields for account creation.
type CreateAccountInput struct {
	Code          string
	Name          string
	Type          AccountType
	SubType       string
	NormalBalance NormalBalance
	ParentCode    string
	ActorID       int64
}

var (
	// ErrDuplicateCode indicates the account code already exists.
	ErrDuplicateCode = errors.New("coa: account code already exists")
	// ErrInvalidParent indicates the parent type does not admit this child.
	ErrInvalidParent = errors.New("coa: parent account type mismatch")
	// ErrCycleDetected indicates a re-parent would create a cycle.
	ErrCycleDetected = errors.New("coa: account hierarchy cycle detected")
	// ErrAccountNotFound indicates a missing account.
	ErrAccountNotFound = errors.New("coa: account not found")
	// ErrAccountInactive indicates the account is deactivated.
	ErrAccountInactive = errors.New("coa: account inactive")
)

// Validate ensures the create input is coherent.
func (in CreateAccountInput) Validate() error {
	if strings.TrimSpace(in.Code) == "" {
		return errors.New("coa: code required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return errors.New("coa: name required")
	}
	if !isValidType(in.Type) {
		return fmt.Errorf("coa: unknown account type %q", in.Type)
	}
	switch in.NormalBalance {
	case NormalBalanceDebit, NormalBalanceCredit, "":
	default:
		return fmt.Errorf("coa: unknown normal balance %q", in.NormalBalance)
	}
	return nil
}

// DefaultNormalBalance returns the conventional balance side per type.
func DefaultNormalBalance(t AccountType) NormalBalance {
	switch t {
	case AccountTypeAsset, AccountTypeExpense:
		return NormalBalanceDebit
	default:
		return NormalBalanceCredit
	}
}

func isValidType(t AccountType) bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	default:
		return false
	}
}
