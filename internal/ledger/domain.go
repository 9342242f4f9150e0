package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryStatus enumerates journal entry lifecycle stages.
type EntryStatus string

const (
	EntryStatusDraft    EntryStatus = "DRAFT"
	EntryStatusPosted   EntryStatus = "POSTED"
	EntryStatusReversed EntryStatus = "REVERSED"
)

// JournalEntry is the double-entry posting unit. Totals are stored
// redundantly with the lines and re-verified at posting time; a mismatch
// aborts the transaction and records an integrity incident.
type JournalEntry struct {
	ID           int64
	EntryNumber  string
	Description  string
	EntryDate    time.Time
	Status       EntryStatus
	SourceModule string
	TotalDebit   decimal.Decimal
	TotalCredit  decimal.Decimal
	ReversalOfID *int64
	ReversedByID *int64
	CreatedBy    int64
	PostedBy     *int64
	PostedAt     *time.Time
	ReversedBy   *int64
	ReversedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Lines        []JournalLine
}

// JournalLine carries one leg of an entry. Exactly one of Debit or Credit
// is positive; the other is zero.
type JournalLine struct {
	ID          int64
	EntryID     int64
	AccountID   int64
	AccountCode string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Memo        string
}

// Balanced reports whether an entry's line sums match to the cent.
func (e JournalEntry) Balanced() bool {
	debit, credit := sumLines(e.Lines)
	return debit.Equal(credit)
}

func sumLines(lines []JournalLine) (debit, credit decimal.Decimal) {
	for _, l := range lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	return debit, credit
}

// OutcomeStatus distinguishes an immediate posting from one parked for
// approval.
type OutcomeStatus string

const (
	OutcomePosted          OutcomeStatus = "POSTED"
	OutcomePendingApproval OutcomeStatus = "PENDING_APPROVAL"
)

// PostOutcome is the success-shaped result of a posting attempt. A write
// into a soft-closed period is not an error: it parks the entry behind a
// revision request and reports PENDING_APPROVAL.
type PostOutcome struct {
	Status     OutcomeStatus
	Entry      JournalEntry
	RevisionID int64
}

// SourceRef identifies the source document an entry was generated from.
// Each source document links to at most one entry, so adapter modules can
// retry drafting without double-booking.
type SourceRef struct {
	Module string
	ID     uuid.UUID
}

// CreateEntryInput groups fields for drafting an entry.
type CreateEntryInput struct {
	Description  string
	EntryDate    time.Time
	SourceModule string
	Source       *SourceRef
	Lines        []LineInput
	ActorID      int64
}

// LineInput is one requested leg.
type LineInput struct {
	AccountCode string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Memo        string
}

// Validate checks line structure and exact balance. Double-entry needs at
// least two legs and the debit and credit sums must match to the cent.
func (in CreateEntryInput) Validate() error {
	if strings.TrimSpace(in.Description) == "" {
		return errors.New("ledger: description required")
	}
	if in.EntryDate.IsZero() {
		return errors.New("ledger: entry date required")
	}
	if len(in.Lines) == 0 {
		return ErrEmptyEntry
	}
	if len(in.Lines) < 2 {
		return fmt.Errorf("%w: at least two lines required", ErrInvalidLine)
	}
	var debit, credit decimal.Decimal
	for i, line := range in.Lines {
		if strings.TrimSpace(line.AccountCode) == "" {
			return fmt.Errorf("%w: line %d missing account code", ErrInvalidLine, i+1)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("%w: line %d has negative amount", ErrInvalidLine, i+1)
		}
		debitSet := line.Debit.IsPositive()
		creditSet := line.Credit.IsPositive()
		if debitSet == creditSet {
			return fmt.Errorf("%w: line %d must set exactly one of debit or credit", ErrInvalidLine, i+1)
		}
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !debit.Equal(credit) {
		return &UnbalancedError{Debit: debit, Credit: credit}
	}
	return nil
}

// UnbalancedError reports how far the entry is from balancing.
type UnbalancedError struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

// Delta is debit minus credit.
func (e *UnbalancedError) Delta() decimal.Decimal {
	return e.Debit.Sub(e.Credit)
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("ledger: entry unbalanced: debit %s, credit %s, delta %s",
		e.Debit.StringFixed(2), e.Credit.StringFixed(2), e.Delta().StringFixed(2))
}

var (
	// ErrEntryNotFound indicates a missing journal entry.
	ErrEntryNotFound = errors.New("ledger: entry not found")
	// ErrEmptyEntry indicates an entry with no lines.
	ErrEmptyEntry = errors.New("ledger: entry has no lines")
	// ErrInvalidLine indicates a malformed line.
	ErrInvalidLine = errors.New("ledger: invalid line")
	// ErrAlreadyPosted indicates the entry was posted before.
	ErrAlreadyPosted = errors.New("ledger: entry already posted")
	// ErrAlreadyReversed indicates the entry was reversed before.
	ErrAlreadyReversed = errors.New("ledger: entry already reversed")
	// ErrNotPosted indicates the operation needs a posted entry.
	ErrNotPosted = errors.New("ledger: entry not posted")
	// ErrNotDraft indicates the operation needs a draft entry.
	ErrNotDraft = errors.New("ledger: entry not draft")
	// ErrPeriodClosed indicates the covering period denies the write.
	ErrPeriodClosed = errors.New("ledger: period closed for posting")
	// ErrAccountInactive indicates a line references a deactivated account.
	ErrAccountInactive = errors.New("ledger: account inactive")
	// ErrAccountUnknown indicates a line references a missing account.
	ErrAccountUnknown = errors.New("ledger: account unknown")
)
