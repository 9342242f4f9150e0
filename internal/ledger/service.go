package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-his/meridian-erp/internal/close"
	"github.com/meridian-his/meridian-erp/internal/coa"
	"github.com/meridian-his/meridian-erp/internal/shared"
)

// RepositoryPort abstracts journal persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetEntry(ctx context.Context, id int64) (JournalEntry, error)
	ListEntries(ctx context.Context, filter ListFilter) ([]JournalEntry, error)
	CountEntries(ctx context.Context, filter ListFilter) (int, error)
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	GetEntryForUpdate(ctx context.Context, id int64) (JournalEntry, error)
	InsertEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error)
	LookupSource(ctx context.Context, ref SourceRef) (int64, error)
	LinkSource(ctx context.Context, entryID int64, ref SourceRef) error
	NextEntryNumber(ctx context.Context, date time.Time) (string, error)
	MarkPosted(ctx context.Context, id int64, number string, actorID int64, at time.Time) error
	MarkReversed(ctx context.Context, id, reversalID, actorID int64, at time.Time) error
}

// ListFilter narrows entry listings.
type ListFilter struct {
	Status    EntryStatus
	DateFrom  time.Time
	DateTo    time.Time
	AccountID int64
	Limit     int
	Offset    int
}

// AccountResolver resolves chart of accounts codes for posting lines.
type AccountResolver interface {
	Resolve(ctx context.Context, code string) (coa.Account, error)
}

// PeriodGuard admits or refuses writes dated inside closing periods.
type PeriodGuard interface {
	CanPostOrMutate(ctx context.Context, date time.Time, caps shared.CapabilitySet) (close.Admission, error)
}

// PostingApprovalRequest parks a posting or reversal behind the revision
// approval workflow.
type PostingApprovalRequest struct {
	Ref      shared.RecordRef
	Action   string
	PeriodID int64
	Impact   decimal.Decimal
	Actor    shared.Actor
	Reason   string
}

// PostingApprovalOutcome reports how the revision workflow handled a
// parked write. When no approval rule covers the amount the write is
// logged and allowed straight through.
type PostingApprovalOutcome struct {
	RevisionID       int64
	ApprovalRequired bool
}

// RevisionPort files revision requests for writes that need approval.
type RevisionPort interface {
	RequestPostingApproval(ctx context.Context, in PostingApprovalRequest) (PostingApprovalOutcome, error)
}

// AuditPort records ledger events and integrity incidents.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
	RecordIntegrityIncident(ctx context.Context, entity, entityID, detail string) error
}

// Service is the posting engine: drafts, posts, and reverses journal
// entries under the period admission rules.
type Service struct {
	repo      RepositoryPort
	accounts  AccountResolver
	guard     PeriodGuard
	revisions RevisionPort
	audit     AuditPort
	notifier  shared.Notifier
	now       func() time.Time
}

// NewService constructs the posting engine.
func NewService(repo RepositoryPort, accounts AccountResolver, guard PeriodGuard, audit AuditPort, notifier shared.Notifier) *Service {
	if notifier == nil {
		notifier = shared.NopNotifier{}
	}
	return &Service{
		repo:     repo,
		accounts: accounts,
		guard:    guard,
		audit:    audit,
		notifier: notifier,
		now:      time.Now,
	}
}

// SetRevisionPort wires the revision workflow after construction; the
// revision service itself depends on this service to apply decisions.
func (s *Service) SetRevisionPort(port RevisionPort) {
	s.revisions = port
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// GetEntry returns an entry with its lines.
func (s *Service) GetEntry(ctx context.Context, id int64) (JournalEntry, error) {
	return s.repo.GetEntry(ctx, id)
}

// ListEntries returns entries matching the filter.
func (s *Service) ListEntries(ctx context.Context, filter ListFilter) ([]JournalEntry, error) {
	return s.repo.ListEntries(ctx, filter)
}

// CountEntries returns the total number of entries matching the filter,
// ignoring limit and offset.
func (s *Service) CountEntries(ctx context.Context, filter ListFilter) (int, error) {
	return s.repo.CountEntries(ctx, filter)
}

// CreateDraft validates line structure and balance, resolves accounts,
// and stores the entry as DRAFT. An unbalanced or single-line entry is
// refused here, before anything is written.
func (s *Service) CreateDraft(ctx context.Context, in CreateEntryInput) (JournalEntry, error) {
	if err := in.Validate(); err != nil {
		return JournalEntry{}, err
	}
	lines, err := s.resolveLines(ctx, in.Lines)
	if err != nil {
		return JournalEntry{}, err
	}
	debit, credit := sumLines(lines)
	entry := JournalEntry{
		Description:  in.Description,
		EntryDate:    in.EntryDate,
		Status:       EntryStatusDraft,
		SourceModule: in.SourceModule,
		TotalDebit:   debit,
		TotalCredit:  credit,
		CreatedBy:    in.ActorID,
		Lines:        lines,
	}
	var reused bool
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if in.Source != nil {
			existingID, err := tx.LookupSource(ctx, *in.Source)
			if err != nil {
				return err
			}
			if existingID != 0 {
				reused = true
				entry, err = tx.GetEntryForUpdate(ctx, existingID)
				return err
			}
		}
		var err error
		entry, err = tx.InsertEntry(ctx, entry)
		if err != nil {
			return err
		}
		if in.Source != nil {
			return tx.LinkSource(ctx, entry.ID, *in.Source)
		}
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	if !reused {
		s.record(ctx, in.ActorID, "journal.draft", entry.ID, nil)
	}
	return entry, nil
}

// Post moves a draft to POSTED under period admission. Posting an entry
// that is already POSTED fails with ErrAlreadyPosted; a concurrent loser
// observes the committed state, not a silent success. A soft-closed period
// parks the posting behind a revision request instead of failing.
func (s *Service) Post(ctx context.Context, entryID int64, actor shared.Actor) (PostOutcome, error) {
	var outcome PostOutcome
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		switch entry.Status {
		case EntryStatusPosted:
			return fmt.Errorf("%w: %s", ErrAlreadyPosted, entry.EntryNumber)
		case EntryStatusReversed:
			return ErrAlreadyReversed
		}
		if err := s.verifyPostable(ctx, entry); err != nil {
			return err
		}
		admission, err := s.guard.CanPostOrMutate(ctx, entry.EntryDate, actor.Capabilities)
		if err != nil {
			return err
		}
		switch admission.Decision {
		case close.DecisionDenied:
			return fmt.Errorf("%w: %s", ErrPeriodClosed, admission.Period.Code)
		case close.DecisionRequiresApproval:
			res, err := s.requestApproval(ctx, entry, admission, actor, "post")
			if err != nil {
				return err
			}
			if res.ApprovalRequired {
				outcome = PostOutcome{Status: OutcomePendingApproval, Entry: entry, RevisionID: res.RevisionID}
				return nil
			}
		}
		posted, err := s.markPosted(ctx, tx, entry, actor.ID)
		if err != nil {
			return err
		}
		outcome = PostOutcome{Status: OutcomePosted, Entry: posted}
		return nil
	})
	if err != nil {
		return PostOutcome{}, err
	}
	if outcome.Status == OutcomePosted {
		s.record(ctx, actor.ID, "journal.post", outcome.Entry.ID, map[string]any{"entry_number": outcome.Entry.EntryNumber})
	}
	return outcome, nil
}

// Reverse posts a mirror-image entry and marks the original REVERSED. The
// reversal is dated on reversalDate (defaulting to today) and goes through
// the same period admission as a fresh posting.
func (s *Service) Reverse(ctx context.Context, entryID int64, actor shared.Actor, reversalDate time.Time) (PostOutcome, error) {
	if reversalDate.IsZero() {
		reversalDate = s.now()
	}
	var outcome PostOutcome
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		switch entry.Status {
		case EntryStatusDraft:
			return ErrNotPosted
		case EntryStatusReversed:
			return ErrAlreadyReversed
		}
		admission, err := s.guard.CanPostOrMutate(ctx, reversalDate, actor.Capabilities)
		if err != nil {
			return err
		}
		switch admission.Decision {
		case close.DecisionDenied:
			return fmt.Errorf("%w: %s", ErrPeriodClosed, admission.Period.Code)
		case close.DecisionRequiresApproval:
			res, err := s.requestApproval(ctx, entry, admission, actor, "reverse")
			if err != nil {
				return err
			}
			if res.ApprovalRequired {
				outcome = PostOutcome{Status: OutcomePendingApproval, Entry: entry, RevisionID: res.RevisionID}
				return nil
			}
		}
		reversal, err := s.createReversal(ctx, tx, entry, actor.ID, reversalDate)
		if err != nil {
			return err
		}
		outcome = PostOutcome{Status: OutcomePosted, Entry: reversal}
		return nil
	})
	if err != nil {
		return PostOutcome{}, err
	}
	if outcome.Status == OutcomePosted {
		s.record(ctx, actor.ID, "journal.reverse", entryID, map[string]any{"reversal_id": outcome.Entry.ID})
	}
	return outcome, nil
}

// ApplyApprovedPosting posts an entry on behalf of an approved revision
// request. Admission is skipped: the approval itself is the admission.
func (s *Service) ApplyApprovedPosting(ctx context.Context, entryID, actorID int64) (JournalEntry, error) {
	var posted JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status == EntryStatusPosted {
			posted = entry
			return nil
		}
		if entry.Status == EntryStatusReversed {
			return ErrAlreadyReversed
		}
		if err := s.verifyPostable(ctx, entry); err != nil {
			return err
		}
		posted, err = s.markPosted(ctx, tx, entry, actorID)
		return err
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, actorID, "journal.post_approved", posted.ID, map[string]any{"entry_number": posted.EntryNumber})
	return posted, nil
}

// ApplyApprovedReversal reverses an entry on behalf of an approved
// revision request.
func (s *Service) ApplyApprovedReversal(ctx context.Context, entryID, actorID int64) (JournalEntry, error) {
	var reversal JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		switch entry.Status {
		case EntryStatusDraft:
			return ErrNotPosted
		case EntryStatusReversed:
			return ErrAlreadyReversed
		}
		reversal, err = s.createReversal(ctx, tx, entry, actorID, s.now())
		return err
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, actorID, "journal.reverse_approved", entryID, map[string]any{"reversal_id": reversal.ID})
	return reversal, nil
}

// CorrectionInput is the approved replacement for a posted entry: the
// original is reversed and the corrected lines posted as a fresh entry.
type CorrectionInput struct {
	Description string      `json:"description"`
	Lines       []LineInput `json:"lines"`
}

// ApplyApprovedMutation corrects a posted entry on behalf of an approved
// revision. Posted rows are never edited in place: the original is
// reversed and the corrected entry posted alongside it, all in one
// transaction so a failure leaves the original untouched.
func (s *Service) ApplyApprovedMutation(ctx context.Context, entryID, actorID int64, after []byte) (JournalEntry, error) {
	var correction CorrectionInput
	if err := json.Unmarshal(after, &correction); err != nil {
		return JournalEntry{}, fmt.Errorf("ledger: bad correction snapshot: %w", err)
	}
	var corrected JournalEntry
	var reversalID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		switch original.Status {
		case EntryStatusDraft:
			return ErrNotPosted
		case EntryStatusReversed:
			return ErrAlreadyReversed
		}
		description := correction.Description
		if description == "" {
			description = "Correction of " + original.EntryNumber
		}
		in := CreateEntryInput{
			Description:  description,
			EntryDate:    original.EntryDate,
			SourceModule: original.SourceModule,
			Lines:        correction.Lines,
			ActorID:      actorID,
		}
		if err := in.Validate(); err != nil {
			return err
		}
		lines, err := s.resolveLines(ctx, in.Lines)
		if err != nil {
			return err
		}
		reversal, err := s.createReversal(ctx, tx, original, actorID, s.now())
		if err != nil {
			return err
		}
		reversalID = reversal.ID
		debit, credit := sumLines(lines)
		corrected = JournalEntry{
			Description:  in.Description,
			EntryDate:    in.EntryDate,
			Status:       EntryStatusDraft,
			SourceModule: in.SourceModule,
			TotalDebit:   debit,
			TotalCredit:  credit,
			CreatedBy:    actorID,
			Lines:        lines,
		}
		corrected, err = tx.InsertEntry(ctx, corrected)
		if err != nil {
			return err
		}
		corrected, err = s.markPosted(ctx, tx, corrected, actorID)
		return err
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, actorID, "journal.mutate_approved", entryID, map[string]any{
		"reversal_id":  reversalID,
		"corrected_id": corrected.ID,
	})
	return corrected, nil
}

// resolveLines maps requested legs onto active chart of accounts rows.
func (s *Service) resolveLines(ctx context.Context, inputs []LineInput) ([]JournalLine, error) {
	lines := make([]JournalLine, 0, len(inputs))
	for _, li := range inputs {
		account, err := s.accounts.Resolve(ctx, li.AccountCode)
		if err != nil {
			if errors.Is(err, coa.ErrAccountNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrAccountUnknown, li.AccountCode)
			}
			return nil, err
		}
		if !account.IsActive {
			return nil, fmt.Errorf("%w: %s", ErrAccountInactive, li.AccountCode)
		}
		lines = append(lines, JournalLine{
			AccountID:   account.ID,
			AccountCode: account.Code,
			Debit:       li.Debit,
			Credit:      li.Credit,
			Memo:        li.Memo,
		})
	}
	return lines, nil
}

// verifyPostable enforces balance and cross-checks stored totals against
// line sums. A mismatch means the stored row was corrupted after drafting;
// it is reported as an integrity incident and the posting aborts.
func (s *Service) verifyPostable(ctx context.Context, entry JournalEntry) error {
	if len(entry.Lines) == 0 {
		return ErrEmptyEntry
	}
	debit, credit := sumLines(entry.Lines)
	if !debit.Equal(credit) {
		return &UnbalancedError{Debit: debit, Credit: credit}
	}
	if !entry.TotalDebit.Equal(debit) || !entry.TotalCredit.Equal(credit) {
		detail := fmt.Sprintf("stored totals %s/%s diverge from line sums %s/%s",
			entry.TotalDebit.StringFixed(2), entry.TotalCredit.StringFixed(2),
			debit.StringFixed(2), credit.StringFixed(2))
		if s.audit != nil {
			_ = s.audit.RecordIntegrityIncident(ctx, "journal_entry", strconv.FormatInt(entry.ID, 10), detail)
		}
		return fmt.Errorf("ledger: integrity violation on entry %d: %s", entry.ID, detail)
	}
	return nil
}

func (s *Service) markPosted(ctx context.Context, tx TxRepository, entry JournalEntry, actorID int64) (JournalEntry, error) {
	number, err := tx.NextEntryNumber(ctx, entry.EntryDate)
	if err != nil {
		return JournalEntry{}, err
	}
	at := s.now()
	if err := tx.MarkPosted(ctx, entry.ID, number, actorID, at); err != nil {
		return JournalEntry{}, err
	}
	entry.Status = EntryStatusPosted
	entry.EntryNumber = number
	entry.PostedBy = &actorID
	entry.PostedAt = &at
	return entry, nil
}

// createReversal inserts and posts the mirror entry, then marks the
// original REVERSED with a link to its reversal.
func (s *Service) createReversal(ctx context.Context, tx TxRepository, original JournalEntry, actorID int64, date time.Time) (JournalEntry, error) {
	lines := make([]JournalLine, 0, len(original.Lines))
	for _, l := range original.Lines {
		lines = append(lines, JournalLine{
			AccountID:   l.AccountID,
			AccountCode: l.AccountCode,
			Debit:       l.Credit,
			Credit:      l.Debit,
			Memo:        l.Memo,
		})
	}
	reversal := JournalEntry{
		Description:  "Reversal of " + original.EntryNumber,
		EntryDate:    date,
		Status:       EntryStatusDraft,
		SourceModule: original.SourceModule,
		TotalDebit:   original.TotalCredit,
		TotalCredit:  original.TotalDebit,
		ReversalOfID: &original.ID,
		CreatedBy:    actorID,
		Lines:        lines,
	}
	reversal, err := tx.InsertEntry(ctx, reversal)
	if err != nil {
		return JournalEntry{}, err
	}
	reversal, err = s.markPosted(ctx, tx, reversal, actorID)
	if err != nil {
		return JournalEntry{}, err
	}
	if err := tx.MarkReversed(ctx, original.ID, reversal.ID, actorID, s.now()); err != nil {
		return JournalEntry{}, err
	}
	return reversal, nil
}

func (s *Service) requestApproval(ctx context.Context, entry JournalEntry, admission close.Admission, actor shared.Actor, action string) (PostingApprovalOutcome, error) {
	if s.revisions == nil {
		return PostingApprovalOutcome{}, errors.New("ledger: revision workflow not configured")
	}
	var periodID int64
	if admission.Period != nil {
		periodID = admission.Period.ID
	}
	return s.revisions.RequestPostingApproval(ctx, PostingApprovalRequest{
		Ref:      shared.RecordRef{Kind: shared.RecordJournalEntry, ID: entry.ID},
		Action:   action,
		PeriodID: periodID,
		Impact:   entry.TotalDebit,
		Actor:    actor,
		Reason:   fmt.Sprintf("%s into closed period", action),
	})
}

func (s *Service) record(ctx context.Context, actorID int64, action string, entryID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "journal_entry",
		EntityID: strconv.FormatInt(entryID, 10),
		Meta:     meta,
		At:       s.now(),
	})
}
