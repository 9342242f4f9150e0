package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-his/meridian-erp/internal/close"
	"github.com/meridian-his/meridian-erp/internal/coa"
	"github.com/meridian-his/meridian-erp/internal/shared"
)

type memoryLedgerRepo struct {
	entries    map[int64]JournalEntry
	sources    map[SourceRef]int64
	nextID     int64
	nextLineID int64
	sequences  map[string]int64
}

type memoryLedgerTx struct {
	repo *memoryLedgerRepo
}

func newMemoryLedgerRepo() *memoryLedgerRepo {
	return &memoryLedgerRepo{
		entries:   make(map[int64]JournalEntry),
		sources:   make(map[SourceRef]int64),
		sequences: make(map[string]int64),
	}
}

func (r *memoryLedgerRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := r.clone()
	if err := fn(ctx, &memoryLedgerTx{repo: r}); err != nil {
		*r = *snapshot
		return err
	}
	return nil
}

func (r *memoryLedgerRepo) clone() *memoryLedgerRepo {
	c := &memoryLedgerRepo{
		entries:    make(map[int64]JournalEntry, len(r.entries)),
		sources:    make(map[SourceRef]int64, len(r.sources)),
		nextID:     r.nextID,
		nextLineID: r.nextLineID,
		sequences:  make(map[string]int64, len(r.sequences)),
	}
	for k, v := range r.entries {
		c.entries[k] = v
	}
	for k, v := range r.sources {
		c.sources[k] = v
	}
	for k, v := range r.sequences {
		c.sequences[k] = v
	}
	return c
}

func (r *memoryLedgerRepo) GetEntry(ctx context.Context, id int64) (JournalEntry, error) {
	e, ok := r.entries[id]
	if !ok {
		return JournalEntry{}, ErrEntryNotFound
	}
	return e, nil
}

func (r *memoryLedgerRepo) ListEntries(ctx context.Context, filter ListFilter) ([]JournalEntry, error) {
	var out []JournalEntry
	for _, e := range r.entries {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *memoryLedgerRepo) CountEntries(ctx context.Context, filter ListFilter) (int, error) {
	entries, err := r.ListEntries(ctx, filter)
	return len(entries), err
}

func (tx *memoryLedgerTx) GetEntryForUpdate(ctx context.Context, id int64) (JournalEntry, error) {
	return tx.repo.GetEntry(ctx, id)
}

func (tx *memoryLedgerTx) InsertEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error) {
	tx.repo.nextID++
	entry.ID = tx.repo.nextID
	for i := range entry.Lines {
		tx.repo.nextLineID++
		entry.Lines[i].ID = tx.repo.nextLineID
		entry.Lines[i].EntryID = entry.ID
	}
	tx.repo.entries[entry.ID] = entry
	return entry, nil
}

func (tx *memoryLedgerTx) LookupSource(ctx context.Context, ref SourceRef) (int64, error) {
	return tx.repo.sources[ref], nil
}

func (tx *memoryLedgerTx) LinkSource(ctx context.Context, entryID int64, ref SourceRef) error {
	tx.repo.sources[ref] = entryID
	return nil
}

func (tx *memoryLedgerTx) NextEntryNumber(ctx context.Context, date time.Time) (string, error) {
	bucket := date.Format("200601")
	tx.repo.sequences[bucket]++
	return "JE-" + bucket + "-" + padSeq(tx.repo.sequences[bucket]), nil
}

func padSeq(v int64) string {
	s := []byte{'0', '0', '0', '0'}
	for i := 3; i >= 0 && v > 0; i-- {
		s[i] = byte('0' + v%10)
		v /= 10
	}
	return string(s)
}

func (tx *memoryLedgerTx) MarkPosted(ctx context.Context, id int64, number string, actorID int64, at time.Time) error {
	e, ok := tx.repo.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = EntryStatusPosted
	e.EntryNumber = number
	e.PostedBy = &actorID
	e.PostedAt = &at
	tx.repo.entries[id] = e
	return nil
}

func (tx *memoryLedgerTx) MarkReversed(ctx context.Context, id, reversalID, actorID int64, at time.Time) error {
	e, ok := tx.repo.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = EntryStatusReversed
	e.ReversedByID = &reversalID
	e.ReversedBy = &actorID
	e.ReversedAt = &at
	tx.repo.entries[id] = e
	return nil
}

type fakeResolver struct {
	accounts map[string]coa.Account
}

func (f *fakeResolver) Resolve(ctx context.Context, code string) (coa.Account, error) {
	acc, ok := f.accounts[code]
	if !ok {
		return coa.Account{}, coa.ErrAccountNotFound
	}
	return acc, nil
}

type fakeGuard struct {
	decision close.Decision
	period   *close.Period
}

func (f *fakeGuard) CanPostOrMutate(ctx context.Context, date time.Time, caps shared.CapabilitySet) (close.Admission, error) {
	return close.Admission{Decision: f.decision, Period: f.period}, nil
}

type fakeRevisions struct {
	requests []PostingApprovalRequest
	nextID   int64
	required bool
}

func (f *fakeRevisions) RequestPostingApproval(ctx context.Context, in PostingApprovalRequest) (PostingApprovalOutcome, error) {
	f.nextID++
	f.requests = append(f.requests, in)
	return PostingApprovalOutcome{RevisionID: f.nextID, ApprovalRequired: f.required}, nil
}

func money(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func hospitalAccounts() *fakeResolver {
	return &fakeResolver{accounts: map[string]coa.Account{
		"1.1.01": {ID: 1, Code: "1.1.01", Name: "Kas", Type: coa.AccountTypeAsset, NormalBalance: coa.NormalBalanceDebit, IsActive: true},
		"4.1.01": {ID: 2, Code: "4.1.01", Name: "Pendapatan Rawat Jalan", Type: coa.AccountTypeRevenue, NormalBalance: coa.NormalBalanceCredit, IsActive: true},
		"5.1.01": {ID: 3, Code: "5.1.01", Name: "Beban Obat", Type: coa.AccountTypeExpense, NormalBalance: coa.NormalBalanceDebit, IsActive: true},
		"1.1.99": {ID: 4, Code: "1.1.99", Name: "Kas Kecil Nonaktif", Type: coa.AccountTypeAsset, NormalBalance: coa.NormalBalanceDebit, IsActive: false},
	}}
}

func newLedgerService(repo *memoryLedgerRepo, guard PeriodGuard) (*Service, *fakeRevisions) {
	revs := &fakeRevisions{required: true}
	svc := NewService(repo, hospitalAccounts(), guard, nil, shared.NopNotifier{})
	svc.SetRevisionPort(revs)
	return svc, revs
}

func draftCashRevenue(t *testing.T, svc *Service, amount string) JournalEntry {
	t.Helper()
	entry, err := svc.CreateDraft(context.Background(), CreateEntryInput{
		Description: "Pendapatan rawat jalan tunai",
		EntryDate:   time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		Lines: []LineInput{
			{AccountCode: "1.1.01", Debit: money(amount)},
			{AccountCode: "4.1.01", Credit: money(amount)},
		},
		ActorID: 1,
	})
	require.NoError(t, err)
	return entry
}

func TestCreateDraftComputesTotals(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc, _ := newLedgerService(repo, &fakeGuard{decision: close.DecisionAllowed})

	entry := draftCashRevenue(t, svc, "2500000")

	require.Equal(t, EntryStatusDraft, entry.Status)
	require.True(t, entry.TotalDebit.Equal(money("2500000")))
	require.True(t, entry.TotalCredit.Equal(money("2500000")))
	require.Len(t, entry.Lines, 2)
	require.Empty(t, entry.EntryNumber)
}

func TestCreateDraftRejectsBadLines(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc, _ := newLedgerService(repo, &fakeGuard{decision: close.DecisionAllowed})
	ctx := context.Background()
	date := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	_, err := svc.CreateDraft(ctx, CreateEntryInput{Description: "x", EntryDate: date, ActorID: 1})
	require.ErrorIs(t, err, ErrEmptyEntry)

	_, err = svc.CreateDraft(ctx, CreateEntryInput{
		Description: "single leg",
		EntryDate:   date,
		Lines:       []LineInput{{AccountCode: "1.1.01", Debit: money("10")}},
		ActorID:     1,
	})
	require.ErrorIs(t, err, ErrInvalidLine)

	_, err = svc.CreateDraft(ctx, CreateEntryInput{
		Description: "both sides set",
		EntryDate:   date,
		Lines: []LineInput{
			{AccountCode: "1.1.01", Debit: money("10"), Credit: money("10")},
			{AccountCode: "4.1.01", Credit: money("10")},
		},
		ActorID: 1,
	})
	require.ErrorIs(t, err, ErrInvalidLine)

	_, err = svc.CreateDraft(ctx, CreateEntryInput{
		Description: "inactive account",
		EntryDate:   date,
		Lines: []LineInput{
			{AccountCode: "1.1.99", Debit: money("10")},
			{AccountCode: "4.1.01", Credit: money("10")},
		},
		ActorID: 1,
	})
	require.ErrorIs(t, err, ErrAccountInactive)

	_, err = svc.CreateDraft(ctx, CreateEntryInput{
		Description: "unknown account",
		EntryDate:   date,
		Lines: []LineInput{
			{AccountCode: "9.9.99", Debit: money("10")},
			{AccountCode: "4.1.01", Credit: money("10")},
		},
		ActorID: 1,
	})
	require.ErrorIs(t, err, ErrAccountUnknown)
}

func TestCreateDraftReturnsExistingEntryForSameSource(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc, _ := newLedgerService(repo, &fakeGuard{decision: close.DecisionAllowed})
	source := &SourceRef{Module: "billing", ID: uuid.New()}
	in := CreateEntryInput{
		Description:  "Tagihan rawat inap",
		EntryDate:    time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		SourceModule: "billing",
		Source:       source,
		Lines: []LineInput{
			{AccountCode: "1.1.01", Debit: money("750000")},
			{AccountCode: "4.1.01", Credit: money("750000")},
		},
		ActorID: 1,
	}

	first, err := svc.CreateDraft(context.Background(), in)
	require.NoError(t, err)
	second, err := svc.CreateDraft(context.Background(), in)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Len(t, repo.entries, 1)
}

func TestPostAssignsSequentialNumbers(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc, _ := newLedgerService(repo, &fakeGuard{decision: close.DecisionAllowed})
	actor := shared.Actor{ID: 1}

	first := draftCashRevenue(t, svc, "2500000")
	second := draftCashRevenue(t, svc, "750000")

	out1, err := svc.Post(context.Background(), first.ID, actor)
	require.NoError(t, err)
	require.Equal(t, OutcomePosted, out1.Status)
	require.Equal(t, "JE-202601-0001", out1.Entry.EntryNumber)

	out2, err := svc.Post(context.Background(), second.ID, actor)
	require.NoError(t, err)
	require.Equal(t, "JE-202601-0002", out2.Entry.EntryNumber)
}

func TestPostTwiceReturnsAlreadyPosted(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc, _ := newLedgerService(repo, &fakeGuard{decision: close.DecisionAllowed})
	actor := shared.Actor{ID: 1}
	entry := draftCashRevenue(t, svc, "2500000")

	out1, err := svc.Post(context.Background(), entry.ID, actor)
	require.NoError(t, err)

	_, err = svc.Post(context.Background(), entry.ID, actor)
	require.ErrorIs(t, err, ErrAlreadyPosted)

	got, err := svc.GetEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, EntryStatusPosted, got.Status)
	require.Equal(t, out1.Entry.EntryNumber, got.EntryNumber)
}

func TestCreateDraftRejectsUnbalancedWithDelta(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc, _ := newLedgerService(repo, &fakeGuard{decision: close.DecisionAllowed})

	_, err := svc.CreateDraft(context.Background(), CreateEntryInput{
		Description: "timpang",
		EntryDate:   time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		Lines: []LineInput{
			{AccountCode: "1.1.01", Debit: money("2500000")},
			{AccountCode: "4.1.01", Credit: money("2400000")},
		},
		ActorID: 1,
	})
	var unbalanced *UnbalancedError
	require.ErrorAs(t, err, &unbalanced)
	require.True(t, unbalanced.Delta().Equal(money("100000")))
	require.Empty(t, repo.entries)
}

func TestPostSoftClosedParksBehindApproval(t *testing.T) {
	repo := newMemoryLedgerRepo()
	period := &close.Period{ID: 42, Code: "FY26-01", Status: close.PeriodStatusSoftClosed}
	svc, revs := newLedgerService(repo, &fakeGuard{decision: close.DecisionRequiresApproval, period: period})
	entry := draftCashRevenue(t, svc, "5000000")

	outcome, err := svc.Post(context.Background(), entry.ID, shared.Actor{ID: 1})
	require.NoError(t, err)
	require.Equal(t, OutcomePendingApproval, outcome.Status)
	require.Equal(t, int64(1), outcome.RevisionID)

	require.Len(t, revs.requests, 1)
	req := revs.requests[0]
	require.Equal(t, shared.RecordJournalEntry, req.Ref.Kind)
	require.Equal(t, entry.ID, req.Ref.ID)
	require.Equal(t, "post", req.Action)
	require.Equal(t, int64(42), req.PeriodID)
	require.True(t, req.Impact.Equal(money("5000000")))

	got, err := svc.GetEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, EntryStatusDraft, got.Status)
}

func TestPostHardClosedDenied(t *testing.T) {
	repo := newMemoryLedgerRepo()
	period := &close.Period{ID: 42, Code: "FY26-01", Status: close.PeriodStatusHardClosed}
	svc, _ := newLedgerService(repo, &fakeGuard{decision: close.DecisionDenied, period: period})
	entry := draftCashRevenue(t, svc, "2500000")

	_, err := svc.Post(context.Background(), entry.ID, shared.Actor{ID: 1})
	require.ErrorIs(t, err, ErrPeriodClosed)
}

func TestReverseSwapsLinesAndLinks(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc, _ := newLedgerService(repo, &fakeGuard{decision: close.DecisionAllowed})
	actor := shared.Actor{ID: 1}
	entry := draftCashRevenue(t, svc, "2500000")
	_, err := svc.Post(context.Background(), entry.ID, actor)
	require.NoError(t, err)

	outcome, err := svc.Reverse(context.Background(), entry.ID, actor, time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, OutcomePosted, outcome.Status)

	reversal := outcome.Entry
	require.Equal(t, EntryStatusPosted, reversal.Status)
	require.NotNil(t, reversal.ReversalOfID)
	require.Equal(t, entry.ID, *reversal.ReversalOfID)
	require.Len(t, reversal.Lines, 2)
	require.True(t, reversal.Lines[0].Credit.Equal(money("2500000")))
	require.True(t, reversal.Lines[1].Debit.Equal(money("2500000")))

	original, err := svc.GetEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, EntryStatusReversed, original.Status)
	require.NotNil(t, original.ReversedByID)
	require.Equal(t, reversal.ID, *original.ReversedByID)
}

func TestReverseRequiresPostedOnce(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc, _ := newLedgerService(repo, &fakeGuard{decision: close.DecisionAllowed})
	actor := shared.Actor{ID: 1}
	entry := draftCashRevenue(t, svc, "2500000")

	_, err := svc.Reverse(context.Background(), entry.ID, actor, time.Time{})
	require.ErrorIs(t, err, ErrNotPosted)

	_, err = svc.Post(context.Background(), entry.ID, actor)
	require.NoError(t, err)
	_, err = svc.Reverse(context.Background(), entry.ID, actor, time.Time{})
	require.NoError(t, err)

	_, err = svc.Reverse(context.Background(), entry.ID, actor, time.Time{})
	require.ErrorIs(t, err, ErrAlreadyReversed)
}

func TestPostDetectsTotalDrift(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc, _ := newLedgerService(repo, &fakeGuard{decision: close.DecisionAllowed})
	entry := draftCashRevenue(t, svc, "2500000")

	// Corrupt the stored header total behind the engine's back.
	stored := repo.entries[entry.ID]
	stored.TotalDebit = money("9999999")
	repo.entries[entry.ID] = stored

	_, err := svc.Post(context.Background(), entry.ID, shared.Actor{ID: 1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "integrity violation")
}

func TestApplyApprovedPostingSkipsAdmission(t *testing.T) {
	repo := newMemoryLedgerRepo()
	period := &close.Period{ID: 42, Code: "FY26-01", Status: close.PeriodStatusSoftClosed}
	svc, _ := newLedgerService(repo, &fakeGuard{decision: close.DecisionRequiresApproval, period: period})
	entry := draftCashRevenue(t, svc, "5000000")

	posted, err := svc.ApplyApprovedPosting(context.Background(), entry.ID, 9)
	require.NoError(t, err)
	require.Equal(t, EntryStatusPosted, posted.Status)
	require.NotEmpty(t, posted.EntryNumber)
	require.Equal(t, int64(9), *posted.PostedBy)
}

func TestPostSoftClosedWithoutRulePostsAfterLogging(t *testing.T) {
	repo := newMemoryLedgerRepo()
	period := &close.Period{ID: 42, Code: "FY26-01", Status: close.PeriodStatusSoftClosed}
	svc, revs := newLedgerService(repo, &fakeGuard{decision: close.DecisionRequiresApproval, period: period})
	revs.required = false
	entry := draftCashRevenue(t, svc, "5000000")

	outcome, err := svc.Post(context.Background(), entry.ID, shared.Actor{ID: 1})
	require.NoError(t, err)
	require.Equal(t, OutcomePosted, outcome.Status)
	require.NotEmpty(t, outcome.Entry.EntryNumber)
	require.Len(t, revs.requests, 1)

	got, err := svc.GetEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, EntryStatusPosted, got.Status)
}

func TestApplyApprovedReversal(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc, _ := newLedgerService(repo, &fakeGuard{decision: close.DecisionAllowed})
	entry := draftCashRevenue(t, svc, "2500000")
	_, err := svc.Post(context.Background(), entry.ID, shared.Actor{ID: 1})
	require.NoError(t, err)

	reversal, err := svc.ApplyApprovedReversal(context.Background(), entry.ID, 9)
	require.NoError(t, err)
	require.Equal(t, EntryStatusPosted, reversal.Status)
	require.NotNil(t, reversal.ReversalOfID)

	original, err := svc.GetEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, EntryStatusReversed, original.Status)
}

func TestApplyApprovedMutationReplacesEntry(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc, _ := newLedgerService(repo, &fakeGuard{decision: close.DecisionAllowed})
	entry := draftCashRevenue(t, svc, "2500000")
	_, err := svc.Post(context.Background(), entry.ID, shared.Actor{ID: 1})
	require.NoError(t, err)

	after, err := json.Marshal(CorrectionInput{
		Description: "Koreksi nominal pendapatan",
		Lines: []LineInput{
			{AccountCode: "1.1.01", Debit: money("2400000")},
			{AccountCode: "4.1.01", Credit: money("2400000")},
		},
	})
	require.NoError(t, err)

	corrected, err := svc.ApplyApprovedMutation(context.Background(), entry.ID, 9, after)
	require.NoError(t, err)
	require.Equal(t, EntryStatusPosted, corrected.Status)
	require.True(t, corrected.TotalDebit.Equal(money("2400000")))
	require.NotEmpty(t, corrected.EntryNumber)

	original, err := svc.GetEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, EntryStatusReversed, original.Status)
	require.NotNil(t, original.ReversedByID)
	// original, its reversal, and the corrected replacement
	require.Len(t, repo.entries, 3)
}

func TestApplyApprovedMutationFailureLeavesOriginalPosted(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc, _ := newLedgerService(repo, &fakeGuard{decision: close.DecisionAllowed})
	entry := draftCashRevenue(t, svc, "2500000")
	_, err := svc.Post(context.Background(), entry.ID, shared.Actor{ID: 1})
	require.NoError(t, err)

	after, err := json.Marshal(CorrectionInput{
		Description: "akun tidak dikenal",
		Lines: []LineInput{
			{AccountCode: "9.9.99", Debit: money("2400000")},
			{AccountCode: "4.1.01", Credit: money("2400000")},
		},
	})
	require.NoError(t, err)

	_, err = svc.ApplyApprovedMutation(context.Background(), entry.ID, 9, after)
	require.ErrorIs(t, err, ErrAccountUnknown)

	original, err := svc.GetEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, EntryStatusPosted, original.Status)
	require.Nil(t, original.ReversedByID)
	require.Len(t, repo.entries, 1)
}
