package revision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-his/meridian-erp/internal/approval"
	"github.com/meridian-his/meridian-erp/internal/ledger"
	"github.com/meridian-his/meridian-erp/internal/shared"
)

type memoryRevisionRepo struct {
	logs   map[int64]Log
	nextID int64
}

type memoryRevisionTx struct {
	repo *memoryRevisionRepo
}

func newMemoryRevisionRepo() *memoryRevisionRepo {
	return &memoryRevisionRepo{logs: make(map[int64]Log)}
}

func (r *memoryRevisionRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryRevisionTx{repo: r})
}

func (r *memoryRevisionRepo) GetLog(ctx context.Context, id int64) (Log, error) {
	log, ok := r.logs[id]
	if !ok {
		return Log{}, ErrLogNotFound
	}
	return log, nil
}

func (r *memoryRevisionRepo) GetLogByApprovalID(ctx context.Context, approvalID int64) (Log, error) {
	for _, log := range r.logs {
		if log.ApprovalID == approvalID {
			return log, nil
		}
	}
	return Log{}, ErrLogNotFound
}

func (r *memoryRevisionRepo) ListLogs(ctx context.Context, periodID int64, state ApprovalState, limit, offset int) ([]Log, error) {
	var out []Log
	for _, log := range r.logs {
		if periodID != 0 && log.PeriodID != periodID {
			continue
		}
		if state != "" && log.ApprovalState != state {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

func (tx *memoryRevisionTx) GetLogForUpdate(ctx context.Context, id int64) (Log, error) {
	return tx.repo.GetLog(ctx, id)
}

func (tx *memoryRevisionTx) InsertLog(ctx context.Context, log Log) (Log, error) {
	tx.repo.nextID++
	log.ID = tx.repo.nextID
	tx.repo.logs[log.ID] = log
	return log, nil
}

func (tx *memoryRevisionTx) MarkDecided(ctx context.Context, id int64, state ApprovalState, decidedBy int64, at time.Time) error {
	log, ok := tx.repo.logs[id]
	if !ok {
		return ErrLogNotFound
	}
	log.ApprovalState = state
	log.DecidedBy = &decidedBy
	log.DecidedAt = &at
	tx.repo.logs[id] = log
	return nil
}

func (tx *memoryRevisionTx) MarkApplied(ctx context.Context, id int64, at time.Time) error {
	log, ok := tx.repo.logs[id]
	if !ok {
		return ErrLogNotFound
	}
	log.ApprovalState = StateApplied
	log.AppliedAt = &at
	tx.repo.logs[id] = log
	return nil
}

type fakeApprovals struct {
	submitted []approval.SubmitInput
	nextID    int64
	err       error
}

func (f *fakeApprovals) Submit(ctx context.Context, in approval.SubmitInput) (approval.Request, error) {
	if f.err != nil {
		return approval.Request{}, f.err
	}
	f.nextID++
	f.submitted = append(f.submitted, in)
	return approval.Request{ID: f.nextID, Status: approval.StatusPending, RequiredLevels: 2}, nil
}

type fakeApplier struct {
	postings  []int64
	reversals []int64
	mutations []int64
}

func (f *fakeApplier) ApplyPosting(ctx context.Context, recordID, actorID int64) error {
	f.postings = append(f.postings, recordID)
	return nil
}

func (f *fakeApplier) ApplyReversal(ctx context.Context, recordID, actorID int64) error {
	f.reversals = append(f.reversals, recordID)
	return nil
}

func (f *fakeApplier) ApplyMutation(ctx context.Context, recordID, actorID int64, after []byte) error {
	f.mutations = append(f.mutations, recordID)
	return nil
}

func threshold(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func newRevisionService() (*Service, *memoryRevisionRepo, *fakeApprovals, *fakeApplier) {
	repo := newMemoryRevisionRepo()
	approvals := &fakeApprovals{}
	svc := NewService(repo, approvals, nil, shared.NopNotifier{}, threshold("1000000"))
	applier := &fakeApplier{}
	svc.RegisterApplier(shared.RecordJournalEntry, applier)
	return svc, repo, approvals, applier
}

func requester() shared.Actor {
	return shared.Actor{ID: 1}
}

func TestRequestAboveThresholdWaitsForApproval(t *testing.T) {
	svc, _, approvals, applier := newRevisionService()

	outcome, err := svc.Request(context.Background(), RequestInput{
		Ref:      shared.RecordRef{Kind: shared.RecordJournalEntry, ID: 10},
		PeriodID: 42,
		Action:   ActionMutate,
		Impact:   threshold("5000000"),
		Reason:   "salah nominal resep",
		Actor:    requester(),
	})
	require.NoError(t, err)
	require.True(t, outcome.PendingApproval)
	require.Equal(t, StatePending, outcome.Log.ApprovalState)
	require.NotZero(t, outcome.Log.ApprovalID)
	require.Len(t, approvals.submitted, 1)
	require.True(t, approvals.submitted[0].Amount.Equal(threshold("5000000")))
	require.Empty(t, applier.mutations)
}

func TestRequestAtOrBelowThresholdAppliesImmediately(t *testing.T) {
	svc, _, approvals, applier := newRevisionService()

	outcome, err := svc.Request(context.Background(), RequestInput{
		Ref:    shared.RecordRef{Kind: shared.RecordJournalEntry, ID: 11},
		Action: ActionMutate,
		Impact: threshold("1000000"),
		Reason: "koreksi pembulatan",
		Actor:  requester(),
	})
	require.NoError(t, err)
	require.False(t, outcome.PendingApproval)
	require.Equal(t, StateApplied, outcome.Log.ApprovalState)
	require.NotNil(t, outcome.Log.AppliedAt)
	require.Empty(t, approvals.submitted)
	require.Equal(t, []int64{11}, applier.mutations)
}

func TestRequestRequiresReason(t *testing.T) {
	svc, _, _, _ := newRevisionService()

	_, err := svc.Request(context.Background(), RequestInput{
		Ref:    shared.RecordRef{Kind: shared.RecordJournalEntry, ID: 10},
		Action: ActionMutate,
		Impact: threshold("100"),
		Actor:  requester(),
	})
	require.ErrorIs(t, err, ErrReasonRequired)
}

func TestRequestPostingApprovalAlwaysFiles(t *testing.T) {
	svc, repo, approvals, _ := newRevisionService()

	out, err := svc.RequestPostingApproval(context.Background(), ledger.PostingApprovalRequest{
		Ref:      shared.RecordRef{Kind: shared.RecordJournalEntry, ID: 10},
		Action:   "post",
		PeriodID: 42,
		Impact:   threshold("500"),
		Actor:    requester(),
		Reason:   "post into closed period",
	})
	require.NoError(t, err)
	require.True(t, out.ApprovalRequired)
	require.Len(t, approvals.submitted, 1)

	log, err := repo.GetLog(context.Background(), out.RevisionID)
	require.NoError(t, err)
	require.Equal(t, StatePending, log.ApprovalState)
	require.NotZero(t, log.ApprovalID)
	require.Equal(t, ActionPost, log.Action)
	require.Equal(t, int64(42), log.PeriodID)
}

func TestRequestPostingApprovalWithoutRuleLogsAndAllows(t *testing.T) {
	svc, repo, approvals, applier := newRevisionService()
	approvals.err = approval.ErrNoMatchingRule

	out, err := svc.RequestPostingApproval(context.Background(), ledger.PostingApprovalRequest{
		Ref:      shared.RecordRef{Kind: shared.RecordJournalEntry, ID: 10},
		Action:   "post",
		PeriodID: 42,
		Impact:   threshold("500"),
		Actor:    requester(),
		Reason:   "post into closed period",
	})
	require.NoError(t, err)
	require.False(t, out.ApprovalRequired)
	require.Empty(t, applier.postings)

	log, err := repo.GetLog(context.Background(), out.RevisionID)
	require.NoError(t, err)
	require.Equal(t, StateApplied, log.ApprovalState)
	require.NotNil(t, log.AppliedAt)
	require.Zero(t, log.ApprovalID)

	// Nothing pending that could block a hard close.
	pending, err := repo.ListLogs(context.Background(), 42, StatePending, 10, 0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRequestPostingApprovalSubmitFailureLeavesNoLog(t *testing.T) {
	svc, repo, approvals, _ := newRevisionService()
	approvals.err = errors.New("approval store down")

	_, err := svc.RequestPostingApproval(context.Background(), ledger.PostingApprovalRequest{
		Ref:      shared.RecordRef{Kind: shared.RecordJournalEntry, ID: 10},
		Action:   "post",
		PeriodID: 42,
		Impact:   threshold("5000000"),
		Actor:    requester(),
		Reason:   "post into closed period",
	})
	require.Error(t, err)
	require.Empty(t, repo.logs)
}

func TestRequestWithoutRuleAppliesImmediately(t *testing.T) {
	svc, repo, approvals, applier := newRevisionService()
	approvals.err = approval.ErrNoMatchingRule

	outcome, err := svc.Request(context.Background(), RequestInput{
		Ref:    shared.RecordRef{Kind: shared.RecordJournalEntry, ID: 11},
		Action: ActionMutate,
		Impact: threshold("9000000"),
		Reason: "koreksi material tanpa aturan",
		Actor:  requester(),
	})
	require.NoError(t, err)
	require.False(t, outcome.PendingApproval)
	require.Equal(t, StateApplied, outcome.Log.ApprovalState)
	require.Equal(t, []int64{11}, applier.mutations)

	log, err := repo.GetLog(context.Background(), outcome.Log.ID)
	require.NoError(t, err)
	require.Equal(t, StateApplied, log.ApprovalState)
}

func TestOnDecidedApprovedAppliesPosting(t *testing.T) {
	svc, repo, _, applier := newRevisionService()
	out, err := svc.RequestPostingApproval(context.Background(), ledger.PostingApprovalRequest{
		Ref:      shared.RecordRef{Kind: shared.RecordJournalEntry, ID: 10},
		Action:   "post",
		PeriodID: 42,
		Impact:   threshold("5000000"),
		Actor:    requester(),
		Reason:   "post into closed period",
	})
	require.NoError(t, err)
	logID := out.RevisionID
	log, err := repo.GetLog(context.Background(), logID)
	require.NoError(t, err)

	err = svc.OnDecided(context.Background(), approval.Request{
		ID:     log.ApprovalID,
		Status: approval.StatusApproved,
		Decisions: []approval.Decision{
			{Level: 1, DecidedBy: 2, Verdict: approval.StatusApproved},
			{Level: 2, DecidedBy: 3, Verdict: approval.StatusApproved},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{10}, applier.postings)

	applied, err := repo.GetLog(context.Background(), logID)
	require.NoError(t, err)
	require.Equal(t, StateApplied, applied.ApprovalState)
	require.NotNil(t, applied.AppliedAt)
}

func TestOnDecidedRejectedLeavesRecordUntouched(t *testing.T) {
	svc, repo, _, applier := newRevisionService()
	out, err := svc.RequestPostingApproval(context.Background(), ledger.PostingApprovalRequest{
		Ref:    shared.RecordRef{Kind: shared.RecordJournalEntry, ID: 10},
		Action: "reverse",
		Impact: threshold("5000000"),
		Actor:  requester(),
		Reason: "reverse into closed period",
	})
	require.NoError(t, err)
	logID := out.RevisionID
	log, err := repo.GetLog(context.Background(), logID)
	require.NoError(t, err)

	err = svc.OnDecided(context.Background(), approval.Request{
		ID:        log.ApprovalID,
		Status:    approval.StatusRejected,
		Decisions: []approval.Decision{{Level: 1, DecidedBy: 2, Verdict: approval.StatusRejected}},
	})
	require.NoError(t, err)
	require.Empty(t, applier.reversals)

	rejected, err := repo.GetLog(context.Background(), logID)
	require.NoError(t, err)
	require.Equal(t, StateRejected, rejected.ApprovalState)
}

func TestOnDecidedTwiceFails(t *testing.T) {
	svc, repo, _, _ := newRevisionService()
	out, err := svc.RequestPostingApproval(context.Background(), ledger.PostingApprovalRequest{
		Ref:    shared.RecordRef{Kind: shared.RecordJournalEntry, ID: 10},
		Action: "post",
		Impact: threshold("5000000"),
		Actor:  requester(),
		Reason: "post into closed period",
	})
	require.NoError(t, err)
	log, err := repo.GetLog(context.Background(), out.RevisionID)
	require.NoError(t, err)

	decided := approval.Request{
		ID:        log.ApprovalID,
		Status:    approval.StatusApproved,
		Decisions: []approval.Decision{{Level: 1, DecidedBy: 2, Verdict: approval.StatusApproved}},
	}
	require.NoError(t, svc.OnDecided(context.Background(), decided))
	err = svc.OnDecided(context.Background(), decided)
	require.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestApplyWithoutApplierFails(t *testing.T) {
	repo := newMemoryRevisionRepo()
	svc := NewService(repo, &fakeApprovals{}, nil, shared.NopNotifier{}, threshold("1000000"))

	_, err := svc.Request(context.Background(), RequestInput{
		Ref:    shared.RecordRef{Kind: shared.RecordCashTxn, ID: 5},
		Action: ActionMutate,
		Impact: threshold("100"),
		Reason: "koreksi kas",
		Actor:  requester(),
	})
	require.ErrorIs(t, err, ErrNoApplier)
}
