package coa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryAccountRepo struct {
	byCode map[string]Account
	byID   map[int64]Account
	nextID int64
}

type memoryAccountTx struct {
	repo *memoryAccountRepo
}

func newMemoryAccountRepo() *memoryAccountRepo {
	return &memoryAccountRepo{byCode: make(map[string]Account), byID: make(map[int64]Account)}
}

func (r *memoryAccountRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryAccountTx{repo: r})
}

func (r *memoryAccountRepo) GetByCode(ctx context.Context, code string) (Account, error) {
	acc, ok := r.byCode[code]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

func (r *memoryAccountRepo) ListAll(ctx context.Context) ([]Account, error) {
	out := make([]Account, 0, len(r.byCode))
	for _, acc := range r.byCode {
		out = append(out, acc)
	}
	return out, nil
}

func (r *memoryAccountRepo) put(acc Account) {
	r.byCode[acc.Code] = acc
	r.byID[acc.ID] = acc
}

func (tx *memoryAccountTx) GetByCodeForUpdate(ctx context.Context, code string) (Account, error) {
	return tx.repo.GetByCode(ctx, code)
}

func (tx *memoryAccountTx) GetByID(ctx context.Context, id int64) (Account, error) {
	acc, ok := tx.repo.byID[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

func (tx *memoryAccountTx) Insert(ctx context.Context, in CreateAccountInput, parentID *int64, level int, normal NormalBalance) (Account, error) {
	tx.repo.nextID++
	acc := Account{
		ID:            tx.repo.nextID,
		Code:          in.Code,
		Name:          in.Name,
		Type:          in.Type,
		SubType:       in.SubType,
		NormalBalance: normal,
		ParentID:      parentID,
		Level:         level,
		IsActive:      true,
	}
	tx.repo.put(acc)
	return acc, nil
}

func (tx *memoryAccountTx) UpdateParent(ctx context.Context, id int64, parentID *int64, level int) error {
	acc, ok := tx.repo.byID[id]
	if !ok {
		return ErrAccountNotFound
	}
	acc.ParentID = parentID
	acc.Level = level
	tx.repo.put(acc)
	return nil
}

func (tx *memoryAccountTx) ShiftSubtreeLevels(ctx context.Context, rootID int64, delta int) error {
	for id, acc := range tx.repo.byID {
		if acc.ParentID != nil && *acc.ParentID == rootID {
			acc.Level += delta
			tx.repo.byID[id] = acc
			tx.repo.byCode[acc.Code] = acc
		}
	}
	return nil
}

func (tx *memoryAccountTx) SetActive(ctx context.Context, id int64, active bool) error {
	acc, ok := tx.repo.byID[id]
	if !ok {
		return ErrAccountNotFound
	}
	acc.IsActive = active
	tx.repo.put(acc)
	return nil
}

func seedTree(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	for _, in := range []CreateAccountInput{
		{Code: "1", Name: "Aset", Type: AccountTypeAsset},
		{Code: "1.1", Name: "Aset Lancar", Type: AccountTypeAsset, ParentCode: "1"},
		{Code: "1.1.01", Name: "Kas", Type: AccountTypeAsset, ParentCode: "1.1"},
		{Code: "4", Name: "Pendapatan", Type: AccountTypeRevenue},
		{Code: "4.1.01", Name: "Pendapatan Rawat Jalan", Type: AccountTypeRevenue, ParentCode: "4"},
	} {
		_, err := svc.CreateAccount(ctx, in)
		require.NoError(t, err)
	}
}

func TestCreateAccountAssignsLevelAndNormalBalance(t *testing.T) {
	svc := NewService(newMemoryAccountRepo(), nil)
	seedTree(t, svc)

	kas, err := svc.Resolve(context.Background(), "1.1.01")
	require.NoError(t, err)
	require.Equal(t, 3, kas.Level)
	require.Equal(t, NormalBalanceDebit, kas.NormalBalance)

	pendapatan, err := svc.Resolve(context.Background(), "4.1.01")
	require.NoError(t, err)
	require.Equal(t, 2, pendapatan.Level)
	require.Equal(t, NormalBalanceCredit, pendapatan.NormalBalance)
}

func TestCreateAccountRejectsDuplicateCode(t *testing.T) {
	svc := NewService(newMemoryAccountRepo(), nil)
	seedTree(t, svc)

	_, err := svc.CreateAccount(context.Background(), CreateAccountInput{
		Code: "1.1.01", Name: "Kas Kecil", Type: AccountTypeAsset,
	})
	require.ErrorIs(t, err, ErrDuplicateCode)
}

func TestCreateAccountRejectsTypeMismatchWithParent(t *testing.T) {
	svc := NewService(newMemoryAccountRepo(), nil)
	seedTree(t, svc)

	_, err := svc.CreateAccount(context.Background(), CreateAccountInput{
		Code: "4.9", Name: "Beban Nyasar", Type: AccountTypeExpense, ParentCode: "4",
	})
	require.ErrorIs(t, err, ErrInvalidParent)
}

func TestReparentMovesSubtreeAndRecomputesLevels(t *testing.T) {
	repo := newMemoryAccountRepo()
	svc := NewService(repo, nil)
	seedTree(t, svc)
	_, err := svc.CreateAccount(context.Background(), CreateAccountInput{
		Code: "1.2", Name: "Aset Tetap", Type: AccountTypeAsset, ParentCode: "1",
	})
	require.NoError(t, err)

	moved, err := svc.Reparent(context.Background(), "1.1.01", "1.2", 1)
	require.NoError(t, err)
	require.Equal(t, 3, moved.Level)

	parent, err := svc.Resolve(context.Background(), "1.2")
	require.NoError(t, err)
	require.Equal(t, parent.ID, *moved.ParentID)
}

func TestReparentDetectsCycle(t *testing.T) {
	svc := NewService(newMemoryAccountRepo(), nil)
	seedTree(t, svc)

	_, err := svc.Reparent(context.Background(), "1", "1.1.01", 1)
	require.ErrorIs(t, err, ErrCycleDetected)

	_, err = svc.Reparent(context.Background(), "1.1", "1.1", 1)
	require.ErrorIs(t, err, ErrCycleDetected)
}

func TestDeactivateKeepsAccountResolvable(t *testing.T) {
	svc := NewService(newMemoryAccountRepo(), nil)
	seedTree(t, svc)

	acc, err := svc.Deactivate(context.Background(), "1.1.01", 1)
	require.NoError(t, err)
	require.False(t, acc.IsActive)

	resolved, err := svc.Resolve(context.Background(), "1.1.01")
	require.NoError(t, err)
	require.False(t, resolved.IsActive)

	acc, err = svc.Activate(context.Background(), "1.1.01", 1)
	require.NoError(t, err)
	require.True(t, acc.IsActive)
}
