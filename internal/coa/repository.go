package coa

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-his/meridian-erp/internal/platform/db"
)

const accountColumns = `id, code, name, type, sub_type, normal_balance, parent_id, level, is_active, created_at, updated_at`

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed account repository.
func NewRepository(db *pgxpool.Pool) RepositoryPort {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *repository) GetByCode(ctx context.Context, code string) (Account, error) {
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE code=$1`, code)
	return scanAccount(row)
}

func (r *repository) ListAll(ctx context.Context) ([]Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetByCodeForUpdate(ctx context.Context, code string) (Account, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE code=$1 FOR UPDATE`, code)
	return scanAccount(row)
}

func (r *txRepository) GetByID(ctx context.Context, id int64) (Account, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id)
	return scanAccount(row)
}

func (r *txRepository) Insert(ctx context.Context, in CreateAccountInput, parentID *int64, level int, normal NormalBalance) (Account, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO accounts (code, name, type, sub_type, normal_balance, parent_id, level, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE) RETURNING `+accountColumns,
		in.Code, in.Name, in.Type, in.SubType, normal, parentID, level)
	acc, err := scanAccount(row)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateCode
		}
		return Account{}, err
	}
	return acc, nil
}

func (r *txRepository) UpdateParent(ctx context.Context, id int64, parentID *int64, level int) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounts SET parent_id=$2, level=$3, updated_at=NOW() WHERE id=$1`, id, parentID, level)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ShiftSubtreeLevels adjusts levels for every descendant of rootID. The
// root itself is updated separately by UpdateParent.
func (r *txRepository) ShiftSubtreeLevels(ctx context.Context, rootID int64, delta int) error {
	_, err := r.tx.Exec(ctx, `WITH RECURSIVE subtree AS (
	SELECT id FROM accounts WHERE parent_id=$1
	UNION ALL
	SELECT a.id FROM accounts a JOIN subtree s ON a.parent_id=s.id
)
UPDATE accounts SET level=level+$2, updated_at=NOW() WHERE id IN (SELECT id FROM subtree)`, rootID, delta)
	return err
}

func (r *txRepository) SetActive(ctx context.Context, id int64, active bool) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounts SET is_active=$2, updated_at=NOW() WHERE id=$1`, id, active)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var acc Account
	err := row.Scan(&acc.ID, &acc.Code, &acc.Name, &acc.Type, &acc.SubType, &acc.NormalBalance, &acc.ParentID, &acc.Level, &acc.IsActive, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return acc, nil
}
