package revision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-his/meridian-erp/internal/platform/db"
)

const logColumns = `id, record_kind, record_id, period_id, action, before_snapshot, after_snapshot,
impact, reason, requested_by, approval_status, COALESCE(approval_id, 0), decided_by, decided_at, applied_at, created_at, updated_at`

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed revision log repository.
func NewRepository(db *pgxpool.Pool) RepositoryPort {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *repository) GetLog(ctx context.Context, id int64) (Log, error) {
	row := r.db.QueryRow(ctx, `SELECT `+logColumns+` FROM journal_revision_logs WHERE id=$1`, id)
	return scanLog(row)
}

func (r *repository) GetLogByApprovalID(ctx context.Context, approvalID int64) (Log, error) {
	row := r.db.QueryRow(ctx, `SELECT `+logColumns+` FROM journal_revision_logs WHERE approval_id=$1`, approvalID)
	return scanLog(row)
}

func (r *repository) ListLogs(ctx context.Context, periodID int64, state ApprovalState, limit, offset int) ([]Log, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + logColumns + ` FROM journal_revision_logs WHERE 1=1`
	args := make([]any, 0, 4)
	idx := 1
	if periodID != 0 {
		query += fmt.Sprintf(` AND period_id=$%d`, idx)
		args = append(args, periodID)
		idx++
	}
	if state != "" {
		query += fmt.Sprintf(` AND approval_status=$%d`, idx)
		args = append(args, state)
		idx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []Log
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetLogForUpdate(ctx context.Context, id int64) (Log, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+logColumns+` FROM journal_revision_logs WHERE id=$1 FOR UPDATE`, id)
	return scanLog(row)
}

func (r *txRepository) InsertLog(ctx context.Context, log Log) (Log, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO journal_revision_logs
(record_kind, record_id, period_id, action, before_snapshot, after_snapshot, impact, reason, requested_by, approval_status, approval_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,0)) RETURNING `+logColumns,
		log.Ref.Kind, log.Ref.ID, log.PeriodID, log.Action,
		log.BeforeSnapshot, log.AfterSnapshot, log.Impact, log.Reason, log.RequestedBy, log.ApprovalState, log.ApprovalID)
	return scanLog(row)
}

func (r *txRepository) MarkDecided(ctx context.Context, id int64, state ApprovalState, decidedBy int64, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_revision_logs
SET approval_status=$2, decided_by=$3, decided_at=$4, updated_at=NOW() WHERE id=$1`, id, state, decidedBy, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLogNotFound
	}
	return nil
}

func (r *txRepository) MarkApplied(ctx context.Context, id int64, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_revision_logs
SET approval_status='APPLIED', applied_at=$2, updated_at=NOW() WHERE id=$1`, id, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLogNotFound
	}
	return nil
}

func scanLog(row pgx.Row) (Log, error) {
	var log Log
	err := row.Scan(&log.ID, &log.Ref.Kind, &log.Ref.ID, &log.PeriodID, &log.Action,
		&log.BeforeSnapshot, &log.AfterSnapshot, &log.Impact, &log.Reason, &log.RequestedBy,
		&log.ApprovalState, &log.ApprovalID, &log.DecidedBy, &log.DecidedAt, &log.AppliedAt,
		&log.CreatedAt, &log.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Log{}, ErrLogNotFound
		}
		return Log{}, err
	}
	return log, nil
}
