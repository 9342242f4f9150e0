package close

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-his/meridian-erp/internal/platform/db"
)

const periodColumns = `id, code, type, start_date, end_date, cutoff_date, hard_close_date, status,
soft_closed_by, soft_closed_at, hard_closed_by, hard_closed_at,
reopened_by, reopened_at, COALESCE(reopen_reason, ''), COALESCE(notes, ''), created_at, updated_at`

const checklistColumns = `id, period_id, key, label, required, done, completed_by, completed_at, payload, created_at, updated_at`

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed period repository.
func NewRepository(db *pgxpool.Pool) RepositoryPort {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *repository) ListPeriods(ctx context.Context, limit, offset int) ([]Period, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `SELECT `+periodColumns+` FROM closing_periods ORDER BY start_date DESC, id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPeriods(rows)
}

func (r *repository) GetPeriod(ctx context.Context, id int64) (Period, error) {
	row := r.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM closing_periods WHERE id=$1`, id)
	return scanPeriod(row)
}

func (r *repository) GetPeriodByCode(ctx context.Context, code string) (Period, error) {
	row := r.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM closing_periods WHERE code=$1`, code)
	return scanPeriod(row)
}

func (r *repository) FindCovering(ctx context.Context, date time.Time) ([]Period, error) {
	rows, err := r.db.Query(ctx, `SELECT `+periodColumns+` FROM closing_periods WHERE start_date <= $1 AND end_date >= $1`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPeriods(rows)
}

func (r *repository) ListChecklist(ctx context.Context, periodID int64) ([]ChecklistItem, error) {
	rows, err := r.db.Query(ctx, `SELECT `+checklistColumns+` FROM period_checklist_items WHERE period_id=$1 ORDER BY id ASC`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChecklist(rows)
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetPeriodForUpdate(ctx context.Context, id int64) (Period, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM closing_periods WHERE id=$1 FOR UPDATE`, id)
	return scanPeriod(row)
}

func (r *txRepository) RangeConflict(ctx context.Context, t PeriodType, start, end time.Time) (bool, error) {
	var count int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM closing_periods WHERE type=$1 AND start_date <= $3 AND end_date >= $2`, t, start, end).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *txRepository) InsertPeriod(ctx context.Context, in CreatePeriodInput) (Period, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO closing_periods (code, type, start_date, end_date, cutoff_date, hard_close_date, status, notes)
VALUES ($1,$2,$3,$4,$5,$6,'OPEN',$7) RETURNING `+periodColumns,
		in.Code, in.Type, in.StartDate, in.EndDate, in.CutoffDate, in.HardCloseDate, in.Notes)
	period, err := scanPeriod(row)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return Period{}, ErrDuplicateCode
		}
		return Period{}, err
	}
	return period, nil
}

func (r *txRepository) SeedChecklist(ctx context.Context, periodID int64, defs []ChecklistDefinition) ([]ChecklistItem, error) {
	items := make([]ChecklistItem, 0, len(defs))
	for _, def := range defs {
		row := r.tx.QueryRow(ctx, `INSERT INTO period_checklist_items (period_id, key, label, required, done)
VALUES ($1,$2,$3,$4,FALSE) RETURNING `+checklistColumns, periodID, def.Key, def.Label, def.Required)
		item, err := scanChecklistItem(row)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *txRepository) ListChecklist(ctx context.Context, periodID int64) ([]ChecklistItem, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+checklistColumns+` FROM period_checklist_items WHERE period_id=$1 ORDER BY id ASC`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChecklist(rows)
}

func (r *txRepository) CompleteChecklistItem(ctx context.Context, periodID int64, key string, actorID int64, payload map[string]any) (ChecklistItem, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return ChecklistItem{}, err
	}
	row := r.tx.QueryRow(ctx, `UPDATE period_checklist_items
SET done=TRUE, completed_by=$3, completed_at=NOW(), payload=$4, updated_at=NOW()
WHERE period_id=$1 AND key=$2 RETURNING `+checklistColumns, periodID, key, actorID, payloadJSON)
	item, err := scanChecklistItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChecklistItem{}, ErrChecklistItemNotFound
		}
		return ChecklistItem{}, err
	}
	return item, nil
}

func (r *txRepository) CountDraftJournals(ctx context.Context, start, end time.Time) (int, error) {
	var count int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM journal_entries WHERE entry_date BETWEEN $1 AND $2 AND status='DRAFT'`, start, end).Scan(&count)
	return count, err
}

func (r *txRepository) CountUnbalancedJournals(ctx context.Context, start, end time.Time) (int, error) {
	var count int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM journal_entries WHERE entry_date BETWEEN $1 AND $2 AND status='POSTED' AND total_debit <> total_credit`, start, end).Scan(&count)
	return count, err
}

func (r *txRepository) CountPendingRevisions(ctx context.Context, periodID int64) (int, error) {
	var count int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM journal_revision_logs WHERE period_id=$1 AND approval_status='PENDING'`, periodID).Scan(&count)
	return count, err
}

func (r *txRepository) SetSoftClosed(ctx context.Context, id, actorID int64, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE closing_periods SET status='SOFT_CLOSED', soft_closed_by=$2, soft_closed_at=$3, updated_at=NOW() WHERE id=$1`, id, actorID, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

func (r *txRepository) SetHardClosed(ctx context.Context, id, actorID int64, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE closing_periods SET status='HARD_CLOSED', hard_closed_by=$2, hard_closed_at=$3, updated_at=NOW() WHERE id=$1`, id, actorID, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

func (r *txRepository) SetReopened(ctx context.Context, id, actorID int64, at time.Time, reason string) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE closing_periods
SET status='OPEN', reopened_by=$2, reopened_at=$3, reopen_reason=$4,
    soft_closed_by=NULL, soft_closed_at=NULL, hard_closed_by=NULL, hard_closed_at=NULL, updated_at=NOW()
WHERE id=$1`, id, actorID, at, reason)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

func collectPeriods(rows pgx.Rows) ([]Period, error) {
	var periods []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	err := row.Scan(&p.ID, &p.Code, &p.Type, &p.StartDate, &p.EndDate, &p.CutoffDate, &p.HardCloseDate, &p.Status,
		&p.SoftClosedBy, &p.SoftClosedAt, &p.HardClosedBy, &p.HardClosedAt,
		&p.ReopenedBy, &p.ReopenedAt, &p.ReopenReason, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}
	return p, nil
}

func collectChecklist(rows pgx.Rows) ([]ChecklistItem, error) {
	var items []ChecklistItem
	for rows.Next() {
		item, err := scanChecklistItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanChecklistItem(row pgx.Row) (ChecklistItem, error) {
	var item ChecklistItem
	var payload []byte
	err := row.Scan(&item.ID, &item.PeriodID, &item.Key, &item.Label, &item.Required, &item.Done,
		&item.CompletedBy, &item.CompletedAt, &payload, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return ChecklistItem{}, err
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &item.Payload)
	}
	return item, nil
}
