package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-his/meridian-erp/internal/platform/db"
)

const entryColumns = `id, COALESCE(entry_number, ''), description, entry_date, status, COALESCE(source_module, ''),
total_debit, total_credit, reversal_of_id, reversed_by_entry_id, created_by, posted_by, posted_at, reversed_by, reversed_at, created_at, updated_at`

const lineColumns = `id, entry_id, account_id, account_code, debit, credit, COALESCE(memo, '')`

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed journal repository.
func NewRepository(db *pgxpool.Pool) RepositoryPort {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *repository) GetEntry(ctx context.Context, id int64) (JournalEntry, error) {
	row := r.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id=$1`, id)
	entry, err := scanEntry(row)
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Lines, err = loadLines(ctx, r.db, id)
	return entry, err
}

func entryFilterSQL(filter ListFilter) (string, []any) {
	clause := ""
	args := make([]any, 0, 4)
	idx := 1
	if filter.Status != "" {
		clause += fmt.Sprintf(` AND status=$%d`, idx)
		args = append(args, filter.Status)
		idx++
	}
	if !filter.DateFrom.IsZero() {
		clause += fmt.Sprintf(` AND entry_date >= $%d`, idx)
		args = append(args, filter.DateFrom)
		idx++
	}
	if !filter.DateTo.IsZero() {
		clause += fmt.Sprintf(` AND entry_date <= $%d`, idx)
		args = append(args, filter.DateTo)
		idx++
	}
	if filter.AccountID != 0 {
		clause += fmt.Sprintf(` AND id IN (SELECT entry_id FROM journal_lines WHERE account_id=$%d)`, idx)
		args = append(args, filter.AccountID)
	}
	return clause, args
}

func (r *repository) CountEntries(ctx context.Context, filter ListFilter) (int, error) {
	clause, args := entryFilterSQL(filter)
	var total int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM journal_entries WHERE 1=1`+clause, args...).Scan(&total)
	return total, err
}

func (r *repository) ListEntries(ctx context.Context, filter ListFilter) ([]JournalEntry, error) {
	clause, args := entryFilterSQL(filter)
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	idx := len(args) + 1
	query := `SELECT ` + entryColumns + ` FROM journal_entries WHERE 1=1` + clause +
		fmt.Sprintf(` ORDER BY entry_date DESC, id DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetEntryForUpdate(ctx context.Context, id int64) (JournalEntry, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id=$1 FOR UPDATE`, id)
	entry, err := scanEntry(row)
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Lines, err = loadLines(ctx, r.tx, id)
	return entry, err
}

func (r *txRepository) InsertEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO journal_entries
(description, entry_date, status, source_module, total_debit, total_credit, reversal_of_id, created_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING `+entryColumns,
		entry.Description, entry.EntryDate, entry.Status, entry.SourceModule,
		entry.TotalDebit, entry.TotalCredit, entry.ReversalOfID, entry.CreatedBy)
	inserted, err := scanEntry(row)
	if err != nil {
		return JournalEntry{}, err
	}
	for _, line := range entry.Lines {
		row := r.tx.QueryRow(ctx, `INSERT INTO journal_lines (entry_id, account_id, account_code, debit, credit, memo)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING `+lineColumns,
			inserted.ID, line.AccountID, line.AccountCode, line.Debit, line.Credit, line.Memo)
		stored, err := scanLine(row)
		if err != nil {
			return JournalEntry{}, err
		}
		inserted.Lines = append(inserted.Lines, stored)
	}
	return inserted, nil
}

// LookupSource returns the entry already linked to the source document, or
// zero when none is.
func (r *txRepository) LookupSource(ctx context.Context, ref SourceRef) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `SELECT entry_id FROM source_links WHERE module=$1 AND source_id=$2`, ref.Module, ref.ID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

func (r *txRepository) LinkSource(ctx context.Context, entryID int64, ref SourceRef) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO source_links (entry_id, module, source_id) VALUES ($1,$2,$3)`, entryID, ref.Module, ref.ID)
	return err
}

// NextEntryNumber hands out JE-YYYYMM-NNNN sequentially per month. The
// sequence row is upserted under the surrounding transaction's lock, so
// concurrent postings serialize on it.
func (r *txRepository) NextEntryNumber(ctx context.Context, date time.Time) (string, error) {
	bucket := date.Format("200601")
	var value int64
	err := r.tx.QueryRow(ctx, `INSERT INTO journal_sequences (bucket, value) VALUES ($1, 1)
ON CONFLICT (bucket) DO UPDATE SET value = journal_sequences.value + 1
RETURNING value`, bucket).Scan(&value)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("JE-%s-%04d", bucket, value), nil
}

func (r *txRepository) MarkPosted(ctx context.Context, id int64, number string, actorID int64, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_entries
SET status='POSTED', entry_number=$2, posted_by=$3, posted_at=$4, updated_at=NOW()
WHERE id=$1`, id, number, actorID, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *txRepository) MarkReversed(ctx context.Context, id, reversalID, actorID int64, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_entries
SET status='REVERSED', reversed_by_entry_id=$2, reversed_by=$3, reversed_at=$4, updated_at=NOW()
WHERE id=$1`, id, reversalID, actorID, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadLines(ctx context.Context, q querier, entryID int64) ([]JournalLine, error) {
	rows, err := q.Query(ctx, `SELECT `+lineColumns+` FROM journal_lines WHERE entry_id=$1 ORDER BY id ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []JournalLine
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func scanEntry(row pgx.Row) (JournalEntry, error) {
	var e JournalEntry
	err := row.Scan(&e.ID, &e.EntryNumber, &e.Description, &e.EntryDate, &e.Status, &e.SourceModule,
		&e.TotalDebit, &e.TotalCredit, &e.ReversalOfID, &e.ReversedByID, &e.CreatedBy,
		&e.PostedBy, &e.PostedAt, &e.ReversedBy, &e.ReversedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrEntryNotFound
		}
		return JournalEntry{}, err
	}
	return e, nil
}

func scanLine(row pgx.Row) (JournalLine, error) {
	var l JournalLine
	err := row.Scan(&l.ID, &l.EntryID, &l.AccountID, &l.AccountCode, &l.Debit, &l.Credit, &l.Memo)
	if err != nil {
		return JournalLine{}, err
	}
	return l, nil
}
