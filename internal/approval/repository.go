package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-his/meridian-erp/internal/platform/db"
)

const requestColumns = `id, record_kind, record_id, module, amount, attributes, rule_id, status,
current_level, required_levels, requested_by, COALESCE(reason, ''), deadline, escalated_at, COALESCE(escalated_to, ''), decided_at, created_at, updated_at`

const ruleColumns = `id, name, module, min_amount, max_amount, unbounded, conditions, levels, level_roles,
COALESCE(escalate_to, ''), ttl_seconds, is_active, created_at, updated_at`

const decisionColumns = `id, request_id, level, decided_by, verdict, COALESCE(note, ''), decided_at`

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed approval repository.
func NewRepository(db *pgxpool.Pool) RepositoryPort {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *repository) GetRequest(ctx context.Context, id int64) (Request, error) {
	row := r.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id=$1`, id)
	req, err := scanRequest(row)
	if err != nil {
		return Request{}, err
	}
	req.Decisions, err = loadDecisions(ctx, r.db, id)
	return req, err
}

func (r *repository) ListPending(ctx context.Context, module string, limit, offset int) ([]Request, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE status IN ('PENDING','ESCALATED')`
	args := []any{limit, offset}
	if module != "" {
		query += ` AND module=$3`
		args = append(args, module)
	}
	query += ` ORDER BY created_at ASC LIMIT $1 OFFSET $2`
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (r *repository) ListRules(ctx context.Context, module string) ([]Rule, error) {
	rows, err := r.db.Query(ctx, `SELECT `+ruleColumns+` FROM approval_rules WHERE module=$1 AND is_active ORDER BY id ASC`, module)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *repository) GetRule(ctx context.Context, id int64) (Rule, error) {
	row := r.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM approval_rules WHERE id=$1`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rule{}, fmt.Errorf("approval: rule %d not found", id)
		}
		return Rule{}, err
	}
	return rule, nil
}

func (r *repository) ListExpired(ctx context.Context, now time.Time) ([]Request, error) {
	rows, err := r.db.Query(ctx, `SELECT `+requestColumns+` FROM approval_requests
WHERE status='PENDING' AND deadline IS NOT NULL AND deadline < $1 ORDER BY deadline ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetRequestForUpdate(ctx context.Context, id int64) (Request, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id=$1 FOR UPDATE`, id)
	req, err := scanRequest(row)
	if err != nil {
		return Request{}, err
	}
	req.Decisions, err = loadDecisions(ctx, r.tx, id)
	return req, err
}

func (r *txRepository) InsertRequest(ctx context.Context, req Request) (Request, error) {
	attrs, err := json.Marshal(req.Attributes)
	if err != nil {
		return Request{}, err
	}
	row := r.tx.QueryRow(ctx, `INSERT INTO approval_requests
(record_kind, record_id, module, amount, attributes, rule_id, status, current_level, required_levels, requested_by, reason, deadline)
VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$9,$10,$11) RETURNING `+requestColumns,
		req.Ref.Kind, req.Ref.ID, req.Module, req.Amount, attrs, req.RuleID,
		req.Status, req.RequiredLevels, req.RequestedBy, req.Reason, req.Deadline)
	return scanRequest(row)
}

func (r *txRepository) InsertDecision(ctx context.Context, d Decision) (Decision, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO approval_decisions (request_id, level, decided_by, verdict, note, decided_at)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING `+decisionColumns,
		d.RequestID, d.Level, d.DecidedBy, d.Verdict, d.Note, d.DecidedAt)
	return scanDecision(row)
}

func (r *txRepository) MarkEscalated(ctx context.Context, id int64, target string, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE approval_requests
SET status=$2, escalated_to=NULLIF($3,''), escalated_at=$4, updated_at=NOW() WHERE id=$1`,
		id, StatusEscalated, target, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (r *txRepository) UpdateRequestStatus(ctx context.Context, id int64, status Status, currentLevel int, decidedAt, escalatedAt *time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE approval_requests
SET status=$2, current_level=$3, decided_at=$4, escalated_at=$5, updated_at=NOW() WHERE id=$1`,
		id, status, currentLevel, decidedAt, escalatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadDecisions(ctx context.Context, q querier, requestID int64) ([]Decision, error) {
	rows, err := q.Query(ctx, `SELECT `+decisionColumns+` FROM approval_decisions WHERE request_id=$1 ORDER BY level ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var decisions []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

func collectRequests(rows pgx.Rows) ([]Request, error) {
	var requests []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	var attrs []byte
	err := row.Scan(&req.ID, &req.Ref.Kind, &req.Ref.ID, &req.Module, &req.Amount, &attrs, &req.RuleID, &req.Status,
		&req.CurrentLevel, &req.RequiredLevels, &req.RequestedBy, &req.Reason,
		&req.Deadline, &req.EscalatedAt, &req.EscalatedTo, &req.DecidedAt, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrRequestNotFound
		}
		return Request{}, err
	}
	if len(attrs) > 0 {
		_ = json.Unmarshal(attrs, &req.Attributes)
	}
	return req, nil
}

func scanRule(row pgx.Row) (Rule, error) {
	var rule Rule
	var conditions, levelRoles []byte
	var ttlSeconds int64
	err := row.Scan(&rule.ID, &rule.Name, &rule.Module, &rule.MinAmount, &rule.MaxAmount, &rule.Unbounded,
		&conditions, &rule.Levels, &levelRoles, &rule.EscalateTo, &ttlSeconds, &rule.IsActive,
		&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return Rule{}, err
	}
	if len(conditions) > 0 {
		_ = json.Unmarshal(conditions, &rule.Conditions)
	}
	if len(levelRoles) > 0 {
		_ = json.Unmarshal(levelRoles, &rule.LevelRoles)
	}
	rule.TTL = time.Duration(ttlSeconds) * time.Second
	return rule, nil
}

func scanDecision(row pgx.Row) (Decision, error) {
	var d Decision
	err := row.Scan(&d.ID, &d.RequestID, &d.Level, &d.DecidedBy, &d.Verdict, &d.Note, &d.DecidedAt)
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}
