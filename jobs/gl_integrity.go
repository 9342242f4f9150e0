package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-his/meridian-erp/internal/observability"
	"github.com/meridian-his/meridian-erp/internal/shared"
)

// IntegrityChecker scans posted journals for invariant violations: entries
// whose stored totals differ, and entries whose totals drifted from the sum
// of their lines. Violations are recorded as integrity incidents, never
// repaired in place.
type IntegrityChecker struct {
	db     *pgxpool.Pool
	audit  *shared.AuditLogger
	logger *slog.Logger
}

// NewIntegrityChecker constructs an IntegrityChecker.
func NewIntegrityChecker(db *pgxpool.Pool, audit *shared.AuditLogger, logger *slog.Logger) *IntegrityChecker {
	return &IntegrityChecker{db: db, audit: audit, logger: logger}
}

type integrityHit struct {
	EntryID int64
	Number  string
	Detail  string
}

// Run executes both scans concurrently and records every hit. The scan is
// limited to the given period when periodID is non zero.
func (c *IntegrityChecker) Run(ctx context.Context, periodID int64) (int, error) {
	var from, to *time.Time
	if periodID != 0 {
		var start, end time.Time
		err := c.db.QueryRow(ctx, `SELECT start_date, end_date FROM closing_periods WHERE id=$1`, periodID).Scan(&start, &end)
		if err != nil {
			return 0, fmt.Errorf("load period %d: %w", periodID, err)
		}
		from, to = &start, &end
	}

	var unbalanced, drifted []integrityHit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		unbalanced, err = c.scanUnbalanced(gctx, from, to)
		return err
	})
	g.Go(func() error {
		var err error
		drifted, err = c.scanLineDrift(gctx, from, to)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}

	hits := append(unbalanced, drifted...)
	for _, hit := range hits {
		c.logger.Warn("journal integrity violation",
			slog.Int64("entry_id", hit.EntryID),
			slog.String("entry_number", hit.Number),
			slog.String("detail", hit.Detail))
		if err := c.audit.RecordIntegrityIncident(ctx, "journal_entry", strconv.FormatInt(hit.EntryID, 10), hit.Detail); err != nil {
			return len(hits), err
		}
	}
	return len(hits), nil
}

func (c *IntegrityChecker) scanUnbalanced(ctx context.Context, from, to *time.Time) ([]integrityHit, error) {
	query := `SELECT id, entry_number, total_debit, total_credit FROM journal_entries
WHERE status='POSTED' AND total_debit <> total_credit`
	args := []any{}
	if from != nil {
		query += ` AND entry_date BETWEEN $1 AND $2`
		args = append(args, *from, *to)
	}
	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hits []integrityHit
	for rows.Next() {
		var hit integrityHit
		var debit, credit string
		if err := rows.Scan(&hit.EntryID, &hit.Number, &debit, &credit); err != nil {
			return nil, err
		}
		hit.Detail = fmt.Sprintf("posted entry unbalanced: debit %s credit %s", debit, credit)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func (c *IntegrityChecker) scanLineDrift(ctx context.Context, from, to *time.Time) ([]integrityHit, error) {
	query := `SELECT e.id, e.entry_number, e.total_debit, COALESCE(SUM(l.debit), 0)
FROM journal_entries e
JOIN journal_lines l ON l.entry_id = e.id
WHERE e.status='POSTED'`
	args := []any{}
	if from != nil {
		query += ` AND e.entry_date BETWEEN $1 AND $2`
		args = append(args, *from, *to)
	}
	query += ` GROUP BY e.id, e.entry_number, e.total_debit
HAVING e.total_debit <> COALESCE(SUM(l.debit), 0)`
	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hits []integrityHit
	for rows.Next() {
		var hit integrityHit
		var stored, summed string
		if err := rows.Scan(&hit.EntryID, &hit.Number, &stored, &summed); err != nil {
			return nil, err
		}
		hit.Detail = fmt.Sprintf("entry totals drifted from lines: stored %s summed %s", stored, summed)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// NewGLIntegrityHandler returns the handler for TaskGLIntegrity.
func NewGLIntegrityHandler(checker *IntegrityChecker, metrics *observability.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload GLIntegrityPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		count, err := checker.Run(ctx, payload.PeriodID)
		metrics.RecordJob(TaskGLIntegrity, err)
		if err != nil {
			logger.Error("gl integrity scan", slog.Any("error", err))
			return err
		}
		if count > 0 {
			logger.Warn("gl integrity scan found violations", slog.Int("count", count))
		} else {
			logger.Info("gl integrity scan clean")
		}
		return nil
	}
}
