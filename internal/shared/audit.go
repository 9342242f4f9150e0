package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, log.At)
	return err
}

// RecordIntegrityIncident stores a data-integrity incident. Incidents are
// invariant violations detected at commit time (a stored entry found
// unbalanced, totals diverging from line sums); they abort the transaction
// that found them and are never silently repaired.
func (l *AuditLogger) RecordIntegrityIncident(ctx context.Context, entity, entityID, detail string) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	return l.Record(ctx, AuditLog{
		Action:   "integrity_incident",
		Entity:   entity,
		EntityID: entityID,
		Meta:     map[string]any{"detail": detail},
		At:       time.Now(),
	})
}
