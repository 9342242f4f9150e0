package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-his/meridian-erp/internal/approval"
	"github.com/meridian-his/meridian-erp/internal/observability"
)

// NewEscalationHandler returns the handler for TaskApprovalEscalation. It
// delegates the sweep to the approval engine and reports how many requests
// were escalated.
func NewEscalationHandler(engine *approval.Engine, metrics *observability.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ApprovalEscalationPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		count, err := engine.EscalateExpired(ctx)
		metrics.RecordJob(TaskApprovalEscalation, err)
		if err != nil {
			logger.Error("approval escalation sweep", slog.Any("error", err))
			return err
		}
		if count > 0 {
			logger.Info("approval requests escalated", slog.Int("count", count))
		}
		return nil
	}
}
