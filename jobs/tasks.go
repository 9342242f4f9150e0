package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskApprovalEscalation sweeps approval requests past their deadline.
	TaskApprovalEscalation = "approval:escalate"
	// TaskGLIntegrity verifies posted journals stay balanced.
	TaskGLIntegrity = "gl:integrity"
)

// ApprovalEscalationPayload scopes an escalation sweep. An empty module
// sweeps every module.
type ApprovalEscalationPayload struct {
	Module string `json:"module"`
}

// NewApprovalEscalationTask constructs the escalation sweep task.
func NewApprovalEscalationTask(payload ApprovalEscalationPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskApprovalEscalation, data), nil
}

// GLIntegrityPayload scopes an integrity scan. Zero PeriodID scans all
// periods that are not hard closed.
type GLIntegrityPayload struct {
	PeriodID int64 `json:"period_id"`
}

// NewGLIntegrityTask constructs the ledger integrity scan task.
func NewGLIntegrityTask(payload GLIntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGLIntegrity, data), nil
}
