package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueuePropagation carries per-session propagation batches.
	QueuePropagation = "propagation"

	// TaskPropagationRun starts a propagation for one session.
	TaskPropagationRun = "propagation:run"
	// TaskPropagationResume continues a pending propagation from its checkpoint.
	TaskPropagationResume = "propagation:resume"
	// TaskPropagationSweep queues a run for every recurring session.
	TaskPropagationSweep = "propagation:sweep"
	// TaskIdempotencyCleanup prunes processed request keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// uniqueWindow suppresses duplicate propagation tasks for one session.
const uniqueWindow = 10 * time.Minute

// PropagationPayload identifies the session a propagation task works on.
type PropagationPayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

// CleanupPayload configures the idempotency cleanup.
type CleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewPropagationTask builds a run task for a session.
func NewPropagationTask(sessionID uuid.UUID) (*asynq.Task, error) {
	return newPropagationTask(TaskPropagationRun, sessionID)
}

// NewPropagationResumeTask builds a resume task for a session.
func NewPropagationResumeTask(sessionID uuid.UUID) (*asynq.Task, error) {
	return newPropagationTask(TaskPropagationResume, sessionID)
}

func newPropagationTask(taskType string, sessionID uuid.UUID) (*asynq.Task, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("jobs: %s: session id required", taskType)
	}
	body, err := json.Marshal(PropagationPayload{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueuePropagation), asynq.MaxRetry(5)), nil
}

// NewSweepTask builds the scheduled sweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskPropagationSweep, nil, asynq.Queue(QueueDefault))
}

// NewIdempotencyCleanupTask builds the scheduled cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	hours := int(retention / time.Hour)
	if hours <= 0 {
		hours = 24
	}
	body, err := json.Marshal(CleanupPayload{RetentionHours: hours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

func decodePropagation(task *asynq.Task) (PropagationPayload, error) {
	var payload PropagationPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, err
	}
	if payload.SessionID == uuid.Nil {
		return payload, fmt.Errorf("session id required")
	}
	return payload, nil
}
