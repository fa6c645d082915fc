package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/sharepool/sharepool/internal/jobs"
	"github.com/sharepool/sharepool/internal/propagation"
	"github.com/sharepool/sharepool/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// PropagationService is the propagation behaviour the worker drives.
type PropagationService interface {
	Propagate(ctx context.Context, sessionID uuid.UUID, horizon int) (propagation.Result, error)
	Resume(ctx context.Context, sessionID uuid.UUID) (propagation.Result, error)
	Sweep(ctx context.Context) (int, error)
}

// PropagationJob handles run, resume and sweep tasks.
type PropagationJob struct {
	Service PropagationService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPropagationJob constructs the job handler.
func NewPropagationJob(service PropagationService, logger *slog.Logger, metrics *jobmetrics.Metrics) *PropagationJob {
	return &PropagationJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handlers returns the task registrations served by this job.
func (j *PropagationJob) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskPropagationRun, Handler: j.HandleRun},
		{Type: TaskPropagationResume, Handler: j.HandleResume},
		{Type: TaskPropagationSweep, Handler: j.HandleSweep},
	}
}

// HandleRun starts a propagation with the session's own horizon.
func (j *PropagationJob) HandleRun(ctx context.Context, task *asynq.Task) error {
	return j.handle(ctx, task, TaskPropagationRun, func(ctx context.Context, id uuid.UUID) (propagation.Result, error) {
		return j.Service.Propagate(ctx, id, 0)
	})
}

// HandleResume continues from the stored checkpoint.
func (j *PropagationJob) HandleResume(ctx context.Context, task *asynq.Task) error {
	return j.handle(ctx, task, TaskPropagationResume, j.Service.Resume)
}

func (j *PropagationJob) handle(ctx context.Context, task *asynq.Task, name string, run func(context.Context, uuid.UUID) (propagation.Result, error)) error {
	if j == nil || j.Service == nil {
		return errors.New("propagation job: service not configured")
	}
	payload, err := decodePropagation(task)
	if err != nil {
		j.log(name).Warn("invalid payload", slog.Any("error", err))
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(name)
	result, err := run(ctx, payload.SessionID)
	switch {
	case errors.Is(err, propagation.ErrAlreadyRunning):
		// the holder re-queues its own remainder
		j.log(name).Info("propagation already running", slog.String("session_id", payload.SessionID.String()))
		return tracker.End(nil)
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrValidation):
		j.log(name).Warn("propagation rejected", slog.String("session_id", payload.SessionID.String()), slog.Any("error", err))
		_ = tracker.End(err)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	case err != nil:
		j.log(name).Error("propagation failed", slog.String("session_id", payload.SessionID.String()), slog.Any("error", err))
		return tracker.End(err)
	}

	j.log(name).Info("propagation batch finished",
		slog.String("session_id", payload.SessionID.String()),
		slog.Int("created", len(result.Created)),
		slog.Int("skipped", len(result.Skipped)),
		slog.Bool("done", result.Done()))
	return tracker.End(nil)
}

// HandleSweep queues a run for every recurring session.
func (j *PropagationJob) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("propagation job: service not configured")
	}
	tracker := j.metrics().Track(TaskPropagationSweep)
	queued, err := j.Service.Sweep(ctx)
	if err != nil {
		j.log(TaskPropagationSweep).Error("sweep", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics().AddQueued(TaskPropagationSweep, queued)
	j.log(TaskPropagationSweep).Info("sweep queued sessions", slog.Int("sessions", queued))
	return tracker.End(nil)
}

func (j *PropagationJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PropagationJob) log(name string) *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", name))
	}
	return slog.Default().With(slog.String("job", name))
}
