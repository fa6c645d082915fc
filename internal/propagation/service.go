package propagation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/sharepool/sharepool/internal/platform/cache"
	"github.com/sharepool/sharepool/internal/sessions"
	"github.com/sharepool/sharepool/internal/shared"
)

// ErrAlreadyRunning reports that another run holds the session lock.
var ErrAlreadyRunning = errors.New("propagation already running")

// Locker takes the per-session run lock.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*cache.Lock, error)
}

// Enqueuer schedules background propagation work.
type Enqueuer interface {
	EnqueuePropagationResume(ctx context.Context, sessionID uuid.UUID) error
	EnqueuePropagation(ctx context.Context, sessionID uuid.UUID) error
}

// Recorder receives propagation counters.
type Recorder interface {
	RecordPropagation(created, skipped int, done bool)
}

// Config tunes propagation runs.
type Config struct {
	Horizon   int
	BatchSize int
	LockTTL   time.Duration
}

func (c Config) normalized() Config {
	if c.Horizon < MinHorizon || c.Horizon > MaxHorizon {
		c.Horizon = 6
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	return c
}

// Service extends recurring sessions.
type Service struct {
	repo     RepositoryPort
	sync     *sessions.SyncService
	locker   Locker
	enqueuer Enqueuer
	recorder Recorder
	cfg      Config
	group    singleflight.Group
	now      func() time.Time
	logger   *slog.Logger
}

// NewService constructs the propagation service. locker, enqueuer and recorder may be nil.
func NewService(repo RepositoryPort, sync *sessions.SyncService, locker Locker, enqueuer Enqueuer, recorder Recorder, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		sync:     sync,
		locker:   locker,
		enqueuer: enqueuer,
		recorder: recorder,
		cfg:      cfg.normalized(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Propagate plans the months between the latest period and the current month
// plus horizon and creates the first batch. horizon 0 uses the session's own.
func (s *Service) Propagate(ctx context.Context, sessionID uuid.UUID, horizon int) (Result, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if !session.Recurring {
		return Result{}, shared.NewValidationError("recurring", "session "+sessionID.String()+" is not recurring")
	}
	if horizon == 0 {
		horizon = session.HorizonMonths
	}
	if horizon == 0 {
		horizon = s.cfg.Horizon
	}
	if horizon < MinHorizon || horizon > MaxHorizon {
		return Result{}, shared.NewValidationError("horizon", fmt.Sprintf("horizon must be between %d and %d, got %d", MinHorizon, MaxHorizon, horizon))
	}

	release, err := s.lock(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	current := shared.YearMonthOf(s.now())
	var cp Checkpoint
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		latest, err := tx.LatestPeriod(ctx, sessionID)
		if err != nil {
			return err
		}
		start := current.Prev()
		if latest != nil {
			start = latest.Next()
		}
		cp = Checkpoint{
			SessionID: sessionID,
			Next:      start,
			Target:    current.AddMonths(horizon),
			Horizon:   horizon,
			Status:    StatusRunning,
			UpdatedAt: s.now(),
		}
		if !cp.Remaining() {
			cp.Status = StatusDone
		}
		return tx.SaveCheckpoint(ctx, cp)
	})
	if err != nil {
		return Result{}, err
	}
	s.log().Info("propagation planned",
		slog.String("session_id", sessionID.String()),
		slog.String("next", cp.Next.String()),
		slog.String("target", cp.Target.String()),
		slog.Int("horizon", horizon))
	return s.run(ctx, session, cp)
}

// Resume continues a pending run from its checkpoint.
func (s *Service) Resume(ctx context.Context, sessionID uuid.UUID) (Result, error) {
	cp, err := s.repo.LoadCheckpoint(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if cp == nil || cp.Status == StatusDone || cp.Status == StatusCancelled {
		return Result{SessionID: sessionID}, nil
	}
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	release, err := s.lock(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	defer release()
	return s.run(ctx, session, *cp)
}

// Cancel stops a pending or running propagation. Committed periods stay.
func (s *Service) Cancel(ctx context.Context, sessionID uuid.UUID) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cp, err := tx.LoadCheckpoint(ctx, sessionID)
		if err != nil {
			return err
		}
		if cp == nil {
			return errCheckpointNotFound(sessionID)
		}
		if cp.Status == StatusDone || cp.Status == StatusCancelled {
			return nil
		}
		cp.Status = StatusCancelled
		cp.UpdatedAt = s.now()
		return tx.SaveCheckpoint(ctx, *cp)
	})
	if err != nil {
		return err
	}
	s.log().Info("propagation cancelled", slog.String("session_id", sessionID.String()))
	return nil
}

// PropagateOnAccess extends a session when it is read. Concurrent triggers
// for one session share a single run and a held lock is not an error.
func (s *Service) PropagateOnAccess(ctx context.Context, sessionID uuid.UUID) (Result, error) {
	ch := s.group.DoChan(sessionID.String(), func() (any, error) {
		return s.Propagate(context.WithoutCancel(ctx), sessionID, 0)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if errors.Is(res.Err, ErrAlreadyRunning) {
			return Result{SessionID: sessionID}, nil
		}
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	}
}

// Sweep queues a propagation for every recurring session.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	if s.enqueuer == nil {
		return 0, errors.New("propagation: enqueuer not configured")
	}
	list, err := s.repo.ListRecurringSessions(ctx)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, session := range list {
		if err := s.enqueuer.EnqueuePropagation(ctx, session.ID); err != nil {
			s.log().Warn("enqueue propagation", slog.String("session_id", session.ID.String()), slog.Any("error", err))
			continue
		}
		queued++
	}
	return queued, nil
}

// run creates up to one batch of periods, each in its own transaction, and
// hands the rest to the queue.
func (s *Service) run(ctx context.Context, session sessions.Session, cp Checkpoint) (Result, error) {
	result := Result{SessionID: session.ID}
	for i := 0; i < s.cfg.BatchSize && cp.Remaining() && cp.Status != StatusCancelled; i++ {
		next, created, summary, err := s.step(ctx, session, cp)
		if err != nil {
			s.fail(ctx, cp, err)
			return result, err
		}
		if next.Status == StatusCancelled {
			cp = next
			break
		}
		if created {
			result.Created = append(result.Created, cp.Next)
			result.Summaries = append(result.Summaries, summary)
			s.sync.Announce(ctx, summary)
		} else {
			result.Skipped = append(result.Skipped, cp.Next)
		}
		cp = next
	}

	done := !cp.Remaining() || cp.Status == StatusCancelled
	if !done {
		cp.Status = StatusPending
		cp.UpdatedAt = s.now()
		if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.SaveCheckpoint(ctx, cp)
		}); err != nil {
			return result, err
		}
		pending := cp
		result.Checkpoint = &pending
		if s.enqueuer != nil {
			if err := s.enqueuer.EnqueuePropagationResume(ctx, session.ID); err != nil {
				// the checkpoint is durable; the next sweep resumes it
				s.log().Warn("enqueue propagation resume", slog.String("session_id", session.ID.String()), slog.Any("error", err))
			}
		}
	}
	if s.recorder != nil {
		s.recorder.RecordPropagation(len(result.Created), len(result.Skipped), done)
	}
	s.log().Info("propagation batch finished",
		slog.String("session_id", session.ID.String()),
		slog.Int("created", len(result.Created)),
		slog.Int("skipped", len(result.Skipped)),
		slog.String("status", string(cp.Status)),
		slog.String("next", cp.Next.String()))
	return result, nil
}

// step creates the checkpoint's next period, copies the recurring expenses of
// the month before it, syncs it and advances the checkpoint atomically.
func (s *Service) step(ctx context.Context, session sessions.Session, cp Checkpoint) (Checkpoint, bool, sessions.SyncSummary, error) {
	var (
		next    Checkpoint
		created bool
		summary sessions.SyncSummary
	)
	period := cp.Next
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		stored, err := tx.LoadCheckpoint(ctx, session.ID)
		if err != nil {
			return err
		}
		if stored != nil && stored.Status == StatusCancelled {
			next = *stored
			return nil
		}
		next = cp
		next.Next = period.Next()
		next.LastError = ""
		next.UpdatedAt = s.now()
		if !next.Remaining() {
			next.Status = StatusDone
		}

		created, err = tx.EnsurePeriod(ctx, session.ID, period)
		if err != nil {
			return err
		}
		if !created {
			return tx.SaveCheckpoint(ctx, next)
		}
		if err := copyRecurring(ctx, tx, session.ID, period); err != nil {
			return err
		}
		summary, err = s.sync.SyncInTx(ctx, tx, session, period, sessions.MirrorLenient)
		if err != nil {
			return err
		}
		next.Created = append(append([]shared.YearMonth(nil), cp.Created...), period)
		return tx.SaveCheckpoint(ctx, next)
	})
	if err != nil {
		return cp, false, sessions.SyncSummary{}, fmt.Errorf("propagate %s: %w", period, err)
	}
	return next, created, summary, nil
}

// copyRecurring copies the recurring expenses of the previous month into
// period, moving each date forward one month.
func copyRecurring(ctx context.Context, tx TxRepository, sessionID uuid.UUID, period shared.YearMonth) error {
	source, err := tx.ListPeriodExpenses(ctx, sessionID, period.Prev())
	if err != nil {
		return err
	}
	for _, e := range source {
		if !e.Recurring {
			continue
		}
		from := e.ID
		copied := e
		copied.ID = uuid.New()
		copied.Period = period
		copied.Date = shared.ShiftDateOneMonth(e.Date)
		copied.CopiedFrom = &from
		if err := tx.InsertExpense(ctx, copied); err != nil {
			return err
		}
	}
	return nil
}

// fail stores the error on the checkpoint so a resume can report it.
func (s *Service) fail(ctx context.Context, cp Checkpoint, cause error) {
	cp.Status = StatusPending
	cp.LastError = cause.Error()
	cp.UpdatedAt = s.now()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SaveCheckpoint(ctx, cp)
	})
	s.log().Error("propagation step failed",
		slog.String("session_id", cp.SessionID.String()),
		slog.String("period", cp.Next.String()),
		slog.Any("error", cause))
	if err != nil {
		s.log().Warn("save failed checkpoint", slog.Any("error", err))
	}
}

func (s *Service) lock(ctx context.Context, sessionID uuid.UUID) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	lock, err := s.locker.Acquire(ctx, shared.PropagationLockKey(sessionID.String()), s.cfg.LockTTL)
	if errors.Is(err, cache.ErrLockHeld) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrAlreadyRunning)
	}
	if err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.log().Warn("release propagation lock", slog.String("session_id", sessionID.String()), slog.Any("error", err))
		}
	}, nil
}

func (s *Service) log() *slog.Logger {
	if s == nil || s.logger == nil {
		return slog.Default()
	}
	return s.logger
}
