package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/sharepool/sharepool/internal/events"
	"github.com/sharepool/sharepool/internal/ledger"
	"github.com/sharepool/sharepool/internal/observability"
	"github.com/sharepool/sharepool/internal/platform/cache"
	"github.com/sharepool/sharepool/internal/platform/db"
	"github.com/sharepool/sharepool/internal/propagation"
	"github.com/sharepool/sharepool/internal/sessions"
	"github.com/sharepool/sharepool/internal/shared"
	"github.com/sharepool/sharepool/jobs"
)

// Services holds the wired domain services shared by the binaries.
type Services struct {
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Metrics     *observability.Metrics
	Jobs        *jobs.Client
	Idempotency *shared.IdempotencyStore
	Ledger      *ledger.Service
	Sync        *sessions.SyncService
	Sessions    *sessions.Service
	Propagation *propagation.Service

	closers []func() error
}

// NewServices connects the backing stores and builds every service.
func NewServices(ctx context.Context, cfg *Config, logger *slog.Logger) (*Services, error) {
	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.PGDSN); err != nil {
			return nil, err
		}
		logger.Info("migrations applied")
	}

	s := &Services{Metrics: observability.NewMetrics()}
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{})
	if err != nil {
		return nil, err
	}
	s.Pool = pool
	s.closers = append(s.closers, func() error { pool.Close(); return nil })

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Redis = redisClient
	s.closers = append(s.closers, redisClient.Close)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("app: job client: %w", err)
	}
	s.Jobs = jobClient
	s.closers = append(s.closers, jobClient.Close)

	var publisher sessions.Publisher
	if cfg.AMQPURL != "" {
		p, err := events.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		publisher = p
		s.closers = append(s.closers, p.Close)
	} else {
		logger.Warn("AMQP_URL not set, domain events are disabled")
	}

	s.Idempotency = shared.NewIdempotencyStore(pool)
	s.Ledger = ledger.NewService(ledger.NewRepository(pool), logger)

	sessionRepo := sessions.NewRepository(pool)
	s.Sync = sessions.NewSyncService(sessionRepo, ledger.NewMirror(logger), publisher, s.Metrics, logger)
	retry := sessions.RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay}
	s.Sessions = sessions.NewService(sessionRepo, s.Sync, retry, shared.NewAuditLogger(pool), s.Metrics, logger)

	s.Propagation = propagation.NewService(
		propagation.NewRepository(pool),
		s.Sync,
		cache.NewLocker(redisClient),
		jobClient,
		s.Metrics,
		propagation.Config{
			Horizon:   cfg.PropagationHorizon,
			BatchSize: cfg.PropagationBatchSize,
			LockTTL:   cfg.PropagationLockTTL,
		},
		logger,
	)
	return s, nil
}

// AccessHook extends recurring sessions when they are read. Failures are
// logged and never fail the read.
func (s *Services) AccessHook(logger *slog.Logger) sessions.AccessHook {
	return func(ctx context.Context, sessionID uuid.UUID) {
		_, err := s.Propagation.PropagateOnAccess(ctx, sessionID)
		if err == nil || errors.Is(err, shared.ErrValidation) || errors.Is(err, shared.ErrNotFound) {
			return
		}
		logger.Warn("propagate on access", slog.String("session_id", sessionID.String()), slog.Any("error", err))
	}
}

// Close releases resources in reverse order of acquisition.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Default().Warn("close resource", slog.Any("error", err))
		}
	}
	s.closers = nil
}
