package propagation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sharepool/sharepool/internal/platform/db"
	"github.com/sharepool/sharepool/internal/sessions"
	"github.com/sharepool/sharepool/internal/shared"
)

// RepositoryPort exposes propagation persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSession(ctx context.Context, id uuid.UUID) (sessions.Session, error)
	ListRecurringSessions(ctx context.Context) ([]sessions.Session, error)
	LoadCheckpoint(ctx context.Context, sessionID uuid.UUID) (*Checkpoint, error)
}

// TxRepository is the session transaction plus checkpoint storage.
type TxRepository interface {
	sessions.TxRepository
	// LoadCheckpoint returns nil when the session never propagated.
	LoadCheckpoint(ctx context.Context, sessionID uuid.UUID) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Repository is the postgres implementation of RepositoryPort.
type Repository struct {
	pool     *pgxpool.Pool
	sessions *sessions.Repository
}

// NewRepository constructs the propagation repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, sessions: sessions.NewRepository(pool)}
}

var _ RepositoryPort = (*Repository)(nil)

// WithTx runs fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{TxRepository: sessions.NewTxRepository(tx), tx: tx})
	})
}

func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (sessions.Session, error) {
	return r.sessions.GetSession(ctx, id)
}

func (r *Repository) ListRecurringSessions(ctx context.Context) ([]sessions.Session, error) {
	return r.sessions.ListRecurringSessions(ctx)
}

func (r *Repository) LoadCheckpoint(ctx context.Context, sessionID uuid.UUID) (*Checkpoint, error) {
	return loadCheckpoint(ctx, r.pool.QueryRow(ctx, checkpointQuery, sessionID))
}

type txRepository struct {
	sessions.TxRepository
	tx pgx.Tx
}

const checkpointQuery = `
SELECT session_id, next_year, next_month, target_year, target_month, horizon, status, created, last_error, updated_at
FROM propagation_jobs WHERE session_id = $1`

func (t *txRepository) LoadCheckpoint(ctx context.Context, sessionID uuid.UUID) (*Checkpoint, error) {
	return loadCheckpoint(ctx, t.tx.QueryRow(ctx, checkpointQuery+` FOR UPDATE`, sessionID))
}

func (t *txRepository) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	created, err := json.Marshal(cp.Created)
	if err != nil {
		return fmt.Errorf("encode created periods: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO propagation_jobs (session_id, next_year, next_month, target_year, target_month, horizon, status, created, last_error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
ON CONFLICT (session_id) DO UPDATE SET
	next_year = EXCLUDED.next_year,
	next_month = EXCLUDED.next_month,
	target_year = EXCLUDED.target_year,
	target_month = EXCLUDED.target_month,
	horizon = EXCLUDED.horizon,
	status = EXCLUDED.status,
	created = EXCLUDED.created,
	last_error = EXCLUDED.last_error,
	updated_at = NOW()`,
		cp.SessionID, cp.Next.Year, int(cp.Next.Month), cp.Target.Year, int(cp.Target.Month),
		cp.Horizon, string(cp.Status), created, cp.LastError)
	return err
}

func loadCheckpoint(_ context.Context, row pgx.Row) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		nextMonth int
		targetMon int
		status    string
		created   []byte
		updatedAt time.Time
	)
	err := row.Scan(&cp.SessionID, &cp.Next.Year, &nextMonth, &cp.Target.Year, &targetMon,
		&cp.Horizon, &status, &created, &cp.LastError, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.Next.Month = time.Month(nextMonth)
	cp.Target.Month = time.Month(targetMon)
	cp.Status = Status(status)
	cp.UpdatedAt = updatedAt
	if len(created) > 0 {
		if err := json.Unmarshal(created, &cp.Created); err != nil {
			return nil, fmt.Errorf("decode created periods: %w", err)
		}
	}
	return &cp, nil
}

func errCheckpointNotFound(sessionID uuid.UUID) error {
	return shared.NewNotFoundError("propagation", sessionID.String())
}
