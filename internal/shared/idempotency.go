package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrIdempotencyConflict indicates a duplicate key.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

const claimIdempotencyKey = `
INSERT INTO idempotency_keys (module, key, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (module, key) DO NOTHING`

// IdempotencyStore records processed request keys, scoped per module.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// CheckAndInsert claims key for module. A key that was already claimed
// returns ErrIdempotencyConflict.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil || s.pool == nil {
		return errors.New("idempotency store not initialised")
	}
	if err := checkKey(key, module); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, claimIdempotencyKey, module, key, s.now())
	if err != nil {
		return fmt.Errorf("shared: claim idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Delete releases a claimed key so a failed request can be retried.
func (s *IdempotencyStore) Delete(ctx context.Context, key, module string) error {
	if s == nil || s.pool == nil {
		return nil
	}
	if err := checkKey(key, module); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE module = $1 AND key = $2`, module, key); err != nil {
		return fmt.Errorf("shared: release idempotency key: %w", err)
	}
	return nil
}

// Cleanup removes keys older than the retention window.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if s == nil || s.pool == nil {
		return nil
	}
	if olderThan <= 0 {
		return NewValidationError("retention", "retention must be positive")
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, s.now().Add(-olderThan)); err != nil {
		return fmt.Errorf("shared: cleanup idempotency keys: %w", err)
	}
	return nil
}

func checkKey(key, module string) error {
	if key == "" {
		return NewValidationError("idempotency_key", "idempotency key required")
	}
	if module == "" {
		return NewValidationError("module", "idempotency module required")
	}
	if len(key) > 128 {
		return NewValidationError("idempotency_key", "idempotency key must be at most 128 characters")
	}
	return nil
}
