package sessions_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharepool/sharepool/internal/sessions"
	"github.com/sharepool/sharepool/internal/shared"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"period version", shared.NewConflictError("period", "x", "stale"), true},
		{"aborted period version", shared.NewTransactionAbortError("op", shared.NewConflictError("period", "x", "stale")), true},
		{"other conflict", shared.NewConflictError("ledger_entry", "x", "managed"), false},
		{"validation", shared.NewValidationError("amount", "bad"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sessions.IsTransient(tc.err))
		})
	}
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	policy := sessions.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	attempts, err := policy.Do(context.Background(), func(context.Context, int) error {
		calls++
		return shared.NewValidationError("amount", "bad")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyReturnsLastError(t *testing.T) {
	policy := sessions.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	var seen []int
	attempts, err := policy.Do(context.Background(), func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		return &pgconn.PgError{Code: "40001", Message: fmt.Sprintf("attempt %d", attempt)}
	})
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "attempt 3", pgErr.Message)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestRetryPolicyHonoursCancellation(t *testing.T) {
	policy := sessions.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := policy.Do(ctx, func(context.Context, int) error {
		cancel()
		return &pgconn.PgError{Code: "40001"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, sessions.IsTransient(err))
}

func TestRetryPolicyDefaults(t *testing.T) {
	calls := 0
	attempts, err := sessions.RetryPolicy{BaseDelay: time.Microsecond, MaxDelay: time.Microsecond}.Do(context.Background(), func(context.Context, int) error {
		calls++
		return shared.NewConflictError("period", "x", "stale")
	})
	require.Error(t, err)
	assert.Equal(t, sessions.DefaultRetryPolicy.MaxAttempts, attempts)
	assert.Equal(t, sessions.DefaultRetryPolicy.MaxAttempts, calls)
}
