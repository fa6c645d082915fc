package ledger

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sharepool/sharepool/internal/shared"
)

// TxStore is the ledger view of an open transaction.
type TxStore interface {
	UpsertMirror(ctx context.Context, in MirrorInput) (UpsertOutcome, error)
	PruneMirrors(ctx context.Context, ref PeriodRef, keep []uuid.UUID) (int, error)
	// Savepoint runs fn in a nested transaction; a failure rolls back only fn.
	Savepoint(ctx context.Context, fn func(context.Context, TxStore) error) error
}

var mirrorNamespace = uuid.MustParse("6f1c2a4e-3d51-4a87-9c0e-1b7d2f8a9e33")

// MirrorEntryID derives the ledger entry id of an allocation. The same
// allocation always maps to the same entry.
func MirrorEntryID(allocationID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(mirrorNamespace, allocationID[:])
}

// Mirror projects allocations into personal ledgers.
type Mirror struct {
	logger *slog.Logger
}

// NewMirror constructs the mirror.
func NewMirror(logger *slog.Logger) *Mirror {
	return &Mirror{logger: logger}
}

// Apply upserts one entry per input and prunes entries of the period whose
// allocation no longer exists. A failed upsert is rolled back to its savepoint
// and counted; it never aborts the surrounding transaction.
func (m *Mirror) Apply(ctx context.Context, store TxStore, ref PeriodRef, inputs []MirrorInput) MirrorSummary {
	var summary MirrorSummary
	keep := make([]uuid.UUID, 0, len(inputs))
	for _, in := range inputs {
		keep = append(keep, in.Source.AllocationID)
		var outcome UpsertOutcome
		err := store.Savepoint(ctx, func(ctx context.Context, sp TxStore) error {
			var err error
			outcome, err = sp.UpsertMirror(ctx, in)
			return err
		})
		if err != nil {
			summary.Failed++
			syncErr := &shared.SyncError{AllocationID: in.Source.AllocationID.String(), OwnerID: in.OwnerID, Err: err}
			summary.Errors = append(summary.Errors, syncErr)
			m.log().Warn("mirror upsert failed",
				slog.String("session_id", ref.SessionID.String()),
				slog.String("period", ref.Period.String()),
				slog.String("owner_id", in.OwnerID),
				slog.Any("error", err))
			continue
		}
		switch outcome {
		case OutcomeCreated:
			summary.Created++
		case OutcomeUpdated:
			summary.Updated++
		default:
			summary.Skipped++
		}
	}
	err := store.Savepoint(ctx, func(ctx context.Context, sp TxStore) error {
		n, err := sp.PruneMirrors(ctx, ref, keep)
		summary.Pruned = n
		return err
	})
	if err != nil {
		summary.PruneError = err
		m.log().Warn("mirror prune failed",
			slog.String("session_id", ref.SessionID.String()),
			slog.String("period", ref.Period.String()),
			slog.Any("error", err))
	}
	return summary
}

func (m *Mirror) log() *slog.Logger {
	if m == nil || m.logger == nil {
		return slog.Default()
	}
	return m.logger
}
