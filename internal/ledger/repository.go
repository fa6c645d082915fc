package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sharepool/sharepool/internal/platform/db"
	"github.com/sharepool/sharepool/internal/shared"
)

// Repository reads and edits personal ledger entries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the ledger repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ RepositoryPort = (*Repository)(nil)

const entryColumns = `id, owner_id, amount::text, category, description, entry_date,
mirror_session_id, mirror_year, mirror_month, mirror_allocation_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e            Entry
		amount       string
		sessionID    *uuid.UUID
		year, month  *int
		allocationID *uuid.UUID
	)
	if err := row.Scan(&e.ID, &e.OwnerID, &amount, &e.Category, &e.Description, &e.Date,
		&sessionID, &year, &month, &allocationID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: parse amount: %w", err)
	}
	e.Amount = parsed
	if allocationID != nil && sessionID != nil && year != nil && month != nil {
		e.Source = &MirrorSource{
			SessionID:    *sessionID,
			Period:       shared.NewYearMonth(*year, time.Month(*month)),
			AllocationID: *allocationID,
		}
	}
	return e, nil
}

// GetEntry loads one entry.
func (r *Repository) GetEntry(ctx context.Context, id uuid.UUID) (Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE id = $1`
	entry, err := scanEntry(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, errEntryNotFound(id.String())
	}
	return entry, err
}

// ListEntries returns the owner's entries ordered by date.
func (r *Repository) ListEntries(ctx context.Context, ownerID string, period *shared.YearMonth) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE owner_id = $1`
	args := []any{ownerID}
	if period != nil {
		query += ` AND entry_date >= $2 AND entry_date <= $3`
		args = append(args, period.FirstDay(), period.LastDay())
	}
	query += ` ORDER BY entry_date, id`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// UpdateEntry patches an unmirrored entry.
func (r *Repository) UpdateEntry(ctx context.Context, id uuid.UUID, in UpdateInput) (Entry, error) {
	var amount *string
	if in.Amount != nil {
		v := in.Amount.StringFixed(2)
		amount = &v
	}
	query := `
UPDATE ledger_entries SET
	amount = COALESCE($2::numeric, amount),
	category = COALESCE($3, category),
	description = COALESCE($4, description),
	entry_date = COALESCE($5, entry_date),
	updated_at = NOW()
WHERE id = $1 AND mirror_allocation_id IS NULL
RETURNING ` + entryColumns
	entry, err := scanEntry(r.pool.QueryRow(ctx, query, id, amount, in.Category, in.Description, in.Date))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, r.missOrManaged(ctx, id)
	}
	return entry, err
}

// DeleteEntry removes an unmirrored entry.
func (r *Repository) DeleteEntry(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM ledger_entries WHERE id = $1 AND mirror_allocation_id IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrManaged(ctx, id)
	}
	return nil
}

func (r *Repository) missOrManaged(ctx context.Context, id uuid.UUID) error {
	var mirrored bool
	err := r.pool.QueryRow(ctx, `SELECT mirror_allocation_id IS NOT NULL FROM ledger_entries WHERE id = $1`, id).Scan(&mirrored)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return errEntryNotFound(id.String())
	case err != nil:
		return err
	case mirrored:
		return ErrMirrorManaged
	}
	return errEntryNotFound(id.String())
}

type txStore struct {
	tx pgx.Tx
}

// NewTxStore exposes mirror writes on an open transaction.
func NewTxStore(tx pgx.Tx) TxStore {
	return &txStore{tx: tx}
}

// UpsertMirror writes one mirror entry keyed by its source. Unchanged rows are
// not touched and come back as skipped.
func (s *txStore) UpsertMirror(ctx context.Context, in MirrorInput) (UpsertOutcome, error) {
	const query = `
INSERT INTO ledger_entries (id, owner_id, amount, category, description, entry_date,
	mirror_session_id, mirror_year, mirror_month, mirror_allocation_id, created_at, updated_at)
VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
ON CONFLICT (owner_id, mirror_session_id, mirror_year, mirror_month, mirror_allocation_id)
	WHERE mirror_allocation_id IS NOT NULL
DO UPDATE SET
	amount = EXCLUDED.amount,
	category = EXCLUDED.category,
	description = EXCLUDED.description,
	entry_date = EXCLUDED.entry_date,
	updated_at = NOW()
WHERE (ledger_entries.amount, ledger_entries.category, ledger_entries.description, ledger_entries.entry_date)
	IS DISTINCT FROM (EXCLUDED.amount, EXCLUDED.category, EXCLUDED.description, EXCLUDED.entry_date)
RETURNING (xmax = 0)`
	var inserted bool
	err := s.tx.QueryRow(ctx, query,
		in.EntryID, in.OwnerID, in.Amount.StringFixed(2), in.Category, in.Description, in.Date,
		in.Source.SessionID, in.Source.Period.Year, int(in.Source.Period.Month), in.Source.AllocationID,
	).Scan(&inserted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return OutcomeSkipped, nil
	case err != nil:
		return "", fmt.Errorf("ledger: upsert mirror %s: %w", in.EntryID, err)
	case inserted:
		return OutcomeCreated, nil
	}
	return OutcomeUpdated, nil
}

// PruneMirrors deletes mirror entries of the period whose allocation is not in keep.
func (s *txStore) PruneMirrors(ctx context.Context, ref PeriodRef, keep []uuid.UUID) (int, error) {
	ids := make([]string, len(keep))
	for i, id := range keep {
		ids[i] = id.String()
	}
	const query = `
DELETE FROM ledger_entries
WHERE mirror_session_id = $1 AND mirror_year = $2 AND mirror_month = $3
	AND NOT (mirror_allocation_id = ANY($4::uuid[]))`
	tag, err := s.tx.Exec(ctx, query, ref.SessionID, ref.Period.Year, int(ref.Period.Month), ids)
	if err != nil {
		return 0, fmt.Errorf("ledger: prune mirrors: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Savepoint runs fn inside a pgx nested transaction.
func (s *txStore) Savepoint(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithSavepoint(ctx, s.tx, func(nested pgx.Tx) error {
		return fn(ctx, &txStore{tx: nested})
	})
}
