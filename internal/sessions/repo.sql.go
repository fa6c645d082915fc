package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sharepool/sharepool/internal/ledger"
	"github.com/sharepool/sharepool/internal/platform/db"
	"github.com/sharepool/sharepool/internal/shared"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the postgres implementation of RepositoryPort.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ RepositoryPort = (*Repository)(nil)
	_ TxRepository   = (*txRepository)(nil)
)

// WithTx runs fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// GetSession loads one session.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	return getSession(ctx, r.pool, id)
}

// ListRecurringSessions returns every session that propagates monthly.
func (r *Repository) ListRecurringSessions(ctx context.Context) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE recurring ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListParticipants returns participants ordered by position.
func (r *Repository) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]Participant, error) {
	return listParticipants(ctx, r.pool, sessionID)
}

// ListAllocations returns the allocations of the inclusive period range.
func (r *Repository) ListAllocations(ctx context.Context, sessionID uuid.UUID, from, to shared.YearMonth) ([]Allocation, error) {
	return listAllocations(ctx, r.pool, sessionID, from, to)
}

// ListExpenses returns the expenses of the inclusive period range.
func (r *Repository) ListExpenses(ctx context.Context, sessionID uuid.UUID, from, to shared.YearMonth) ([]Expense, error) {
	return listRangeExpenses(ctx, r.pool, sessionID, from, to)
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository wraps an open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

func (t *txRepository) Ledger() ledger.TxStore {
	return ledger.NewTxStore(t.tx)
}

func (t *txRepository) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	return getSession(ctx, t.tx, id)
}

func (t *txRepository) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]Participant, error) {
	return listParticipants(ctx, t.tx, sessionID)
}

func (t *txRepository) ListAllocations(ctx context.Context, sessionID uuid.UUID, from, to shared.YearMonth) ([]Allocation, error) {
	return listAllocations(ctx, t.tx, sessionID, from, to)
}

func (t *txRepository) ListExpenses(ctx context.Context, sessionID uuid.UUID, from, to shared.YearMonth) ([]Expense, error) {
	return listRangeExpenses(ctx, t.tx, sessionID, from, to)
}

func (t *txRepository) EffectiveDistribution(ctx context.Context, sessionID uuid.UUID, period shared.YearMonth) ([]Distribution, error) {
	const query = `
SELECT year, month, participant_id, percentage
FROM distributions
WHERE session_id = $1 AND (year * 12 + month) = (
	SELECT MAX(year * 12 + month) FROM distributions
	WHERE session_id = $1 AND (year * 12 + month) <= $2
)
ORDER BY participant_id`
	rows, err := t.tx.Query(ctx, query, sessionID, monthIndex(period))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Distribution
	for rows.Next() {
		var (
			d           Distribution
			year, month int
		)
		if err := rows.Scan(&year, &month, &d.ParticipantID, &d.Percentage); err != nil {
			return nil, err
		}
		d.SessionID = sessionID
		d.Period = shared.NewYearMonth(year, time.Month(month))
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *txRepository) ReplaceDistribution(ctx context.Context, sessionID uuid.UUID, from shared.YearMonth, rows []Distribution) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM distributions WHERE session_id = $1 AND (year * 12 + month) >= $2`,
		sessionID, monthIndex(from)); err != nil {
		return fmt.Errorf("sessions: clear distribution: %w", err)
	}
	batch := &pgx.Batch{}
	for _, d := range rows {
		batch.Queue(`INSERT INTO distributions (session_id, year, month, participant_id, percentage) VALUES ($1, $2, $3, $4, $5)`,
			sessionID, from.Year, int(from.Month), d.ParticipantID, d.Percentage)
	}
	return execBatch(ctx, t.tx, batch, "insert distribution")
}

func (t *txRepository) EnsurePeriod(ctx context.Context, sessionID uuid.UUID, period shared.YearMonth) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
INSERT INTO periods (session_id, year, month, total_amount, version, created_at)
VALUES ($1, $2, $3, 0, 0, NOW())
ON CONFLICT (session_id, year, month) DO NOTHING`, sessionID, period.Year, int(period.Month))
	if err != nil {
		return false, fmt.Errorf("sessions: ensure period: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepository) LockPeriod(ctx context.Context, sessionID uuid.UUID, period shared.YearMonth) (Period, error) {
	const query = `
SELECT total_amount::text, version, created_at
FROM periods
WHERE session_id = $1 AND year = $2 AND month = $3
FOR UPDATE`
	p := Period{SessionID: sessionID, Period: period}
	err := t.tx.QueryRow(ctx, query, sessionID, period.Year, int(period.Month)).Scan(&p.TotalAmount, &p.Version, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, errPeriodNotFound(sessionID.String(), period)
	}
	return p, err
}

func (t *txRepository) SavePeriodTotal(ctx context.Context, p Period, expectedVersion int64) (Period, error) {
	const query = `
UPDATE periods SET total_amount = $4::numeric, version = version + 1
WHERE session_id = $1 AND year = $2 AND month = $3 AND version = $5
RETURNING version`
	err := t.tx.QueryRow(ctx, query, p.SessionID, p.Period.Year, int(p.Period.Month),
		p.TotalAmount.StringFixed(2), expectedVersion).Scan(&p.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, errVersionConflict(p.SessionID.String(), p.Period, expectedVersion)
	}
	return p, err
}

func (t *txRepository) LatestPeriod(ctx context.Context, sessionID uuid.UUID) (*shared.YearMonth, error) {
	var year, month int
	err := t.tx.QueryRow(ctx, `
SELECT year, month FROM periods WHERE session_id = $1
ORDER BY year DESC, month DESC LIMIT 1`, sessionID).Scan(&year, &month)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ym := shared.NewYearMonth(year, time.Month(month))
	return &ym, nil
}

func (t *txRepository) ListPeriodsFrom(ctx context.Context, sessionID uuid.UUID, from shared.YearMonth) ([]shared.YearMonth, error) {
	rows, err := t.tx.Query(ctx, `
SELECT year, month FROM periods
WHERE session_id = $1 AND (year * 12 + month) >= $2
ORDER BY year, month`, sessionID, monthIndex(from))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []shared.YearMonth
	for rows.Next() {
		var year, month int
		if err := rows.Scan(&year, &month); err != nil {
			return nil, err
		}
		out = append(out, shared.NewYearMonth(year, time.Month(month)))
	}
	return out, rows.Err()
}

// DeletePeriod removes the period; expenses, allocations and mirror entries cascade.
func (t *txRepository) DeletePeriod(ctx context.Context, sessionID uuid.UUID, period shared.YearMonth) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM periods WHERE session_id = $1 AND year = $2 AND month = $3`,
		sessionID, period.Year, int(period.Month))
	if err != nil {
		return fmt.Errorf("sessions: delete period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errPeriodNotFound(sessionID.String(), period)
	}
	return nil
}

func (t *txRepository) ListPeriodExpenses(ctx context.Context, sessionID uuid.UUID, period shared.YearMonth) ([]Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses
WHERE session_id = $1 AND year = $2 AND month = $3
ORDER BY expense_date, id`
	return listExpenses(ctx, t.tx, query, sessionID, period.Year, int(period.Month))
}

func (t *txRepository) GetExpense(ctx context.Context, sessionID, expenseID uuid.UUID) (Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE session_id = $1 AND id = $2`
	e, err := scanExpense(t.tx.QueryRow(ctx, query, sessionID, expenseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Expense{}, errExpenseNotFound(expenseID.String())
	}
	return e, err
}

// InsertExpense stores the expense. A copy already made from the same source is ignored.
func (t *txRepository) InsertExpense(ctx context.Context, e Expense) error {
	const query = `
INSERT INTO expenses (id, session_id, year, month, amount, category, description, expense_date, recurring, payer_id, copied_from)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11)
ON CONFLICT (session_id, year, month, copied_from) WHERE copied_from IS NOT NULL DO NOTHING`
	_, err := t.tx.Exec(ctx, query, e.ID, e.SessionID, e.Period.Year, int(e.Period.Month), e.Amount.StringFixed(2),
		e.Category, e.Description, e.Date, e.Recurring, e.PayerID, e.CopiedFrom)
	if err != nil {
		return fmt.Errorf("sessions: insert expense: %w", err)
	}
	return nil
}

func (t *txRepository) DeleteExpense(ctx context.Context, sessionID, expenseID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM expenses WHERE session_id = $1 AND id = $2`, sessionID, expenseID)
	if err != nil {
		return fmt.Errorf("sessions: delete expense: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errExpenseNotFound(expenseID.String())
	}
	return nil
}

func (t *txRepository) ReplaceAllocations(ctx context.Context, sessionID uuid.UUID, period shared.YearMonth, allocs []Allocation) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM allocations WHERE session_id = $1 AND year = $2 AND month = $3`,
		sessionID, period.Year, int(period.Month)); err != nil {
		return fmt.Errorf("sessions: clear allocations: %w", err)
	}
	batch := &pgx.Batch{}
	for _, a := range allocs {
		breakdown, err := json.Marshal(a.Breakdown)
		if err != nil {
			return fmt.Errorf("sessions: encode breakdown: %w", err)
		}
		batch.Queue(`
INSERT INTO allocations (session_id, year, month, participant_id, id, percentage, amount, total_amount, breakdown, mirror_entry_id, status)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11)`,
			sessionID, period.Year, int(period.Month), a.ParticipantID, a.ID, a.Percentage,
			a.Amount.StringFixed(2), a.TotalAmount.StringFixed(2), breakdown, a.MirrorEntryID, string(a.Status))
	}
	return execBatch(ctx, t.tx, batch, "insert allocation")
}

const sessionColumns = `id, name, currency, recurring, horizon_months, created_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.Name, &s.Currency, &s.Recurring, &s.HorizonMonths, &s.CreatedAt)
	return s, err
}

func getSession(ctx context.Context, q querier, id uuid.UUID) (Session, error) {
	s, err := scanSession(q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, errSessionNotFound(id.String())
	}
	return s, err
}

func listParticipants(ctx context.Context, q querier, sessionID uuid.UUID) ([]Participant, error) {
	rows, err := q.Query(ctx, `
SELECT user_id, role, status, position FROM participants
WHERE session_id = $1 ORDER BY position, user_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Participant
	for rows.Next() {
		p := Participant{SessionID: sessionID}
		if err := rows.Scan(&p.UserID, &p.Role, &p.Status, &p.Position); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const expenseColumns = `id, session_id, year, month, amount::text, category, description, expense_date, recurring, payer_id, copied_from`

func listAllocations(ctx context.Context, q querier, sessionID uuid.UUID, from, to shared.YearMonth) ([]Allocation, error) {
	const query = `
SELECT id, session_id, year, month, participant_id, percentage, amount::text, total_amount::text,
	breakdown, mirror_entry_id, status
FROM allocations
WHERE session_id = $1 AND (year * 12 + month) BETWEEN $2 AND $3
ORDER BY year, month, participant_id`
	rows, err := q.Query(ctx, query, sessionID, monthIndex(from), monthIndex(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Allocation
	for rows.Next() {
		var (
			a           Allocation
			year, month int
			breakdown   []byte
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &year, &month, &a.ParticipantID, &a.Percentage,
			&a.Amount, &a.TotalAmount, &breakdown, &a.MirrorEntryID, &a.Status); err != nil {
			return nil, err
		}
		a.Period = shared.NewYearMonth(year, time.Month(month))
		if err := json.Unmarshal(breakdown, &a.Breakdown); err != nil {
			return nil, fmt.Errorf("sessions: decode breakdown: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func listRangeExpenses(ctx context.Context, q querier, sessionID uuid.UUID, from, to shared.YearMonth) ([]Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses
WHERE session_id = $1 AND (year * 12 + month) BETWEEN $2 AND $3
ORDER BY year, month, expense_date, id`
	return listExpenses(ctx, q, query, sessionID, monthIndex(from), monthIndex(to))
}

func scanExpense(row pgx.Row) (Expense, error) {
	var (
		e           Expense
		year, month int
	)
	if err := row.Scan(&e.ID, &e.SessionID, &year, &month, &e.Amount, &e.Category, &e.Description,
		&e.Date, &e.Recurring, &e.PayerID, &e.CopiedFrom); err != nil {
		return Expense{}, err
	}
	e.Period = shared.NewYearMonth(year, time.Month(month))
	return e, nil
}

func listExpenses(ctx context.Context, q querier, query string, args ...any) ([]Expense, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, op string) error {
	if batch.Len() == 0 {
		return nil
	}
	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("sessions: %s: %w", op, err)
		}
	}
	return results.Close()
}

func monthIndex(ym shared.YearMonth) int {
	return ym.Year*12 + int(ym.Month)
}

