package sessions

import (
	"context"

	"github.com/google/uuid"

	"github.com/sharepool/sharepool/internal/ledger"
	"github.com/sharepool/sharepool/internal/shared"
)

// RepositoryPort exposes session persistence outside transactions.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSession(ctx context.Context, id uuid.UUID) (Session, error)
	ListRecurringSessions(ctx context.Context) ([]Session, error)
	ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]Participant, error)
	ListAllocations(ctx context.Context, sessionID uuid.UUID, from, to shared.YearMonth) ([]Allocation, error)
	ListExpenses(ctx context.Context, sessionID uuid.UUID, from, to shared.YearMonth) ([]Expense, error)
}

// TxRepository exposes the writes of one transaction.
type TxRepository interface {
	GetSession(ctx context.Context, id uuid.UUID) (Session, error)
	// ListParticipants returns every participant ordered by position.
	ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]Participant, error)
	ListAllocations(ctx context.Context, sessionID uuid.UUID, from, to shared.YearMonth) ([]Allocation, error)
	ListExpenses(ctx context.Context, sessionID uuid.UUID, from, to shared.YearMonth) ([]Expense, error)
	// EffectiveDistribution returns the configuration of the latest month at or before period.
	EffectiveDistribution(ctx context.Context, sessionID uuid.UUID, period shared.YearMonth) ([]Distribution, error)
	// ReplaceDistribution drops configurations from `from` onwards and stores rows at `from`.
	ReplaceDistribution(ctx context.Context, sessionID uuid.UUID, from shared.YearMonth, rows []Distribution) error

	// EnsurePeriod creates the period when missing. created is false when it already existed.
	EnsurePeriod(ctx context.Context, sessionID uuid.UUID, period shared.YearMonth) (created bool, err error)
	// LockPeriod reads the period row FOR UPDATE.
	LockPeriod(ctx context.Context, sessionID uuid.UUID, period shared.YearMonth) (Period, error)
	// SavePeriodTotal stores the total and bumps the version when it still equals expectedVersion.
	SavePeriodTotal(ctx context.Context, p Period, expectedVersion int64) (Period, error)
	LatestPeriod(ctx context.Context, sessionID uuid.UUID) (*shared.YearMonth, error)
	ListPeriodsFrom(ctx context.Context, sessionID uuid.UUID, from shared.YearMonth) ([]shared.YearMonth, error)
	DeletePeriod(ctx context.Context, sessionID uuid.UUID, period shared.YearMonth) error

	ListPeriodExpenses(ctx context.Context, sessionID uuid.UUID, period shared.YearMonth) ([]Expense, error)
	GetExpense(ctx context.Context, sessionID, expenseID uuid.UUID) (Expense, error)
	InsertExpense(ctx context.Context, e Expense) error
	DeleteExpense(ctx context.Context, sessionID, expenseID uuid.UUID) error

	// ReplaceAllocations deletes every allocation of the period and inserts allocs.
	ReplaceAllocations(ctx context.Context, sessionID uuid.UUID, period shared.YearMonth, allocs []Allocation) error
	// Ledger exposes mirror writes on the same transaction.
	Ledger() ledger.TxStore
}
