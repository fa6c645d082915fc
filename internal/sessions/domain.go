// Package sessions owns shared-expense sessions: participants, percentage
// configuration, periods, expenses and the allocations derived from them.
package sessions

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharepool/sharepool/internal/shared"
)

// Role of a participant inside a session.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleMember Role = "MEMBER"
)

// ParticipantStatus tracks the invitation lifecycle.
type ParticipantStatus string

const (
	StatusPending  ParticipantStatus = "PENDING"
	StatusAccepted ParticipantStatus = "ACCEPTED"
	StatusLeft     ParticipantStatus = "LEFT"
)

// AllocationStatus marks how the percentage of an allocation was obtained.
type AllocationStatus string

const (
	AllocationActive   AllocationStatus = "ACTIVE"
	AllocationFallback AllocationStatus = "FALLBACK"
)

// Session groups participants sharing expenses.
type Session struct {
	ID            uuid.UUID
	Name          string
	Currency      string
	Recurring     bool
	HorizonMonths int
	CreatedAt     time.Time
}

// Participant is one member of a session.
type Participant struct {
	SessionID uuid.UUID
	UserID    string
	Role      Role
	Status    ParticipantStatus
	Position  int
}

// Active reports whether the participant receives allocations.
func (p Participant) Active() bool {
	return p.Status == StatusAccepted
}

// Distribution is one configured percentage, effective from Period onwards.
type Distribution struct {
	SessionID     uuid.UUID
	Period        shared.YearMonth
	ParticipantID string
	Percentage    int
}

// Period is one month bucket of a session.
type Period struct {
	SessionID   uuid.UUID
	Period      shared.YearMonth
	TotalAmount decimal.Decimal
	Version     int64
	CreatedAt   time.Time
}

// Expense is a shared cost booked into a period.
type Expense struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	Period      shared.YearMonth
	Amount      decimal.Decimal
	Category    string
	Description string
	Date        time.Time
	Recurring   bool
	PayerID     string
	CopiedFrom  *uuid.UUID
}

// BreakdownLine is the share of one source expense inside an allocation.
type BreakdownLine struct {
	ExpenseID uuid.UUID       `json:"expense_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// Allocation is a participant's computed share of a period.
type Allocation struct {
	ID            uuid.UUID
	SessionID     uuid.UUID
	Period        shared.YearMonth
	ParticipantID string
	Percentage    int
	Amount        decimal.Decimal
	TotalAmount   decimal.Decimal
	Breakdown     []BreakdownLine
	MirrorEntryID uuid.UUID
	Status        AllocationStatus
}

var allocationNamespace = uuid.MustParse("a3c5e0d2-7b14-4f6e-8a29-3d0c9b1e5f47")

// AllocationID derives the stable id of the allocation for one participant
// and period.
func AllocationID(sessionID uuid.UUID, period shared.YearMonth, participantID string) uuid.UUID {
	return uuid.NewSHA1(allocationNamespace, []byte(sessionID.String()+"/"+period.String()+"/"+participantID))
}

// SyncSummary reports one allocation sync.
type SyncSummary struct {
	SessionID       uuid.UUID           `json:"session_id"`
	Period          shared.YearMonth    `json:"period"`
	TotalAmount     decimal.Decimal     `json:"total_amount"`
	Allocations     []Allocation        `json:"-"`
	Created         int                 `json:"created"`
	Updated         int                 `json:"updated"`
	Skipped         int                 `json:"skipped"`
	Failed          int                 `json:"failed"`
	Pruned          int                 `json:"pruned"`
	FallbackApplied bool                `json:"fallback_applied"`
	Errors          []*shared.SyncError `json:"-"`
}

// ExpenseInput carries a new shared expense.
type ExpenseInput struct {
	SessionID   uuid.UUID
	Period      shared.YearMonth
	Amount      decimal.Decimal
	Category    string
	Description string
	Date        time.Time
	Recurring   bool
	PayerID     string
}

// Validate checks the expense fields.
func (in ExpenseInput) Validate() error {
	if err := in.Period.Validate(); err != nil {
		return err
	}
	if !in.Amount.IsPositive() {
		return shared.NewValidationError("amount", "amount must be positive")
	}
	if in.Category == "" {
		return shared.NewValidationError("category", "category is required")
	}
	if in.PayerID == "" {
		return shared.NewValidationError("payer_id", "payer is required")
	}
	if in.Date.IsZero() {
		return shared.NewValidationError("date", "date is required")
	}
	if shared.YearMonthOf(in.Date) != in.Period {
		return shared.NewValidationError("date", "date must fall inside period "+in.Period.String())
	}
	return nil
}

// ParticipantPercentage is one requested percentage.
type ParticipantPercentage struct {
	ParticipantID string `json:"participant_id"`
	Percentage    int    `json:"percentage"`
}

// DistributionInput requests a percentage change effective from a period.
type DistributionInput struct {
	SessionID   uuid.UUID
	From        shared.YearMonth
	Percentages []ParticipantPercentage
	ActorID     string
}

// DistributionResult reports a committed distribution update.
type DistributionResult struct {
	SessionID   uuid.UUID               `json:"session_id"`
	From        shared.YearMonth        `json:"from"`
	Percentages []ParticipantPercentage `json:"percentages"`
	Periods     []SyncSummary           `json:"periods"`
	Attempts    int                     `json:"attempts"`
}
