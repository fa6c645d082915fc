package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharepool/sharepool/internal/shared"
)

// PeriodRef points at one session period.
type PeriodRef struct {
	SessionID uuid.UUID
	Period    shared.YearMonth
}

// MirrorSource links a ledger entry to the allocation it projects.
type MirrorSource struct {
	SessionID    uuid.UUID        `json:"session_id"`
	Period       shared.YearMonth `json:"period"`
	AllocationID uuid.UUID        `json:"allocation_id"`
}

// Entry is one line of a participant's personal ledger.
type Entry struct {
	ID          uuid.UUID
	OwnerID     string
	Amount      decimal.Decimal
	Category    string
	Description string
	Date        time.Time
	Source      *MirrorSource
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Mirrored reports whether the entry is managed by the allocation sync.
func (e Entry) Mirrored() bool {
	return e.Source != nil
}

// MirrorInput is the projection of one allocation.
type MirrorInput struct {
	EntryID     uuid.UUID
	OwnerID     string
	Amount      decimal.Decimal
	Category    string
	Description string
	Date        time.Time
	Source      MirrorSource
}

// UpsertOutcome says what a mirror upsert did.
type UpsertOutcome string

const (
	OutcomeCreated UpsertOutcome = "created"
	OutcomeUpdated UpsertOutcome = "updated"
	OutcomeSkipped UpsertOutcome = "skipped"
)

// MirrorSummary counts the outcome of one fan-out.
type MirrorSummary struct {
	Created    int
	Updated    int
	Skipped    int
	Failed     int
	Pruned     int
	Errors     []*shared.SyncError
	PruneError error
}

// UpdateInput carries the editable fields of a personal entry.
type UpdateInput struct {
	Amount      *decimal.Decimal
	Category    *string
	Description *string
	Date        *time.Time
}

// Validate checks the patch.
func (in UpdateInput) Validate() error {
	if in.Amount != nil && !in.Amount.IsPositive() {
		return shared.NewValidationError("amount", "amount must be positive")
	}
	if in.Category != nil && *in.Category == "" {
		return shared.NewValidationError("category", "category must not be empty")
	}
	if in.Date != nil && in.Date.IsZero() {
		return shared.NewValidationError("date", "date must be set")
	}
	return nil
}
