package sessions

import (
	"fmt"

	"github.com/sharepool/sharepool/internal/shared"
)

var (
	// ErrNoActiveParticipants rejects syncs of a session nobody has joined.
	ErrNoActiveParticipants = shared.NewValidationError("participants", "session has no active participants")
	// ErrEmptyDistribution rejects an update without percentages.
	ErrEmptyDistribution = shared.NewValidationError("percentages", "at least one percentage is required")
)

func errSessionNotFound(id string) error {
	return shared.NewNotFoundError("session", id)
}

func errPeriodNotFound(sessionID string, period shared.YearMonth) error {
	return shared.NewNotFoundError("period", sessionID+"/"+period.String())
}

func errExpenseNotFound(id string) error {
	return shared.NewNotFoundError("expense", id)
}

func errVersionConflict(sessionID string, period shared.YearMonth, expected int64) error {
	return shared.NewConflictError("period", sessionID+"/"+period.String(),
		fmt.Sprintf("version %d was changed by a concurrent write", expected))
}

func errUnknownParticipant(id string) error {
	return shared.NewValidationError("participant_id", fmt.Sprintf("participant %q is not an active member of the session", id))
}

func errMissingParticipant(id string) error {
	return shared.NewValidationError("percentages", fmt.Sprintf("missing percentage for participant %q", id))
}
