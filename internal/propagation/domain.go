// Package propagation extends recurring sessions month by month, copying
// recurring expenses forward and resyncing each new period.
package propagation

import (
	"time"

	"github.com/google/uuid"

	"github.com/sharepool/sharepool/internal/sessions"
	"github.com/sharepool/sharepool/internal/shared"
)

// Status of a persisted propagation run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusDone      Status = "DONE"
	StatusCancelled Status = "CANCELLED"
)

const (
	// MinHorizon and MaxHorizon bound how many months ahead a session is extended.
	MinHorizon = 1
	MaxHorizon = 24
	// DefaultBatchSize is how many periods one synchronous run creates.
	DefaultBatchSize = 3
	// DefaultLockTTL bounds how long one run may hold the session lock.
	DefaultLockTTL = 2 * time.Minute
)

// Checkpoint is the persisted progress of one session's propagation.
type Checkpoint struct {
	SessionID uuid.UUID          `json:"session_id"`
	Next      shared.YearMonth   `json:"next"`
	Target    shared.YearMonth   `json:"target"`
	Horizon   int                `json:"horizon"`
	Status    Status             `json:"status"`
	Created   []shared.YearMonth `json:"created"`
	LastError string             `json:"last_error,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Remaining reports whether periods up to Target are still missing.
func (c Checkpoint) Remaining() bool {
	return !c.Next.After(c.Target)
}

// Result reports one propagation run.
type Result struct {
	SessionID  uuid.UUID              `json:"session_id"`
	Created    []shared.YearMonth     `json:"created"`
	Skipped    []shared.YearMonth     `json:"skipped,omitempty"`
	Checkpoint *Checkpoint            `json:"checkpoint,omitempty"`
	Summaries  []sessions.SyncSummary `json:"-"`
}

// Done reports whether nothing is left for a later resume.
func (r Result) Done() bool {
	return r.Checkpoint == nil
}
