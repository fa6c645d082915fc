package ledger

import "github.com/sharepool/sharepool/internal/shared"

var (
	// ErrMirrorManaged rejects direct edits of entries owned by the allocation sync.
	ErrMirrorManaged = shared.NewConflictError("ledger entry", "mirror", "entry is managed by its shared session and can only change through allocation sync")
)

func errEntryNotFound(id string) error {
	return shared.NewNotFoundError("ledger entry", id)
}
