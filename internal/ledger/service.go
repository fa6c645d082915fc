package ledger

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sharepool/sharepool/internal/shared"
)

// RepositoryPort abstracts personal ledger persistence.
type RepositoryPort interface {
	GetEntry(ctx context.Context, id uuid.UUID) (Entry, error)
	ListEntries(ctx context.Context, ownerID string, period *shared.YearMonth) ([]Entry, error)
	// UpdateEntry and DeleteEntry must refuse rows that carry a mirror source.
	UpdateEntry(ctx context.Context, id uuid.UUID, in UpdateInput) (Entry, error)
	DeleteEntry(ctx context.Context, id uuid.UUID) error
}

// Service exposes the user-facing personal ledger operations.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// ListEntries returns the owner's entries, optionally for one period.
func (s *Service) ListEntries(ctx context.Context, ownerID string, period *shared.YearMonth) ([]Entry, error) {
	if ownerID == "" {
		return nil, shared.NewValidationError("owner_id", "owner is required")
	}
	return s.repo.ListEntries(ctx, ownerID, period)
}

// UpdateEntry edits a personal entry. Mirrored entries are rejected.
func (s *Service) UpdateEntry(ctx context.Context, id uuid.UUID, in UpdateInput) (Entry, error) {
	if err := in.Validate(); err != nil {
		return Entry{}, err
	}
	if err := s.ensureEditable(ctx, id); err != nil {
		return Entry{}, err
	}
	return s.repo.UpdateEntry(ctx, id, in)
}

// DeleteEntry removes a personal entry. Mirrored entries are rejected.
func (s *Service) DeleteEntry(ctx context.Context, id uuid.UUID) error {
	if err := s.ensureEditable(ctx, id); err != nil {
		return err
	}
	return s.repo.DeleteEntry(ctx, id)
}

func (s *Service) ensureEditable(ctx context.Context, id uuid.UUID) error {
	entry, err := s.repo.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if entry.Mirrored() {
		s.log().Info("rejected edit of mirrored entry",
			slog.String("entry_id", id.String()),
			slog.String("session_id", entry.Source.SessionID.String()))
		return ErrMirrorManaged
	}
	return nil
}

func (s *Service) log() *slog.Logger {
	if s == nil || s.logger == nil {
		return slog.Default()
	}
	return s.logger
}
