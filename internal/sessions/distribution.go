package sessions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sharepool/sharepool/internal/allocation"
	"github.com/sharepool/sharepool/internal/shared"
)

const opUpdateDistribution = "update distribution"

// UpdateDistribution stores a percentage change effective from in.From and
// resyncs every existing period from there on, all in one transaction. A
// single entry on a multi-participant session is a manual edit and the other
// participants are rebalanced around it.
func (s *Service) UpdateDistribution(ctx context.Context, in DistributionInput) (DistributionResult, error) {
	if err := validateDistributionInput(in); err != nil {
		return DistributionResult{}, err
	}
	var result DistributionResult
	attempts, err := s.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		s.noteRetry("update_distribution", attempt)
		result = DistributionResult{SessionID: in.SessionID, From: in.From}
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			session, err := tx.GetSession(ctx, in.SessionID)
			if err != nil {
				return err
			}
			participants, err := tx.ListParticipants(ctx, session.ID)
			if err != nil {
				return err
			}
			percentages, err := s.resolvePercentages(ctx, tx, in, activeParticipants(participants))
			if err != nil {
				return err
			}
			rows := make([]Distribution, len(percentages))
			for i, p := range percentages {
				rows[i] = Distribution{SessionID: session.ID, Period: in.From, ParticipantID: p.ParticipantID, Percentage: p.Percentage}
			}
			if err := tx.ReplaceDistribution(ctx, session.ID, in.From, rows); err != nil {
				return err
			}
			periods, err := tx.ListPeriodsFrom(ctx, session.ID, in.From)
			if err != nil {
				return err
			}
			for _, period := range periods {
				summary, err := s.sync.SyncInTx(ctx, tx, session, period, MirrorStrict)
				if err != nil {
					if IsTransient(err) {
						return err
					}
					return fmt.Errorf("period %s: %w", period, err)
				}
				result.Periods = append(result.Periods, summary)
			}
			result.Percentages = percentages
			return nil
		})
		if IsTransient(err) {
			// surfaced as is once the retry budget runs out
			return err
		}
		return shared.NewTransactionAbortError(opUpdateDistribution, err)
	})
	if err != nil {
		s.log().Warn("distribution update aborted",
			slog.String("session_id", in.SessionID.String()),
			slog.String("from", in.From.String()),
			slog.Int("attempts", attempts),
			slog.Any("error", err))
		return DistributionResult{}, err
	}
	result.Attempts = attempts

	s.sync.Announce(ctx, result.Periods...)
	meta := map[string]any{"from": in.From.String(), "periods": len(result.Periods)}
	for _, p := range result.Percentages {
		meta[p.ParticipantID] = p.Percentage
	}
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  in.ActorID,
		Action:   "distribution.update",
		Entity:   "session",
		EntityID: in.SessionID.String(),
		Meta:     meta,
	})
	return result, nil
}

// resolvePercentages turns the request into a complete configuration for the
// active participants, ordered by position.
func (s *Service) resolvePercentages(ctx context.Context, tx TxRepository, in DistributionInput, active []Participant) ([]ParticipantPercentage, error) {
	if len(active) == 0 {
		return nil, ErrNoActiveParticipants
	}
	requested := make(map[string]int, len(in.Percentages))
	for _, p := range in.Percentages {
		if !hasParticipant(active, p.ParticipantID) {
			return nil, errUnknownParticipant(p.ParticipantID)
		}
		requested[p.ParticipantID] = p.Percentage
	}

	var members []allocation.Member
	if len(in.Percentages) == 1 && len(active) > 1 {
		current, err := tx.EffectiveDistribution(ctx, in.SessionID, in.From)
		if err != nil {
			return nil, err
		}
		configured := make(map[string]int, len(current))
		for _, d := range current {
			configured[d.ParticipantID] = d.Percentage
		}
		prior := make([]allocation.Member, len(active))
		for i, p := range active {
			prior[i] = allocation.Member{ID: p.UserID}
			if pct, ok := configured[p.UserID]; ok {
				prior[i].Percentage = allocation.Percent(pct)
			}
		}
		rescaleDeparted(prior, configured)
		edit := in.Percentages[0]
		rebalanced, err := allocation.Rebalance(prior, edit.ParticipantID, edit.Percentage)
		if err != nil {
			return nil, err
		}
		members = rebalanced
	} else {
		members = make([]allocation.Member, len(active))
		for i, p := range active {
			pct, ok := requested[p.UserID]
			if !ok {
				return nil, errMissingParticipant(p.UserID)
			}
			members[i] = allocation.Member{ID: p.UserID, Percentage: allocation.Percent(pct)}
		}
	}

	resolved, _, err := allocation.Resolve(members)
	if err != nil {
		return nil, err
	}
	out := make([]ParticipantPercentage, len(members))
	for i, m := range members {
		out[i] = ParticipantPercentage{ParticipantID: m.ID, Percentage: resolved[i]}
	}
	return out, nil
}

func validateDistributionInput(in DistributionInput) error {
	if err := in.From.Validate(); err != nil {
		return err
	}
	if len(in.Percentages) == 0 {
		return ErrEmptyDistribution
	}
	seen := make(map[string]bool, len(in.Percentages))
	for _, p := range in.Percentages {
		if p.ParticipantID == "" {
			return shared.NewValidationError("participant_id", "participant is required")
		}
		if seen[p.ParticipantID] {
			return shared.NewValidationError("percentages", fmt.Sprintf("participant %q listed twice", p.ParticipantID))
		}
		seen[p.ParticipantID] = true
		if p.Percentage < 0 || p.Percentage > 100 {
			return shared.NewValidationError("percentage", fmt.Sprintf("percentage for %q must be between 0 and 100, got %d", p.ParticipantID, p.Percentage))
		}
	}
	return nil
}
