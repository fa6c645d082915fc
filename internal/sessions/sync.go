package sessions

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharepool/sharepool/internal/allocation"
	"github.com/sharepool/sharepool/internal/ledger"
	"github.com/sharepool/sharepool/internal/shared"
)

// RoutingPeriodSynced is the routing key of the event emitted after a sync commits.
const RoutingPeriodSynced = "period.synced"

// MirrorCategory is the ledger category of mirrored allocations.
const MirrorCategory = "shared"

// Publisher emits domain events after commit.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Recorder receives sync and retry counters.
type Recorder interface {
	RecordSync(fallback bool, created, updated, skipped, failed, pruned int)
	RecordRetry(op string)
}

// MirrorMode decides how mirror failures affect the sync.
type MirrorMode int

const (
	// MirrorLenient records mirror failures in the summary and commits.
	MirrorLenient MirrorMode = iota
	// MirrorStrict turns any mirror failure into an error so the caller aborts.
	MirrorStrict
)

// SyncService recomputes the allocations of one period.
type SyncService struct {
	repo      RepositoryPort
	mirror    *ledger.Mirror
	publisher Publisher
	recorder  Recorder
	logger    *slog.Logger
}

// NewSyncService constructs the sync service. publisher and recorder may be nil.
func NewSyncService(repo RepositoryPort, mirror *ledger.Mirror, publisher Publisher, recorder Recorder, logger *slog.Logger) *SyncService {
	if mirror == nil {
		mirror = ledger.NewMirror(logger)
	}
	return &SyncService{repo: repo, mirror: mirror, publisher: publisher, recorder: recorder, logger: logger}
}

// SyncPeriod replaces the allocations of one period in its own transaction.
func (s *SyncService) SyncPeriod(ctx context.Context, sessionID uuid.UUID, period shared.YearMonth) (SyncSummary, error) {
	if err := period.Validate(); err != nil {
		return SyncSummary{}, err
	}
	var summary SyncSummary
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		summary, err = s.SyncInTx(ctx, tx, session, period, MirrorLenient)
		return err
	})
	if err != nil {
		return SyncSummary{}, err
	}
	s.Announce(ctx, summary)
	return summary, nil
}

// SyncInTx recomputes the period inside an already open transaction. The
// caller commits and then calls Announce.
func (s *SyncService) SyncInTx(ctx context.Context, tx TxRepository, session Session, period shared.YearMonth, mode MirrorMode) (SyncSummary, error) {
	current, err := tx.LockPeriod(ctx, session.ID, period)
	if err != nil {
		return SyncSummary{}, err
	}
	participants, err := tx.ListParticipants(ctx, session.ID)
	if err != nil {
		return SyncSummary{}, err
	}
	config, err := tx.EffectiveDistribution(ctx, session.ID, period)
	if err != nil {
		return SyncSummary{}, err
	}
	expenses, err := tx.ListPeriodExpenses(ctx, session.ID, period)
	if err != nil {
		return SyncSummary{}, err
	}

	allocs, result, err := ComputeAllocations(session.ID, period, activeParticipants(participants), config, expenses)
	if err != nil {
		return SyncSummary{}, err
	}
	if result.FallbackApplied {
		s.log().Warn("fallback percentages applied",
			slog.String("session_id", session.ID.String()),
			slog.String("period", period.String()),
			slog.Any("fallback_participants", fallbackParticipants(result)))
	}

	if err := tx.ReplaceAllocations(ctx, session.ID, period, allocs); err != nil {
		return SyncSummary{}, err
	}
	current.TotalAmount = result.Total
	if _, err := tx.SavePeriodTotal(ctx, current, current.Version); err != nil {
		return SyncSummary{}, err
	}

	ref := ledger.PeriodRef{SessionID: session.ID, Period: period}
	mirrored := s.mirror.Apply(ctx, tx.Ledger(), ref, MirrorInputs(session, allocs))
	summary := SyncSummary{
		SessionID:       session.ID,
		Period:          period,
		TotalAmount:     result.Total,
		Allocations:     allocs,
		Created:         mirrored.Created,
		Updated:         mirrored.Updated,
		Skipped:         mirrored.Skipped,
		Failed:          mirrored.Failed,
		Pruned:          mirrored.Pruned,
		FallbackApplied: result.FallbackApplied,
		Errors:          mirrored.Errors,
	}
	if mode == MirrorStrict {
		if len(mirrored.Errors) > 0 {
			return summary, mirrored.Errors[0]
		}
		if mirrored.PruneError != nil {
			return summary, mirrored.PruneError
		}
	}
	return summary, nil
}

// Announce logs committed summaries and publishes their events.
func (s *SyncService) Announce(ctx context.Context, summaries ...SyncSummary) {
	for _, summary := range summaries {
		s.log().Info("period synced",
			slog.String("session_id", summary.SessionID.String()),
			slog.String("period", summary.Period.String()),
			slog.String("total", summary.TotalAmount.StringFixed(2)),
			slog.Int("created", summary.Created),
			slog.Int("updated", summary.Updated),
			slog.Int("skipped", summary.Skipped),
			slog.Int("failed", summary.Failed),
			slog.Int("pruned", summary.Pruned),
			slog.Bool("fallback", summary.FallbackApplied))
		if summary.Failed > 0 {
			s.log().Warn("mirror failures recorded",
				slog.String("session_id", summary.SessionID.String()),
				slog.String("period", summary.Period.String()),
				slog.Any("error", syncErrors(summary.Errors)))
		}
		if s.recorder != nil {
			s.recorder.RecordSync(summary.FallbackApplied, summary.Created, summary.Updated, summary.Skipped, summary.Failed, summary.Pruned)
		}
		if s.publisher == nil {
			continue
		}
		if err := s.publisher.Publish(ctx, RoutingPeriodSynced, NewPeriodSyncedEvent(summary)); err != nil {
			s.log().Warn("publish period synced",
				slog.String("session_id", summary.SessionID.String()),
				slog.String("period", summary.Period.String()),
				slog.Any("error", err))
		}
	}
}

func (s *SyncService) log() *slog.Logger {
	if s == nil || s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

// ComputeAllocations turns the period inputs into a full allocation set.
// Participants keep their configured percentage; missing ones fall back.
func ComputeAllocations(sessionID uuid.UUID, period shared.YearMonth, active []Participant, config []Distribution, expenses []Expense) ([]Allocation, allocation.Result, error) {
	if len(active) == 0 {
		return nil, allocation.Result{}, ErrNoActiveParticipants
	}
	configured := make(map[string]int, len(config))
	for _, d := range config {
		configured[d.ParticipantID] = d.Percentage
	}
	members := make([]allocation.Member, len(active))
	for i, p := range active {
		members[i] = allocation.Member{ID: p.UserID}
		if pct, ok := configured[p.UserID]; ok {
			members[i].Percentage = allocation.Percent(pct)
		}
	}
	rescaled := rescaleDeparted(members, configured)
	total := decimal.Zero
	for _, e := range expenses {
		total = total.Add(e.Amount)
	}
	result, err := allocation.Distribute(total, members)
	if err != nil {
		return nil, allocation.Result{}, err
	}
	if rescaled {
		result.FallbackApplied = true
		for i := range result.Shares {
			result.Shares[i].Fallback = true
		}
	}

	allocs := make([]Allocation, len(result.Shares))
	for i, share := range result.Shares {
		id := AllocationID(sessionID, period, share.ParticipantID)
		breakdown := make([]BreakdownLine, len(expenses))
		pct := decimal.NewFromInt(int64(share.Percentage))
		for j, e := range expenses {
			breakdown[j] = BreakdownLine{
				ExpenseID: e.ID,
				Amount:    e.Amount.Mul(pct).Div(decimal.NewFromInt(100)).Round(2),
			}
		}
		status := AllocationActive
		if share.Fallback {
			status = AllocationFallback
		}
		allocs[i] = Allocation{
			ID:            id,
			SessionID:     sessionID,
			Period:        period,
			ParticipantID: share.ParticipantID,
			Percentage:    share.Percentage,
			Amount:        share.Amount,
			TotalAmount:   result.Total,
			Breakdown:     breakdown,
			MirrorEntryID: ledger.MirrorEntryID(id),
			Status:        status,
		}
	}
	return allocs, result, nil
}

// MirrorInputs projects allocations into personal ledger entries.
func MirrorInputs(session Session, allocs []Allocation) []ledger.MirrorInput {
	out := make([]ledger.MirrorInput, len(allocs))
	for i, a := range allocs {
		out[i] = ledger.MirrorInput{
			EntryID:     a.MirrorEntryID,
			OwnerID:     a.ParticipantID,
			Amount:      a.Amount,
			Category:    MirrorCategory,
			Description: session.Name + " " + a.Period.String(),
			Date:        a.Period.FirstDay(),
			Source:      ledger.MirrorSource{SessionID: a.SessionID, Period: a.Period, AllocationID: a.ID},
		}
	}
	return out
}

// rescaleDeparted scales the configured percentages of the active members
// back to 100 when departed participants still hold part of the saved
// configuration and no unconfigured member can absorb it.
func rescaleDeparted(members []allocation.Member, configured map[string]int) bool {
	activeSum, departed := 0, 0
	present := make(map[string]bool, len(members))
	for _, m := range members {
		if m.Percentage == nil {
			return false
		}
		present[m.ID] = true
		activeSum += *m.Percentage
	}
	for id, pct := range configured {
		if !present[id] {
			departed += pct
		}
	}
	if departed == 0 || activeSum == 100 {
		return false
	}
	pcts := make([]int, len(members))
	for i, m := range members {
		pcts[i] = *m.Percentage
	}
	for i, pct := range allocation.Renormalize(pcts) {
		members[i].Percentage = allocation.Percent(pct)
	}
	return true
}

func activeParticipants(all []Participant) []Participant {
	out := make([]Participant, 0, len(all))
	for _, p := range all {
		if p.Active() {
			out = append(out, p)
		}
	}
	return out
}

func fallbackParticipants(result allocation.Result) []string {
	var ids []string
	for _, share := range result.Shares {
		if share.Fallback {
			ids = append(ids, share.ParticipantID)
		}
	}
	return ids
}

// syncErrors flattens mirror failures for logging.
func syncErrors(errs []*shared.SyncError) error {
	joined := make([]error, len(errs))
	for i, err := range errs {
		joined[i] = err
	}
	return errors.Join(joined...)
}
