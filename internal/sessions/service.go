package sessions

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/sharepool/sharepool/internal/settlement"
	"github.com/sharepool/sharepool/internal/shared"
)

// AuditRecorder stores audit trail records.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates the transactional session operations.
type Service struct {
	repo     RepositoryPort
	sync     *SyncService
	retry    RetryPolicy
	audit    AuditRecorder
	recorder Recorder
	logger   *slog.Logger
}

// NewService constructs the session service. audit and recorder may be nil.
func NewService(repo RepositoryPort, sync *SyncService, retry RetryPolicy, audit AuditRecorder, recorder Recorder, logger *slog.Logger) *Service {
	return &Service{repo: repo, sync: sync, retry: retry.normalized(), audit: audit, recorder: recorder, logger: logger}
}

// SyncPeriod recomputes one period.
func (s *Service) SyncPeriod(ctx context.Context, sessionID uuid.UUID, period shared.YearMonth) (SyncSummary, error) {
	var summary SyncSummary
	_, err := s.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		s.noteRetry("sync_period", attempt)
		var err error
		summary, err = s.sync.SyncPeriod(ctx, sessionID, period)
		return err
	})
	return summary, err
}

// AddExpense books an expense, creating its period when needed, and resyncs
// the period in the same transaction.
func (s *Service) AddExpense(ctx context.Context, in ExpenseInput) (Expense, SyncSummary, error) {
	in.Amount = in.Amount.Round(2)
	if err := in.Validate(); err != nil {
		return Expense{}, SyncSummary{}, err
	}
	expense := Expense{
		ID:          uuid.New(),
		SessionID:   in.SessionID,
		Period:      in.Period,
		Amount:      in.Amount,
		Category:    in.Category,
		Description: in.Description,
		Date:        in.Date,
		Recurring:   in.Recurring,
		PayerID:     in.PayerID,
	}
	var summary SyncSummary
	_, err := s.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		s.noteRetry("add_expense", attempt)
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			session, err := tx.GetSession(ctx, in.SessionID)
			if err != nil {
				return err
			}
			participants, err := tx.ListParticipants(ctx, session.ID)
			if err != nil {
				return err
			}
			if !hasParticipant(participants, in.PayerID) {
				return errUnknownParticipant(in.PayerID)
			}
			if _, err := tx.EnsurePeriod(ctx, session.ID, in.Period); err != nil {
				return err
			}
			if err := tx.InsertExpense(ctx, expense); err != nil {
				return err
			}
			summary, err = s.sync.SyncInTx(ctx, tx, session, in.Period, MirrorLenient)
			return err
		})
	})
	if err != nil {
		return Expense{}, SyncSummary{}, err
	}
	s.sync.Announce(ctx, summary)
	return expense, summary, nil
}

// DeleteExpense removes an expense and resyncs its period.
func (s *Service) DeleteExpense(ctx context.Context, sessionID, expenseID uuid.UUID) (SyncSummary, error) {
	var summary SyncSummary
	_, err := s.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		s.noteRetry("delete_expense", attempt)
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			session, err := tx.GetSession(ctx, sessionID)
			if err != nil {
				return err
			}
			expense, err := tx.GetExpense(ctx, sessionID, expenseID)
			if err != nil {
				return err
			}
			if err := tx.DeleteExpense(ctx, sessionID, expenseID); err != nil {
				return err
			}
			summary, err = s.sync.SyncInTx(ctx, tx, session, expense.Period, MirrorLenient)
			return err
		})
	})
	if err != nil {
		return SyncSummary{}, err
	}
	s.sync.Announce(ctx, summary)
	return summary, nil
}

// DeletePeriod removes a period together with its expenses, allocations and
// mirrored ledger entries.
func (s *Service) DeletePeriod(ctx context.Context, sessionID uuid.UUID, period shared.YearMonth, actorID string) error {
	if err := period.Validate(); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return tx.DeletePeriod(ctx, sessionID, period)
	})
	if err != nil {
		return err
	}
	s.log().Info("period deleted", slog.String("session_id", sessionID.String()), slog.String("period", period.String()))
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "period.delete",
		Entity:   "period",
		EntityID: sessionID.String() + "/" + period.String(),
	})
	return nil
}

// Balances aggregates what every participant paid and owes over the inclusive
// range, reading everything from one transaction snapshot.
func (s *Service) Balances(ctx context.Context, sessionID uuid.UUID, from, to shared.YearMonth) ([]settlement.Balance, error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}
	var (
		participants []Participant
		expenses     []Expense
		allocs       []Allocation
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetSession(ctx, sessionID); err != nil {
			return err
		}
		var err error
		if participants, err = tx.ListParticipants(ctx, sessionID); err != nil {
			return err
		}
		if expenses, err = tx.ListExpenses(ctx, sessionID, from, to); err != nil {
			return err
		}
		allocs, err = tx.ListAllocations(ctx, sessionID, from, to)
		return err
	})
	if err != nil {
		return nil, err
	}

	order := make([]string, 0, len(participants))
	byID := map[string]*settlement.Balance{}
	touch := func(id string) *settlement.Balance {
		b, ok := byID[id]
		if !ok {
			b = &settlement.Balance{ParticipantID: id, Paid: decimal.Zero, Share: decimal.Zero}
			byID[id] = b
			order = append(order, id)
		}
		return b
	}
	for _, p := range participants {
		touch(p.UserID)
	}
	for _, e := range expenses {
		b := touch(e.PayerID)
		b.Paid = b.Paid.Add(e.Amount)
	}
	for _, a := range allocs {
		b := touch(a.ParticipantID)
		b.Share = b.Share.Add(a.Amount)
	}
	out := make([]settlement.Balance, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// SettlementReport is the balance sheet and transfer proposal of a range.
type SettlementReport struct {
	SessionID string                `json:"session_id"`
	Currency  string                `json:"currency"`
	From      shared.YearMonth      `json:"from"`
	To        shared.YearMonth      `json:"to"`
	Balances  []settlement.Balance  `json:"balances"`
	Transfers []settlement.Transfer `json:"transfers"`
}

// Settle proposes the transfers that clear the balances of the range.
func (s *Service) Settle(ctx context.Context, sessionID uuid.UUID, from, to shared.YearMonth) (SettlementReport, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return SettlementReport{}, err
	}
	unit, err := ParseCurrency(session.Currency)
	if err != nil {
		return SettlementReport{}, err
	}
	balances, err := s.Balances(ctx, sessionID, from, to)
	if err != nil {
		return SettlementReport{}, err
	}
	transfers := settlement.Compute(balances)
	if transfers == nil {
		transfers = []settlement.Transfer{}
	}
	return SettlementReport{
		SessionID: sessionID.String(),
		Currency:  unit.String(),
		From:      from,
		To:        to,
		Balances:  balances,
		Transfers: transfers,
	}, nil
}

// ParseCurrency validates an ISO 4217 code.
func ParseCurrency(code string) (currency.Unit, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return currency.Unit{}, shared.NewValidationError("currency", "unknown currency code "+code)
	}
	return unit, nil
}

func validateRange(from, to shared.YearMonth) error {
	if err := from.Validate(); err != nil {
		return err
	}
	if err := to.Validate(); err != nil {
		return err
	}
	if to.Before(from) {
		return shared.NewValidationError("to", "range end must not be before its start")
	}
	return nil
}

func hasParticipant(participants []Participant, id string) bool {
	for _, p := range participants {
		if p.UserID == id && p.Active() {
			return true
		}
	}
	return false
}

func (s *Service) noteRetry(op string, attempt int) {
	if attempt <= 1 {
		return
	}
	s.log().Warn("retrying after conflict", slog.String("op", op), slog.Int("attempt", attempt))
	if s.recorder != nil {
		s.recorder.RecordRetry(op)
	}
}

func (s *Service) recordAudit(ctx context.Context, entry shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.log().Warn("record audit log", slog.String("action", entry.Action), slog.Any("error", err))
	}
}

func (s *Service) log() *slog.Logger {
	if s == nil || s.logger == nil {
		return slog.Default()
	}
	return s.logger
}
