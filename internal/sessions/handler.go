package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharepool/sharepool/internal/platform/httpx"
	"github.com/sharepool/sharepool/internal/settlement"
	"github.com/sharepool/sharepool/internal/shared"
)

// ActorHeader carries the id of the authenticated caller, set by the gateway.
const ActorHeader = "X-Actor-ID"

// IdempotencyHeader deduplicates expense submissions.
const IdempotencyHeader = "Idempotency-Key"

const idempotencyModule = "sessions.expense"

// IdempotencyStore remembers processed request keys.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// AccessHook runs when a session is read, before the response is built.
type AccessHook func(ctx context.Context, sessionID uuid.UUID)

// Handler exposes session operations over HTTP.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	idempotency IdempotencyStore
	validator   *validator.Validate
	onAccess    AccessHook
}

// NewHandler constructs the session handler. idempotency may be nil.
func NewHandler(logger *slog.Logger, service *Service, idempotency IdempotencyStore) *Handler {
	return &Handler{logger: logger, service: service, idempotency: idempotency, validator: validator.New()}
}

// WithAccessHook installs a hook for session reads.
func (h *Handler) WithAccessHook(hook AccessHook) *Handler {
	h.onAccess = hook
	return h
}

// MountRoutes registers session routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Put("/{sessionID}/distribution", h.updateDistribution)
	r.Post("/{sessionID}/periods/{period}/sync", h.syncPeriod)
	r.Delete("/{sessionID}/periods/{period}", h.deletePeriod)
	r.Post("/{sessionID}/periods/{period}/expenses", h.addExpense)
	r.Delete("/{sessionID}/expenses/{expenseID}", h.deleteExpense)
	r.Get("/{sessionID}/settlements", h.settlements)
}

// MountSettlementRoutes registers the stateless settlement calculator.
func (h *Handler) MountSettlementRoutes(r chi.Router) {
	r.Post("/", h.computeSettlements)
}

type percentageRequest struct {
	ParticipantID string `json:"participant_id" validate:"required"`
	Percentage    *int   `json:"percentage" validate:"required,min=0,max=100"`
}

type distributionRequest struct {
	From        string              `json:"from" validate:"required"`
	Percentages []percentageRequest `json:"percentages" validate:"required,min=1,dive"`
}

type expenseRequest struct {
	Amount      string `json:"amount" validate:"required,numeric"`
	Category    string `json:"category" validate:"required,max=64"`
	Description string `json:"description" validate:"max=255"`
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	Recurring   bool   `json:"recurring"`
	PayerID     string `json:"payer_id" validate:"required"`
}

type balanceRequest struct {
	ParticipantID string `json:"participant_id" validate:"required"`
	Paid          string `json:"paid" validate:"required,numeric"`
	Share         string `json:"share" validate:"required,numeric"`
}

type settlementRequest struct {
	Balances []balanceRequest `json:"balances" validate:"required,min=1,dive"`
}

type allocationResponse struct {
	ID            string `json:"id"`
	ParticipantID string `json:"participant_id"`
	Percentage    int    `json:"percentage"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
}

type syncResponse struct {
	SessionID       string               `json:"session_id"`
	Period          string               `json:"period"`
	TotalAmount     string               `json:"total_amount"`
	Allocations     []allocationResponse `json:"allocations"`
	Created         int                  `json:"created"`
	Updated         int                  `json:"updated"`
	Skipped         int                  `json:"skipped"`
	Failed          int                  `json:"failed"`
	Pruned          int                  `json:"pruned"`
	FallbackApplied bool                 `json:"fallback_applied"`
	Errors          []string             `json:"errors,omitempty"`
}

type distributionResponse struct {
	SessionID   string                  `json:"session_id"`
	From        string                  `json:"from"`
	Percentages []ParticipantPercentage `json:"percentages"`
	Periods     []syncResponse          `json:"periods"`
	Attempts    int                     `json:"attempts"`
}

type expenseResponse struct {
	ID        string       `json:"id"`
	Period    string       `json:"period"`
	Amount    string       `json:"amount"`
	Category  string       `json:"category"`
	Date      string       `json:"date"`
	Recurring bool         `json:"recurring"`
	PayerID   string       `json:"payer_id"`
	Sync      syncResponse `json:"sync"`
}

type balanceResponse struct {
	ParticipantID string `json:"participant_id"`
	Paid          string `json:"paid"`
	Share         string `json:"share"`
	Net           string `json:"net"`
}

type transferResponse struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type settlementResponse struct {
	SessionID string             `json:"session_id,omitempty"`
	Currency  string             `json:"currency,omitempty"`
	From      string             `json:"from,omitempty"`
	To        string             `json:"to,omitempty"`
	Balances  []balanceResponse  `json:"balances,omitempty"`
	Transfers []transferResponse `json:"transfers"`
}

func toSyncResponse(s SyncSummary) syncResponse {
	out := syncResponse{
		SessionID:       s.SessionID.String(),
		Period:          s.Period.String(),
		TotalAmount:     s.TotalAmount.StringFixed(2),
		Allocations:     make([]allocationResponse, len(s.Allocations)),
		Created:         s.Created,
		Updated:         s.Updated,
		Skipped:         s.Skipped,
		Failed:          s.Failed,
		Pruned:          s.Pruned,
		FallbackApplied: s.FallbackApplied,
	}
	for i, a := range s.Allocations {
		out.Allocations[i] = allocationResponse{
			ID:            a.ID.String(),
			ParticipantID: a.ParticipantID,
			Percentage:    a.Percentage,
			Amount:        a.Amount.StringFixed(2),
			Status:        string(a.Status),
		}
	}
	for _, err := range s.Errors {
		out.Errors = append(out.Errors, err.Error())
	}
	return out
}

func toTransfers(transfers []settlement.Transfer) []transferResponse {
	out := make([]transferResponse, len(transfers))
	for i, t := range transfers {
		out[i] = transferResponse{From: t.From, To: t.To, Amount: t.Amount.StringFixed(2)}
	}
	return out
}

func (h *Handler) updateDistribution(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req distributionRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	from, err := shared.ParseYearMonth(req.From)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := DistributionInput{SessionID: sessionID, From: from, ActorID: r.Header.Get(ActorHeader)}
	for _, p := range req.Percentages {
		in.Percentages = append(in.Percentages, ParticipantPercentage{ParticipantID: p.ParticipantID, Percentage: *p.Percentage})
	}
	result, err := h.service.UpdateDistribution(r.Context(), in)
	if err != nil {
		h.fail(w, "update distribution", err)
		return
	}
	resp := distributionResponse{
		SessionID:   result.SessionID.String(),
		From:        result.From.String(),
		Percentages: result.Percentages,
		Periods:     make([]syncResponse, len(result.Periods)),
		Attempts:    result.Attempts,
	}
	for i, p := range result.Periods {
		resp.Periods[i] = toSyncResponse(p)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) syncPeriod(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	period, err := shared.ParseYearMonth(chi.URLParam(r, "period"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	summary, err := h.service.SyncPeriod(r.Context(), sessionID, period)
	if err != nil {
		h.fail(w, "sync period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSyncResponse(summary))
}

func (h *Handler) deletePeriod(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	period, err := shared.ParseYearMonth(chi.URLParam(r, "period"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeletePeriod(r.Context(), sessionID, period, r.Header.Get(ActorHeader)); err != nil {
		h.fail(w, "delete period", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addExpense(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	period, err := shared.ParseYearMonth(chi.URLParam(r, "period"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req expenseRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("amount", "amount must be a decimal number"))
		return
	}
	date, err := time.Parse(time.DateOnly, req.Date)
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("date", "date must be YYYY-MM-DD"))
		return
	}

	key := r.Header.Get(IdempotencyHeader)
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
				return
			}
			h.fail(w, "check idempotency key", err)
			return
		}
	}

	expense, summary, err := h.service.AddExpense(r.Context(), ExpenseInput{
		SessionID:   sessionID,
		Period:      period,
		Amount:      amount,
		Category:    req.Category,
		Description: req.Description,
		Date:        date,
		Recurring:   req.Recurring,
		PayerID:     req.PayerID,
	})
	if err != nil {
		if key != "" && h.idempotency != nil {
			if delErr := h.idempotency.Delete(r.Context(), key, idempotencyModule); delErr != nil && h.logger != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		h.fail(w, "add expense", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, expenseResponse{
		ID:        expense.ID.String(),
		Period:    expense.Period.String(),
		Amount:    expense.Amount.StringFixed(2),
		Category:  expense.Category,
		Date:      expense.Date.Format(time.DateOnly),
		Recurring: expense.Recurring,
		PayerID:   expense.PayerID,
		Sync:      toSyncResponse(summary),
	})
}

func (h *Handler) deleteExpense(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	expenseID, err := uuid.Parse(chi.URLParam(r, "expenseID"))
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("expense_id", "expense id must be a uuid"))
		return
	}
	summary, err := h.service.DeleteExpense(r.Context(), sessionID, expenseID)
	if err != nil {
		h.fail(w, "delete expense", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSyncResponse(summary))
}

func (h *Handler) settlements(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	from, err := shared.ParseYearMonth(r.URL.Query().Get("from"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	to := from
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = shared.ParseYearMonth(raw); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	if h.onAccess != nil {
		h.onAccess(r.Context(), sessionID)
	}
	report, err := h.service.Settle(r.Context(), sessionID, from, to)
	if err != nil {
		h.fail(w, "settle session", err)
		return
	}
	resp := settlementResponse{
		SessionID: report.SessionID,
		Currency:  report.Currency,
		From:      report.From.String(),
		To:        report.To.String(),
		Balances:  make([]balanceResponse, len(report.Balances)),
		Transfers: toTransfers(report.Transfers),
	}
	for i, b := range report.Balances {
		resp.Balances[i] = balanceResponse{
			ParticipantID: b.ParticipantID,
			Paid:          b.Paid.StringFixed(2),
			Share:         b.Share.StringFixed(2),
			Net:           b.Net().StringFixed(2),
		}
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) computeSettlements(w http.ResponseWriter, r *http.Request) {
	var req settlementRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	balances := make([]settlement.Balance, len(req.Balances))
	seen := make(map[string]bool, len(req.Balances))
	for i, b := range req.Balances {
		if seen[b.ParticipantID] {
			httpx.RespondError(w, shared.NewValidationError("participant_id", fmt.Sprintf("participant %s is listed more than once", b.ParticipantID)))
			return
		}
		seen[b.ParticipantID] = true
		paid, err := decimal.NewFromString(b.Paid)
		if err != nil {
			httpx.RespondError(w, shared.NewValidationError("paid", "paid must be a decimal number"))
			return
		}
		share, err := decimal.NewFromString(b.Share)
		if err != nil {
			httpx.RespondError(w, shared.NewValidationError("share", "share must be a decimal number"))
			return
		}
		balances[i] = settlement.Balance{ParticipantID: b.ParticipantID, Paid: paid, Share: share}
	}
	httpx.JSON(w, http.StatusOK, settlementResponse{Transfers: toTransfers(settlement.Compute(balances))})
}

func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("session_id", "session id must be a uuid"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
