package ledger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharepool/sharepool/internal/platform/httpx"
	"github.com/sharepool/sharepool/internal/shared"
)

// Handler exposes the personal ledger over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{ownerID}/entries", h.listEntries)
	r.Patch("/entries/{entryID}", h.updateEntry)
	r.Delete("/entries/{entryID}", h.deleteEntry)
}

type entryResponse struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"owner_id"`
	Amount      string        `json:"amount"`
	Category    string        `json:"category"`
	Description string        `json:"description"`
	Date        string        `json:"date"`
	Source      *MirrorSource `json:"source,omitempty"`
}

func toResponse(e Entry) entryResponse {
	return entryResponse{
		ID:          e.ID.String(),
		OwnerID:     e.OwnerID,
		Amount:      e.Amount.StringFixed(2),
		Category:    e.Category,
		Description: e.Description,
		Date:        e.Date.Format(time.DateOnly),
		Source:      e.Source,
	}
}

type updateRequest struct {
	Amount      *string `json:"amount" validate:"omitempty,numeric"`
	Category    *string `json:"category" validate:"omitempty,min=1,max=64"`
	Description *string `json:"description" validate:"omitempty,max=255"`
	Date        *string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

func (req updateRequest) toInput() (UpdateInput, error) {
	in := UpdateInput{Category: req.Category, Description: req.Description}
	if req.Amount != nil {
		amount, err := decimal.NewFromString(*req.Amount)
		if err != nil {
			return UpdateInput{}, shared.NewValidationError("amount", "amount must be a decimal number")
		}
		amount = amount.Round(2)
		in.Amount = &amount
	}
	if req.Date != nil {
		date, err := time.Parse(time.DateOnly, *req.Date)
		if err != nil {
			return UpdateInput{}, shared.NewValidationError("date", "date must be YYYY-MM-DD")
		}
		in.Date = &date
	}
	return in, nil
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	var period *shared.YearMonth
	if raw := r.URL.Query().Get("period"); raw != "" {
		ym, err := shared.ParseYearMonth(raw)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		period = &ym
	}
	entries, err := h.service.ListEntries(r.Context(), chi.URLParam(r, "ownerID"), period)
	if err != nil {
		h.fail(w, "list ledger entries", err)
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toResponse(e))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) updateEntry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("entry_id", "entry id must be a uuid"))
		return
	}
	var req updateRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in, err := req.toInput()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.UpdateEntry(r.Context(), id, in)
	if err != nil {
		h.fail(w, "update ledger entry", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(entry))
}

func (h *Handler) deleteEntry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("entry_id", "entry id must be a uuid"))
		return
	}
	if err := h.service.DeleteEntry(r.Context(), id); err != nil {
		h.fail(w, "delete ledger entry", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
