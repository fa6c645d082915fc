package propagation

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sharepool/sharepool/internal/platform/httpx"
	"github.com/sharepool/sharepool/internal/shared"
)

// Handler exposes propagation over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers the propagation routes under a session router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/{sessionID}/propagate", h.propagate)
	r.Delete("/{sessionID}/propagate", h.cancel)
}

type propagateRequest struct {
	Horizon int `json:"horizon" validate:"omitempty,min=1,max=24"`
}

type propagateResponse struct {
	SessionID  string      `json:"session_id"`
	Created    []string    `json:"created"`
	Skipped    []string    `json:"skipped,omitempty"`
	Done       bool        `json:"done"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
}

func (h *Handler) propagate(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("session_id", "session id must be a uuid"))
		return
	}
	var req propagateRequest
	if r.ContentLength != 0 {
		if err := httpx.Bind(r, h.validator, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	result, err := h.service.Propagate(r.Context(), sessionID, req.Horizon)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			httpx.Problem(w, http.StatusConflict, "Propagation Running", err.Error())
			return
		}
		if h.logger != nil {
			h.logger.Warn("propagate", slog.String("session_id", sessionID.String()), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	resp := propagateResponse{
		SessionID:  result.SessionID.String(),
		Created:    make([]string, len(result.Created)),
		Done:       result.Done(),
		Checkpoint: result.Checkpoint,
	}
	for i, p := range result.Created {
		resp.Created[i] = p.String()
	}
	for _, p := range result.Skipped {
		resp.Skipped = append(resp.Skipped, p.String())
	}
	status := http.StatusOK
	if !resp.Done {
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, resp)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("session_id", "session id must be a uuid"))
		return
	}
	if err := h.service.Cancel(r.Context(), sessionID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
