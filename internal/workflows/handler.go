package workflows

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pixelforge/backend/internal/apierror"
	"github.com/pixelforge/backend/internal/lifecycle"
	"github.com/pixelforge/backend/internal/middleware"
)

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

type executeRequest struct {
	Parameters map[string]any `json:"parameters"`
}

type ExecuteResponse struct {
	Success          bool             `json:"success"`
	ExecutionID      uuid.UUID        `json:"executionId"`
	Status           lifecycle.Status `json:"status"`
	CreditsUsed      int              `json:"creditsUsed"`
	RemainingCredits int              `json:"remainingCredits"`
}

// Execute handles POST /api/v1/workflows/{id}/execute and answers 202 once
// the run is charged and queued.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		apierror.Write(w, http.StatusUnauthorized, apierror.CodeUnauthorized, "unauthorized", nil)
		return
	}
	workflowID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		apierror.Write(w, http.StatusNotFound, apierror.CodeNotFound, "workflow not found", nil)
		return
	}
	var req executeRequest
	if err := apierror.DecodeJSON(w, r, &req); err != nil {
		apierror.BadBody(w, err)
		return
	}

	acc, err := h.svc.Execute(r.Context(), userID, workflowID, req.Parameters)
	if err != nil {
		apierror.From(w, h.log, err)
		return
	}
	apierror.WriteJSON(w, http.StatusAccepted, ExecuteResponse{
		Success:          true,
		ExecutionID:      acc.Execution.ID,
		Status:           acc.Execution.Status,
		CreditsUsed:      acc.Execution.CreditsCharged,
		RemainingCredits: acc.RemainingCredits,
	})
}
