// Package catalog serves the read-only tool and workflow catalog and cost
// quotes for a planned run.
package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pixelforge/backend/internal/apierror"
	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/metrics"
	"github.com/pixelforge/backend/internal/middleware"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/pricing"
)

type Store interface {
	GetActive(ctx context.Context, kind string, id uuid.UUID) (*models.Action, error)
	ListActive(ctx context.Context, kind string) ([]*models.Action, error)
}

// Previewer prices a run without charging. Satisfied by tools.Service and
// workflows.Service.
type Previewer interface {
	Preview(ctx context.Context, userID, actionID uuid.UUID, params map[string]any) (pricing.Quote, ledger.Authorization, error)
}

type Handler struct {
	store     Store
	tools     Previewer
	workflows Previewer
	log       *slog.Logger
}

func NewHandler(store Store, tools, workflows Previewer, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: store, tools: tools, workflows: workflows, log: log}
}

type QuoteResponse struct {
	pricing.Quote
	Available  int  `json:"available"`
	Sufficient bool `json:"sufficient"`
}

func (h *Handler) ListTools(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, models.ActionKindTool)
}

func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, models.ActionKindWorkflow)
}

func (h *Handler) GetTool(w http.ResponseWriter, r *http.Request) {
	h.get(w, r, models.ActionKindTool)
}

func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	h.get(w, r, models.ActionKindWorkflow)
}

func (h *Handler) QuoteTool(w http.ResponseWriter, r *http.Request) {
	h.quote(w, r, h.tools)
}

func (h *Handler) QuoteWorkflow(w http.ResponseWriter, r *http.Request) {
	h.quote(w, r, h.workflows)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, kind string) {
	actions, err := h.store.ListActive(r.Context(), kind)
	if err != nil {
		apierror.From(w, h.log, err)
		return
	}
	if actions == nil {
		actions = []*models.Action{}
	}
	apierror.WriteJSON(w, http.StatusOK, actions)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request, kind string) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		apierror.Write(w, http.StatusNotFound, apierror.CodeNotFound, "Not found", nil)
		return
	}
	action, err := h.store.GetActive(r.Context(), kind, id)
	if err != nil {
		apierror.From(w, h.log, err)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, action)
}

// quote answers POST .../{id}/quote with {"parameters": {...}}. An empty body
// prices the action with no parameters.
func (h *Handler) quote(w http.ResponseWriter, r *http.Request, p Previewer) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		apierror.Write(w, http.StatusUnauthorized, apierror.CodeUnauthorized, "unauthorized", nil)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		apierror.Write(w, http.StatusNotFound, apierror.CodeNotFound, "Not found", nil)
		return
	}
	var req struct {
		Parameters map[string]any `json:"parameters"`
	}
	if err := apierror.DecodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		apierror.BadBody(w, err)
		return
	}
	quote, auth, err := p.Preview(r.Context(), userID, id, req.Parameters)
	if err != nil {
		apierror.From(w, h.log, err)
		return
	}
	if !auth.Sufficient {
		metrics.InsufficientCredits.WithLabelValues("preview").Inc()
	}
	apierror.WriteJSON(w, http.StatusOK, QuoteResponse{Quote: quote, Available: auth.Available, Sufficient: auth.Sufficient})
}
