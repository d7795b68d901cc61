// Package account serves the signed-in user's balance, ledger history and
// execution records. Executions are polled here until they leave pending.
package account

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/pixelforge/backend/internal/apierror"
	"github.com/pixelforge/backend/internal/middleware"
	"github.com/pixelforge/backend/internal/models"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type Transactions interface {
	ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
}

type Executions interface {
	GetForUser(ctx context.Context, userID, id uuid.UUID) (*models.Execution, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Execution, error)
}

type Handler struct {
	users        Users
	transactions Transactions
	executions   Executions
	log          *slog.Logger
}

func NewHandler(users Users, transactions Transactions, executions Executions, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{users: users, transactions: transactions, executions: executions, log: log}
}

// GET /api/v1/account/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	u, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		apierror.From(w, h.log, err)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, map[string]any{
		"id":         u.ID,
		"email":      u.Email,
		"credits":    u.Credits,
		"plan":       u.Plan,
		"is_admin":   u.IsAdmin,
		"created_at": u.CreatedAt,
	})
}

// GET /api/v1/account/transactions, newest first.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	list, err := h.transactions.ListByUserID(r.Context(), userID, limit(r))
	if err != nil {
		apierror.From(w, h.log, err)
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	apierror.WriteJSON(w, http.StatusOK, list)
}

// GET /api/v1/executions
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	list, err := h.executions.ListByUser(r.Context(), userID, limit(r))
	if err != nil {
		apierror.From(w, h.log, err)
		return
	}
	if list == nil {
		list = []*models.Execution{}
	}
	apierror.WriteJSON(w, http.StatusOK, list)
}

// GET /api/v1/executions/{id}
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		apierror.Write(w, http.StatusNotFound, apierror.CodeNotFound, "Not found", nil)
		return
	}
	exec, err := h.executions.GetForUser(r.Context(), userID, id)
	if err != nil {
		apierror.From(w, h.log, err)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, exec)
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		apierror.Write(w, http.StatusUnauthorized, apierror.CodeUnauthorized, "unauthorized", nil)
	}
	return id, ok
}

func limit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	return min(n, maxLimit)
}
