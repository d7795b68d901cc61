package account

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/lifecycle"
	"github.com/pixelforge/backend/internal/middleware"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/storetest"
)

func setup(t *testing.T) (*storetest.Store, *http.ServeMux, uuid.UUID) {
	t.Helper()
	store := storetest.New()
	user := uuid.New()
	store.AddUser(user, 100)
	h := NewHandler(store.Users(), store.Transactions(), store.Executions(), nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/account/me", h.GetMe)
	mux.HandleFunc("GET /api/v1/account/transactions", h.ListTransactions)
	mux.HandleFunc("GET /api/v1/executions", h.ListExecutions)
	mux.HandleFunc("GET /api/v1/executions/{id}", h.GetExecution)
	return store, mux, user
}

func get(mux *http.ServeMux, path string, user uuid.UUID) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if user != uuid.Nil {
		req = req.WithContext(middleware.WithUser(req.Context(), user, "user"))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestGetMe(t *testing.T) {
	_, mux, user := setup(t)
	rec := get(mux, "/api/v1/account/me", user)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(100), resp["credits"])
	assert.Equal(t, "free", resp["plan"])
	assert.NotContains(t, rec.Body.String(), "password")

	assert.Equal(t, http.StatusUnauthorized, get(mux, "/api/v1/account/me", uuid.Nil).Code)
}

func TestListTransactions_NewestFirst(t *testing.T) {
	store, mux, user := setup(t)
	led := ledger.NewService(store, store.Users(), store.Transactions(), nil)
	ctx := context.Background()
	_, err := led.Debit(ctx, nil, user, 10, models.ActionRef{}, "first")
	require.NoError(t, err)
	_, err = led.Debit(ctx, nil, user, 5, models.ActionRef{}, "second")
	require.NoError(t, err)

	rec := get(mux, "/api/v1/account/transactions?limit=1", user)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "second", list[0].Description)
	assert.Equal(t, 85, list[0].BalanceAfter)
}

func TestExecutions_ScopedToOwner(t *testing.T) {
	store, mux, user := setup(t)
	other := uuid.New()
	store.AddUser(other, 0)
	ctx := context.Background()
	mine := &models.Execution{UserID: user, ActionKind: models.ActionKindWorkflow, ActionID: uuid.New(), Status: lifecycle.Pending, InputParameters: json.RawMessage(`{}`)}
	theirs := &models.Execution{UserID: other, ActionKind: models.ActionKindWorkflow, ActionID: uuid.New(), Status: lifecycle.Pending, InputParameters: json.RawMessage(`{}`)}
	require.NoError(t, store.Executions().CreateTx(ctx, nil, mine))
	require.NoError(t, store.Executions().CreateTx(ctx, nil, theirs))

	rec := get(mux, "/api/v1/executions/"+mine.ID.String(), user)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, lifecycle.Pending, got.Status)

	assert.Equal(t, http.StatusNotFound, get(mux, "/api/v1/executions/"+theirs.ID.String(), user).Code)

	rec = get(mux, "/api/v1/executions", user)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)
}
