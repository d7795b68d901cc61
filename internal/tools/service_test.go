package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge/backend/internal/apierror"
	"github.com/pixelforge/backend/internal/invoker"
	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/lifecycle"
	"github.com/pixelforge/backend/internal/middleware"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/repository"
	"github.com/pixelforge/backend/internal/storage"
	"github.com/pixelforge/backend/internal/storetest"
	"github.com/pixelforge/backend/internal/validation"
)

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	store    *storetest.Store
	ledger   ledger.Service
	registry *invoker.Registry
	blobs    *storage.MemoryStore
	svc      *Service
	user     uuid.UUID
	tool     *models.Action
	calls    int
}

const testModel = "fal-ai/test-model"

func newFixture(t *testing.T, balance int) *fixture {
	t.Helper()
	store := storetest.New()
	f := &fixture{
		store:    store,
		ledger:   ledger.NewService(store, store.Users(), store.Transactions(), nil),
		registry: invoker.NewRegistry(),
		blobs:    storage.NewMemoryStore("https://files.test"),
		user:     uuid.New(),
	}
	store.AddUser(f.user, balance)
	resolution := "1080p"
	f.tool = &models.Action{
		ID: uuid.New(), Kind: models.ActionKindTool, Name: "Test Model", Slug: "test-model",
		ExternalRef: testModel, BaseCreditCost: 10, IsActive: true,
		ParameterSchema: json.RawMessage(`{"type":"object","required":["prompt"]}`),
		PricingRules: []models.PricingRule{
			{ParameterName: "resolution", ParameterValue: &resolution, CreditMultiplier: decimal.NewFromInt(2)},
		},
	}
	store.AddAction(f.tool)
	f.svc = NewService(store, store.Actions(), f.ledger, f.registry, store.Executions(), validation.New(), f.blobs, nil)
	return f
}

func (f *fixture) provider(fn func(ctx context.Context, params map[string]any) (invoker.Result, error)) {
	f.registry.Register(testModel, invoker.AdapterFunc(func(ctx context.Context, params map[string]any) (invoker.Result, error) {
		f.calls++
		return fn(ctx, params)
	}), 0)
}

func succeed(url string) func(context.Context, map[string]any) (invoker.Result, error) {
	return func(context.Context, map[string]any) (invoker.Result, error) {
		return invoker.Result{Success: true, OutputURL: url, Outputs: []string{url}}, nil
	}
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

func TestExecute_ChargesAfterSuccess(t *testing.T) {
	f := newFixture(t, 50)
	f.provider(succeed("https://cdn.fal/out.png"))

	res, err := f.svc.Execute(context.Background(), f.user, f.tool.ID, map[string]any{"prompt": "a cat", "resolution": "1080p"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 20, res.CreditsUsed)
	assert.Equal(t, 30, res.RemainingCredits)
	assert.Equal(t, "https://cdn.fal/out.png", res.OutputURL)
	assert.Equal(t, 30, f.store.Balance(f.user))

	entries := f.store.TransactionsFor(f.user)
	require.Len(t, entries, 1)
	assert.Equal(t, models.TransactionUsage, entries[0].Type)
	assert.Equal(t, -20, entries[0].Amount)
	assert.Equal(t, &res.ExecutionID, entries[0].ExecutionID)

	exec := f.store.Execution(res.ExecutionID)
	require.NotNil(t, exec)
	assert.Equal(t, lifecycle.Completed, exec.Status)
	assert.Equal(t, 20, exec.CreditsCharged)
	assert.NotNil(t, exec.CompletedAt)
	assert.Equal(t, &entries[0].ID, exec.UsageTransactionID)
}

func TestExecute_ProviderFailureChargesNothing(t *testing.T) {
	f := newFixture(t, 50)
	f.provider(func(context.Context, map[string]any) (invoker.Result, error) {
		return invoker.Result{}, fmt.Errorf("%w: status 500", invoker.ErrProviderFailure)
	})

	before := f.store.Balance(f.user)
	_, err := f.svc.Execute(context.Background(), f.user, f.tool.ID, map[string]any{"prompt": "a cat"})
	require.ErrorIs(t, err, invoker.ErrProviderFailure)

	assert.Equal(t, 1, f.calls)
	assert.Equal(t, before, f.store.Balance(f.user))
	assert.Empty(t, f.store.TransactionsFor(f.user))
	assert.Zero(t, f.store.ExecutionCount())
}

func TestExecute_InsufficientCreditsSkipsProvider(t *testing.T) {
	f := newFixture(t, 5)
	f.provider(succeed("https://cdn.fal/out.png"))

	_, err := f.svc.Execute(context.Background(), f.user, f.tool.ID, map[string]any{"prompt": "a cat"})
	var ice *ledger.InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, 5, ice.Available)
	assert.Equal(t, 10, ice.Required)
	assert.Zero(t, f.calls)
	assert.Equal(t, 5, f.store.Balance(f.user))
}

func TestExecute_BalanceSpentDuringCallWithholdsOutput(t *testing.T) {
	f := newFixture(t, 10)
	f.provider(func(ctx context.Context, _ map[string]any) (invoker.Result, error) {
		// Another request spends the balance while this one waits on the provider.
		_, err := f.ledger.Debit(ctx, nil, f.user, 10, models.ActionRef{}, "concurrent")
		require.NoError(t, err)
		return invoker.Result{Success: true, OutputURL: "https://cdn.fal/out.png"}, nil
	})

	_, err := f.svc.Execute(context.Background(), f.user, f.tool.ID, map[string]any{"prompt": "a cat"})
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	assert.Equal(t, 0, f.store.Balance(f.user))
	assert.Len(t, f.store.TransactionsFor(f.user), 1)
	assert.Zero(t, f.store.ExecutionCount())
}

func TestExecute_UnsupportedModel(t *testing.T) {
	f := newFixture(t, 50)
	_, err := f.svc.Execute(context.Background(), f.user, f.tool.ID, map[string]any{"prompt": "a cat"})
	require.ErrorIs(t, err, invoker.ErrUnsupportedModel)
	assert.Equal(t, 50, f.store.Balance(f.user))
	assert.Empty(t, f.store.TransactionsFor(f.user))
}

func TestExecute_InvalidParamsSkipProvider(t *testing.T) {
	f := newFixture(t, 50)
	f.provider(succeed("https://cdn.fal/out.png"))
	_, err := f.svc.Execute(context.Background(), f.user, f.tool.ID, map[string]any{"resolution": "1080p"})
	require.ErrorIs(t, err, validation.ErrValidation)
	assert.Zero(t, f.calls)
}

func TestExecute_InactiveTool(t *testing.T) {
	f := newFixture(t, 50)
	f.tool.IsActive = false
	f.store.AddAction(f.tool)
	_, err := f.svc.Execute(context.Background(), f.user, f.tool.ID, map[string]any{"prompt": "x"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestExecute_PersistsInlineOutput(t *testing.T) {
	f := newFixture(t, 50)
	payload := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\nfake"))
	f.provider(succeed("data:image/png;base64," + payload))

	res, err := f.svc.Execute(context.Background(), f.user, f.tool.ID, map[string]any{"prompt": "a cat"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.OutputURL, "https://files.test/outputs/"+f.user.String()+"/"), res.OutputURL)
	assert.True(t, strings.HasSuffix(res.OutputURL, ".png"))
	assert.Len(t, f.blobs.Objects, 1)
	assert.Equal(t, res.OutputURL, *f.store.Execution(res.ExecutionID).OutputURL)
}

func TestPreview(t *testing.T) {
	f := newFixture(t, 15)
	quote, auth, err := f.svc.Preview(context.Background(), f.user, f.tool.ID, map[string]any{"resolution": "1080p"})
	require.NoError(t, err)
	assert.Equal(t, 20, quote.Cost)
	assert.False(t, auth.Sufficient)
	assert.Equal(t, 15, auth.Available)
	assert.Equal(t, 15, f.store.Balance(f.user))
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func executeRequestFor(t *testing.T, f *fixture, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tools/{id}/execute", NewHandler(f.svc, nil).Execute)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/"+f.tool.ID.String()+"/execute", bytes.NewBufferString(body))
	req = req.WithContext(middleware.WithUser(req.Context(), f.user, "user"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ExecuteVideo(t *testing.T) {
	f := newFixture(t, 50)
	f.provider(succeed("https://cdn.fal/clip.mp4"))

	rec := executeRequestFor(t, f, `{"parameters":{"prompt":"waves"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "https://cdn.fal/clip.mp4", resp["videoUrl"])
	assert.Equal(t, float64(10), resp["creditsUsed"])
	assert.Equal(t, float64(40), resp["remainingCredits"])
}

func TestHandler_InsufficientCredits(t *testing.T) {
	f := newFixture(t, 1)
	f.provider(succeed("https://cdn.fal/out.png"))

	rec := executeRequestFor(t, f, `{"parameters":{"prompt":"x"}}`)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
	assert.Contains(t, rec.Body.String(), `"INSUFFICIENT_CREDITS"`)
}

func TestHandler_ProviderError(t *testing.T) {
	f := newFixture(t, 50)
	f.provider(func(context.Context, map[string]any) (invoker.Result, error) {
		return invoker.Result{}, errors.New("upstream timeout")
	})
	rec := executeRequestFor(t, f, `{"parameters":{"prompt":"x"}}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	assert.Contains(t, rec.Body.String(), `"PROVIDER_ERROR"`)
}

func TestHandler_Unauthenticated(t *testing.T) {
	f := newFixture(t, 50)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/"+f.tool.ID.String()+"/execute", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	NewHandler(f.svc, nil).Execute(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandler_OversizedBody(t *testing.T) {
	f := newFixture(t, 50)
	f.provider(succeed("https://cdn.fal/out.png"))

	prompt := strings.Repeat("a", apierror.MaxJSONBody)
	rec := executeRequestFor(t, f, `{"parameters":{"prompt":"`+prompt+`"}}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	assert.Contains(t, rec.Body.String(), `"PAYLOAD_TOO_LARGE"`)
	assert.Equal(t, 50, f.store.Balance(f.user))
}
