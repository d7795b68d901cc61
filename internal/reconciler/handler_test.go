package reconciler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/lifecycle"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/storage"
	"github.com/pixelforge/backend/internal/storetest"
)

type fixture struct {
	store   *storetest.Store
	blobs   *storage.MemoryStore
	handler *Handler
	user    uuid.UUID
	exec    uuid.UUID
}

// processing seeds a charged workflow execution that n8n has accepted.
func processing(t *testing.T, secret string) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storetest.New()
	led := ledger.NewService(store, store.Users(), store.Transactions(), nil)
	f := &fixture{store: store, blobs: storage.NewMemoryStore("https://files.test"), user: uuid.New(), exec: uuid.New()}
	store.AddUser(f.user, 100)

	workflow := uuid.New()
	usage, err := led.Debit(ctx, nil, f.user, 30, models.ActionRef{Kind: models.ActionKindWorkflow, ActionID: &workflow, ExecutionID: &f.exec}, "workflow")
	require.NoError(t, err)
	require.NoError(t, store.Executions().CreateTx(ctx, nil, &models.Execution{
		ID: f.exec, UserID: f.user, ActionKind: models.ActionKindWorkflow, ActionID: workflow,
		Status: lifecycle.Pending, InputParameters: json.RawMessage(`{}`), CreditsCharged: 30, UsageTransactionID: &usage.ID,
	}))
	handle := "n8n-42"
	require.NoError(t, store.Executions().MarkProcessing(ctx, nil, f.exec, &handle))

	f.handler = NewHandler(store.Executions(), f.blobs, secret, nil)
	return f
}

func (f *fixture) post(t *testing.T, body string, header map[string]string) (*httptest.ResponseRecorder, CallbackResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/workflow-callback", bytes.NewBufferString(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.Callback(rec, req)
	var resp CallbackResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestCallback_Success(t *testing.T) {
	f := processing(t, "")
	started := time.Now().Add(-90 * time.Second)
	f.store.SetExecutionCreatedAt(f.exec, started)

	rec, resp := f.post(t, `{"executionHandle":"n8n-42","status":"success","data":{"videoUrl":"https://cdn.test/v.mp4"}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	assert.Equal(t, lifecycle.Completed, resp.Status)
	assert.False(t, resp.Duplicate)
	assert.GreaterOrEqual(t, resp.ElapsedSeconds, 90.0)

	exec := f.store.Execution(f.exec)
	assert.Equal(t, lifecycle.Completed, exec.Status)
	require.NotNil(t, exec.OutputURL)
	assert.Equal(t, "https://cdn.test/v.mp4", *exec.OutputURL)
	assert.NotNil(t, exec.CompletedAt)
}

func TestCallback_ExecutionIDAsHandle(t *testing.T) {
	f := processing(t, "")
	rec, resp := f.post(t, `{"executionHandle":"`+f.exec.String()+`","status":"success","data":{"imageUrl":"https://cdn.test/i.png"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, f.exec, resp.ExecutionID)
}

func TestCallback_InlinePayloadStored(t *testing.T) {
	f := processing(t, "")
	video := base64.StdEncoding.EncodeToString([]byte("not really an mp4"))
	rec, resp := f.post(t, `{"executionHandle":"n8n-42","status":"success","data":{"videoBase64":"`+video+`"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, resp.OutputURL)
	assert.True(t, strings.HasPrefix(*resp.OutputURL, "https://files.test/workflows/"+f.user.String()+"/"))
	assert.True(t, strings.HasSuffix(*resp.OutputURL, ".mp4"))
	assert.Len(t, f.blobs.Objects, 1)
}

func TestCallback_FailureKeepsCharge(t *testing.T) {
	f := processing(t, "")
	rec, resp := f.post(t, `{"executionHandle":"n8n-42","status":"error","error":{"message":"render crashed"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, lifecycle.Failed, resp.Status)

	exec := f.store.Execution(f.exec)
	require.NotNil(t, exec.ErrorMessage)
	assert.Equal(t, "render crashed", *exec.ErrorMessage)
	// Accepted work that later fails is not refunded.
	assert.Equal(t, 70, f.store.Balance(f.user))
	assert.Len(t, f.store.TransactionsFor(f.user), 1)
}

func TestCallback_ReplayIsNoop(t *testing.T) {
	f := processing(t, "")
	body := `{"executionHandle":"n8n-42","status":"success","data":{"outputUrl":"https://cdn.test/first.png"}}`
	rec, _ := f.post(t, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := f.post(t, `{"executionHandle":"n8n-42","status":"error","error":"late failure"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, lifecycle.Completed, resp.Status)

	exec := f.store.Execution(f.exec)
	assert.Equal(t, lifecycle.Completed, exec.Status)
	assert.Equal(t, "https://cdn.test/first.png", *exec.OutputURL)
	assert.Nil(t, exec.ErrorMessage)
	assert.Equal(t, 70, f.store.Balance(f.user))
}

func TestCallback_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		header map[string]string
		status int
		code   string
	}{
		{"missing handle", `{"status":"success"}`, nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown handle", `{"executionHandle":"nope","status":"success"}`, nil, http.StatusNotFound, "RECONCILIATION_NOT_FOUND"},
		{"bad status", `{"executionHandle":"n8n-42","status":"maybe"}`, nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"malformed json", `{`, nil, http.StatusBadRequest, "BAD_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := processing(t, "")
			rec, _ := f.post(t, tt.body, tt.header)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.code)
			assert.Equal(t, lifecycle.Processing, f.store.Execution(f.exec).Status)
		})
	}
}

func TestCallback_Secret(t *testing.T) {
	f := processing(t, "s3cret")
	body := `{"executionHandle":"n8n-42","status":"success"}`

	rec, _ := f.post(t, body, map[string]string{"X-Webhook-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, lifecycle.Processing, f.store.Execution(f.exec).Status)

	rec, _ = f.post(t, body, map[string]string{"X-Webhook-Secret": "s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, lifecycle.Completed, f.store.Execution(f.exec).Status)
}
