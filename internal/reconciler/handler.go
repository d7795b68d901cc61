// Package reconciler finalizes asynchronous executions from workflow
// completion callbacks. It only writes execution records; charges were
// settled when the workflow was accepted.
package reconciler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelforge/backend/internal/apierror"
	"github.com/pixelforge/backend/internal/lifecycle"
	"github.com/pixelforge/backend/internal/metrics"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/repository"
	"github.com/pixelforge/backend/internal/storage"
)

const maxCallbackBytes = 64 << 20

type ExecutionStore interface {
	FindByHandle(ctx context.Context, handle string) (*models.Execution, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error)
	Finish(ctx context.Context, tx pgx.Tx, id uuid.UUID, to lifecycle.Status, outputURL, errorMessage *string) (*models.Execution, error)
}

type Handler struct {
	executions ExecutionStore
	storage    storage.Store
	secret     string
	now        func() time.Time
	log        *slog.Logger
}

// NewHandler builds the callback handler. An empty secret disables the
// X-Webhook-Secret check.
func NewHandler(executions ExecutionStore, store storage.Store, secret string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{executions: executions, storage: store, secret: secret, now: time.Now, log: log}
}

// CallbackRequest is the body n8n posts when a workflow run ends.
type CallbackRequest struct {
	ExecutionHandle string          `json:"executionHandle"`
	Status          string          `json:"status"`
	Data            *CallbackData   `json:"data,omitempty"`
	Error           json.RawMessage `json:"error,omitempty"`
}

type CallbackData struct {
	VideoURL    string `json:"videoUrl,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	OutputURL   string `json:"outputUrl,omitempty"`
	VideoBase64 string `json:"videoBase64,omitempty"`
	ImageBase64 string `json:"imageBase64,omitempty"`
}

type CallbackResponse struct {
	Success        bool             `json:"success"`
	ExecutionID    uuid.UUID        `json:"executionId"`
	Status         lifecycle.Status `json:"status"`
	OutputURL      *string          `json:"outputUrl,omitempty"`
	ElapsedSeconds float64          `json:"elapsedSeconds"`
	Duplicate      bool             `json:"duplicate,omitempty"`
}

// Callback handles POST /api/v1/webhooks/workflow-callback.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			metrics.Callbacks.WithLabelValues("workflow", "unauthorized").Inc()
			apierror.Write(w, http.StatusUnauthorized, apierror.CodeUnauthorized, "invalid webhook secret", nil)
			return
		}
	}

	var req CallbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallbackBytes)).Decode(&req); err != nil {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeBadRequest, "invalid JSON", nil)
		return
	}
	handle := strings.TrimSpace(req.ExecutionHandle)
	if handle == "" {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeBadRequest, "executionHandle is required", nil)
		return
	}
	var to lifecycle.Status
	switch strings.ToLower(req.Status) {
	case "success", "completed":
		to = lifecycle.Completed
	case "error", "failed":
		to = lifecycle.Failed
	default:
		apierror.Write(w, http.StatusBadRequest, apierror.CodeBadRequest, "status must be success or error", nil)
		return
	}

	ctx := r.Context()
	exec, err := h.executions.FindByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			metrics.Callbacks.WithLabelValues("workflow", "not_found").Inc()
			apierror.Write(w, http.StatusNotFound, apierror.CodeReconciliationNotFound, "no execution for handle", nil)
			return
		}
		apierror.From(w, h.log, err)
		return
	}
	log := h.log.With("execution_id", exec.ID, "user_id", exec.UserID, "external_handle", handle)
	elapsed := h.now().Sub(exec.CreatedAt)

	if exec.Status.Terminal() {
		h.duplicate(w, log, exec, elapsed)
		return
	}

	var outputURL, errMsg *string
	if to == lifecycle.Completed {
		url, err := h.output(ctx, exec.UserID, req.Data)
		if err != nil {
			log.Warn("callback output rejected", "error", err)
			apierror.Write(w, http.StatusBadRequest, apierror.CodeBadRequest, err.Error(), nil)
			return
		}
		if url != "" {
			outputURL = &url
		}
	} else {
		msg := errorMessage(req.Error)
		errMsg = &msg
	}

	updated, err := h.executions.Finish(ctx, nil, exec.ID, to, outputURL, errMsg)
	if err != nil {
		if errors.Is(err, repository.ErrConditionNotMet) {
			current, getErr := h.executions.GetByID(ctx, exec.ID)
			if getErr != nil {
				apierror.From(w, h.log, getErr)
				return
			}
			h.duplicate(w, log, current, elapsed)
			return
		}
		apierror.From(w, h.log, err)
		return
	}

	metrics.Callbacks.WithLabelValues("workflow", string(to)).Inc()
	metrics.ExecutionElapsed.Observe(elapsed.Seconds())
	log.Info("execution reconciled", "status", to, "elapsed_seconds", elapsed.Seconds())
	apierror.WriteJSON(w, http.StatusOK, CallbackResponse{
		Success:        true,
		ExecutionID:    updated.ID,
		Status:         updated.Status,
		OutputURL:      updated.OutputURL,
		ElapsedSeconds: elapsed.Seconds(),
	})
}

func (h *Handler) duplicate(w http.ResponseWriter, log *slog.Logger, exec *models.Execution, elapsed time.Duration) {
	metrics.Callbacks.WithLabelValues("workflow", "duplicate").Inc()
	log.Info("callback for finished execution ignored", "status", exec.Status)
	apierror.WriteJSON(w, http.StatusOK, CallbackResponse{
		Success:        true,
		ExecutionID:    exec.ID,
		Status:         exec.Status,
		OutputURL:      exec.OutputURL,
		ElapsedSeconds: elapsed.Seconds(),
		Duplicate:      true,
	})
}

// output resolves the callback's result to a URL, uploading inline payloads.
func (h *Handler) output(ctx context.Context, userID uuid.UUID, d *CallbackData) (string, error) {
	if d == nil {
		return "", nil
	}
	for _, u := range []string{d.VideoURL, d.ImageURL, d.OutputURL} {
		if u != "" {
			return u, nil
		}
	}
	inline := []struct{ payload, fallback string }{
		{d.VideoBase64, "video/mp4"},
		{d.ImageBase64, "image/png"},
	}
	for _, in := range inline {
		if in.payload == "" {
			continue
		}
		data, contentType, err := storage.DecodeInline(in.payload, in.fallback)
		if err != nil {
			return "", err
		}
		return h.storage.Put(ctx, "workflows/"+userID.String(), data, contentType)
	}
	return "", nil
}

// errorMessage accepts {"message": "..."} or a bare string.
func errorMessage(raw json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return "workflow reported an error"
}
