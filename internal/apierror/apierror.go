// Package apierror maps domain errors onto the HTTP error contract:
//
//	{"error": {"code": "INSUFFICIENT_CREDITS", "message": "...", "available": 3, "required": 10}}
package apierror

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pixelforge/backend/internal/invoker"
	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/repository"
	"github.com/pixelforge/backend/internal/storage"
	"github.com/pixelforge/backend/internal/validation"
)

const (
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeInsufficientCredits    = "INSUFFICIENT_CREDITS"
	CodeUnsupportedModel       = "UNSUPPORTED_MODEL"
	CodeNotFound               = "NOT_FOUND"
	CodeProviderError          = "PROVIDER_ERROR"
	CodeReconciliationNotFound = "RECONCILIATION_NOT_FOUND"
	CodeValidation             = "VALIDATION_ERROR"
	CodeBadRequest             = "BAD_REQUEST"
	CodeRateLimited            = "RATE_LIMITED"
	CodePayloadTooLarge        = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedMediaType   = "UNSUPPORTED_MEDIA_TYPE"
	CodeInvalidSignature       = "INVALID_SIGNATURE"
	CodeConflict               = "CONFLICT"
	CodeInternal               = "INTERNAL_ERROR"
)

// MaxJSONBody caps JSON request bodies.
const MaxJSONBody = 1 << 20

// DecodeJSON decodes r's body into v, reading at most MaxJSONBody bytes.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxJSONBody)).Decode(v)
}

// BadBody writes the error for a body DecodeJSON rejected: 413 when it was
// over the cap, 400 otherwise.
func BadBody(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		Write(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body too large",
			map[string]any{"limit": tooLarge.Limit})
		return
	}
	Write(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON", nil)
}

type body struct {
	Error map[string]any `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Write emits an error body. details are merged next to code and message.
func Write(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	e := map[string]any{"code": code, "message": message}
	for k, v := range details {
		e[k] = v
	}
	WriteJSON(w, status, body{Error: e})
}

// From writes err using the code its sentinel maps to. Unrecognised errors
// are logged and reported as INTERNAL_ERROR without their text.
func From(w http.ResponseWriter, log *slog.Logger, err error) {
	var ice *ledger.InsufficientCreditsError
	switch {
	case errors.As(err, &ice):
		Write(w, http.StatusPaymentRequired, CodeInsufficientCredits, "Not enough credits for this action",
			map[string]any{"available": ice.Available, "required": ice.Required})
	case errors.Is(err, ledger.ErrInsufficientCredits):
		Write(w, http.StatusPaymentRequired, CodeInsufficientCredits, "Not enough credits for this action", nil)
	case errors.Is(err, invoker.ErrUnsupportedModel):
		Write(w, http.StatusBadRequest, CodeUnsupportedModel, err.Error(), nil)
	case errors.Is(err, validation.ErrValidation), errors.Is(err, invoker.ErrInvalidParameters):
		Write(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
	case errors.Is(err, invoker.ErrProviderFailure):
		Write(w, http.StatusBadGateway, CodeProviderError, err.Error(), nil)
	case errors.Is(err, storage.ErrInvalidPayload):
		Write(w, http.StatusBadGateway, CodeProviderError, err.Error(), nil)
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, ledger.ErrUserNotFound):
		Write(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	case errors.Is(err, repository.ErrConflict):
		Write(w, http.StatusConflict, CodeConflict, "Conflict", nil)
	default:
		if log == nil {
			log = slog.Default()
		}
		log.Error("unhandled error", "error", err)
		Write(w, http.StatusInternalServerError, CodeInternal, "Internal server error", nil)
	}
}
