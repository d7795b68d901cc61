package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pixelforge/backend/internal/invoker"
	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/repository"
	"github.com/pixelforge/backend/internal/validation"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var b struct {
		Error map[string]any `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return b.Error
}

func TestFrom(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("debit: %w", &ledger.InsufficientCreditsError{Available: 3, Required: 10}), http.StatusPaymentRequired, CodeInsufficientCredits},
		{fmt.Errorf("%w: fal-ai/x", invoker.ErrUnsupportedModel), http.StatusBadRequest, CodeUnsupportedModel},
		{fmt.Errorf("%w: timeout", invoker.ErrProviderFailure), http.StatusBadGateway, CodeProviderError},
		{fmt.Errorf("%w: prompt required", validation.ErrValidation), http.StatusBadRequest, CodeValidation},
		{repository.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		From(rec, nil, c.err)
		if rec.Code != c.status {
			t.Errorf("%v: expected %d, got %d", c.err, c.status, rec.Code)
		}
		if got := decode(t, rec)["code"]; got != c.code {
			t.Errorf("%v: expected code %s, got %v", c.err, c.code, got)
		}
	}
}

func TestFrom_InsufficientCreditsDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	From(rec, nil, &ledger.InsufficientCreditsError{Available: 3, Required: 10})
	e := decode(t, rec)
	if e["available"] != float64(3) || e["required"] != float64(10) {
		t.Fatalf("unexpected details: %v", e)
	}
}

func TestFrom_InternalHidesMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	From(rec, nil, errors.New("pq: password authentication failed"))
	if msg := decode(t, rec)["message"]; msg != "Internal server error" {
		t.Fatalf("leaked message: %v", msg)
	}
}

func TestDecodeJSON_CapsBody(t *testing.T) {
	var v map[string]any

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"`+strings.Repeat("b", MaxJSONBody)+`"}`))
	err := DecodeJSON(rec, req, &v)
	if err == nil {
		t.Fatal("expected an error for an oversized body")
	}
	BadBody(rec, err)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if got := decode(t, rec)["code"]; got != CodePayloadTooLarge {
		t.Fatalf("code = %v", got)
	}

	rec = httptest.NewRecorder()
	err = DecodeJSON(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{nope`)), &v)
	BadBody(rec, err)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	if err := DecodeJSON(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"ok":true}`)), &v); err != nil {
		t.Fatalf("small body rejected: %v", err)
	}
}
