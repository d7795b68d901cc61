package billing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/storetest"
)

const secret = "whsec_test"

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", timestamp, payload)))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func checkoutEvent(id string, metadata map[string]string) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":   id,
		"type": "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{
			"id":             "cs_test",
			"customer":       "cus_123",
			"subscription":   "sub_123",
			"payment_status": "paid",
			"metadata":       metadata,
		}},
	})
	return body
}

type fixture struct {
	store   *storetest.Store
	handler *Handler
	user    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storetest.New()
	f := &fixture{store: store, user: uuid.New()}
	store.AddUser(f.user, 5)
	led := ledger.NewService(store, store.Users(), store.Transactions(), nil)
	f.handler = NewHandler(led, store.Users(), secret, nil)
	return f
}

func (f *fixture) deliver(t *testing.T, payload []byte, header string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	if header == "" {
		header = buildStripeSignatureHeader(secret, payload, time.Now().Unix())
	}
	req.Header.Set("Stripe-Signature", header)
	rec := httptest.NewRecorder()
	f.handler.Webhook(rec, req)
	return rec
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	require.NoError(t, VerifySignature(payload, buildStripeSignatureHeader(secret, payload, now.Unix()), secret, DefaultTolerance, now))

	tests := []struct {
		name   string
		header string
		secret string
	}{
		{"wrong secret", buildStripeSignatureHeader("other", payload, now.Unix()), secret},
		{"stale timestamp", buildStripeSignatureHeader(secret, payload, now.Add(-10*time.Minute).Unix()), secret},
		{"malformed", "garbage", secret},
		{"no secret configured", buildStripeSignatureHeader("", payload, now.Unix()), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, VerifySignature(payload, tt.header, tt.secret, DefaultTolerance, now), ErrInvalidSignature)
		})
	}
}

func TestVerifySignature_AnyV1Matches(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()
	good := buildStripeSignatureHeader(secret, payload, now.Unix())
	header := fmt.Sprintf("t=%d,v1=deadbeef,%s", now.Unix(), good[len(fmt.Sprintf("t=%d,", now.Unix())):])
	assert.NoError(t, VerifySignature(payload, header, secret, DefaultTolerance, now))
}

func TestWebhook_CreditPurchaseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	payload := checkoutEvent("evt_buy_1", map[string]string{"type": "credits", "credits": "100", "user_id": f.user.String()})

	rec := f.deliver(t, payload, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 105, f.store.Balance(f.user))

	rec = f.deliver(t, payload, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"duplicate"`)
	assert.Equal(t, 105, f.store.Balance(f.user))

	entries := f.store.TransactionsFor(f.user)
	require.Len(t, entries, 1)
	assert.Equal(t, models.TransactionPurchase, entries[0].Type)
	assert.Equal(t, 100, entries[0].Amount)
	require.NotNil(t, entries[0].PaymentEventID)
	assert.Equal(t, "evt_buy_1", *entries[0].PaymentEventID)
}

func TestWebhook_SubscriptionLifecycle(t *testing.T) {
	f := newFixture(t)
	rec := f.deliver(t, checkoutEvent("evt_sub", map[string]string{"type": "subscription", "plan": "pro", "user_id": f.user.String()}), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	u := f.store.User(f.user)
	assert.Equal(t, models.PlanPro, u.Plan)
	require.NotNil(t, u.StripeSubscriptionID)
	assert.Equal(t, "sub_123", *u.StripeSubscriptionID)
	assert.Equal(t, 5, u.Credits)
	assert.Empty(t, f.store.TransactionsFor(f.user))

	deleted, _ := json.Marshal(map[string]any{
		"id": "evt_del", "type": "customer.subscription.deleted",
		"data": map[string]any{"object": map[string]any{"id": "sub_123"}},
	})
	rec = f.deliver(t, deleted, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	u = f.store.User(f.user)
	assert.Equal(t, models.PlanFree, u.Plan)
	assert.Nil(t, u.StripeSubscriptionID)
}

func TestWebhook_BadSignatureMutatesNothing(t *testing.T) {
	f := newFixture(t)
	payload := checkoutEvent("evt_forged", map[string]string{"type": "credits", "credits": "1000", "user_id": f.user.String()})
	rec := f.deliver(t, payload, buildStripeSignatureHeader("attacker", payload, time.Now().Unix()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_SIGNATURE")
	assert.Equal(t, 5, f.store.Balance(f.user))
}

func TestWebhook_IgnoredAndMalformed(t *testing.T) {
	f := newFixture(t)

	rec := f.deliver(t, []byte(`{"id":"evt_x","type":"payment_intent.created","data":{"object":{}}}`), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.deliver(t, []byte(`{"id":"evt_inv","type":"invoice.paid","data":{"object":{}}}`), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, f.store.Balance(f.user))

	rec = f.deliver(t, checkoutEvent("evt_bad", map[string]string{"type": "credits", "credits": "lots", "user_id": f.user.String()}), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 5, f.store.Balance(f.user))
}
