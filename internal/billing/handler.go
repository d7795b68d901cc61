// Package billing applies Stripe webhook events: one-off credit packs go
// through the ledger, subscriptions only change the user's plan.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pixelforge/backend/internal/apierror"
	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/metrics"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/repository"
)

const maxEventBytes = 1 << 20

// Purchaser is the ledger surface billing needs.
type Purchaser interface {
	Purchase(ctx context.Context, userID uuid.UUID, credits int, paymentEventID, description string) (*models.Transaction, error)
}

type Subscriptions interface {
	SetSubscription(ctx context.Context, id uuid.UUID, plan string, customerID, subscriptionID *string) error
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

type Handler struct {
	ledger        Purchaser
	subscriptions Subscriptions
	secret        string
	tolerance     time.Duration
	now           func() time.Time
	log           *slog.Logger
}

func NewHandler(led Purchaser, subs Subscriptions, secret string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{ledger: led, subscriptions: subs, secret: secret, tolerance: DefaultTolerance, now: time.Now, log: log}
}

type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type checkoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	PaymentStatus     string            `json:"payment_status"`
	Metadata          map[string]string `json:"metadata"`
}

type subscription struct {
	ID string `json:"id"`
}

// Webhook handles POST /api/v1/webhooks/stripe. Events that are understood
// but need no action are acknowledged with 200 so Stripe stops retrying.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeBadRequest, "unreadable body", nil)
		return
	}
	if err := VerifySignature(payload, r.Header.Get("Stripe-Signature"), h.secret, h.tolerance, h.now()); err != nil {
		metrics.Callbacks.WithLabelValues("stripe", "invalid_signature").Inc()
		h.log.Warn("stripe signature rejected", "error", err)
		apierror.Write(w, http.StatusBadRequest, apierror.CodeInvalidSignature, "invalid signature", nil)
		return
	}

	var evt event
	if err := json.Unmarshal(payload, &evt); err != nil || evt.ID == "" {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeBadRequest, "invalid event", nil)
		return
	}
	log := h.log.With("stripe_event_id", evt.ID, "stripe_event_type", evt.Type)

	var result string
	switch evt.Type {
	case "checkout.session.completed":
		result, err = h.checkoutCompleted(r.Context(), log, evt)
	case "customer.subscription.deleted":
		result, err = h.subscriptionDeleted(r.Context(), log, evt)
	case "invoice.paid":
		// Renewal grants are not defined; the plan itself stays active.
		log.Info("subscription invoice paid")
		result = "logged"
	default:
		result = "ignored"
	}
	if err != nil {
		metrics.Callbacks.WithLabelValues("stripe", "error").Inc()
		if errors.Is(err, errBadEvent) {
			apierror.Write(w, http.StatusBadRequest, apierror.CodeBadRequest, err.Error(), nil)
			return
		}
		apierror.From(w, log, err)
		return
	}
	metrics.Callbacks.WithLabelValues("stripe", result).Inc()
	apierror.WriteJSON(w, http.StatusOK, map[string]any{"received": true, "result": result})
}

var errBadEvent = errors.New("malformed checkout session")

func (h *Handler) checkoutCompleted(ctx context.Context, log *slog.Logger, evt event) (string, error) {
	var sess checkoutSession
	if err := json.Unmarshal(evt.Data.Object, &sess); err != nil {
		return "", errBadEvent
	}
	if sess.PaymentStatus != "" && sess.PaymentStatus != "paid" && sess.PaymentStatus != "no_payment_required" {
		log.Info("checkout completed without payment", "payment_status", sess.PaymentStatus)
		return "unpaid", nil
	}
	ref := sess.Metadata["user_id"]
	if ref == "" {
		ref = sess.ClientReferenceID
	}
	userID, err := uuid.Parse(ref)
	if err != nil {
		return "", errBadEvent
	}
	log = log.With("user_id", userID)

	switch sess.Metadata["type"] {
	case "credits":
		credits, err := strconv.Atoi(strings.TrimSpace(sess.Metadata["credits"]))
		if err != nil || credits <= 0 {
			return "", errBadEvent
		}
		_, err = h.ledger.Purchase(ctx, userID, credits, evt.ID, "Credit purchase: "+strconv.Itoa(credits)+" credits")
		if errors.Is(err, ledger.ErrDuplicatePaymentEvent) {
			log.Info("duplicate stripe event ignored")
			return "duplicate", nil
		}
		if err != nil {
			return "", err
		}
		return "credited", nil

	case "subscription":
		plan := sess.Metadata["plan"]
		if plan == "" {
			plan = models.PlanPro
		}
		if err := h.subscriptions.SetSubscription(ctx, userID, plan, optional(sess.Customer), optional(sess.Subscription)); err != nil {
			return "", err
		}
		log.Info("subscription activated", "plan", plan)
		return "subscribed", nil

	default:
		log.Info("checkout session without a known type", "type", sess.Metadata["type"])
		return "ignored", nil
	}
}

func (h *Handler) subscriptionDeleted(ctx context.Context, log *slog.Logger, evt event) (string, error) {
	var sub subscription
	if err := json.Unmarshal(evt.Data.Object, &sub); err != nil || sub.ID == "" {
		return "", errBadEvent
	}
	if err := h.subscriptions.CancelSubscription(ctx, sub.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("cancelled subscription has no user", "subscription_id", sub.ID)
			return "ignored", nil
		}
		return "", err
	}
	log.Info("subscription cancelled", "subscription_id", sub.ID)
	return "cancelled", nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
