package models

import (
	"time"

	"github.com/google/uuid"
)

// Subscription plans. Plan only gates UI features; credits are the unit of spend.
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

type User struct {
	ID                   uuid.UUID `json:"id"`
	Email                string    `json:"email"`
	PasswordHash         string    `json:"-"`
	Credits              int       `json:"credits"`
	Plan                 string    `json:"plan"`
	StripeCustomerID     *string   `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string   `json:"stripe_subscription_id,omitempty"`
	IsAdmin              bool      `json:"is_admin"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}
