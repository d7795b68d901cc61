package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction types. Amount sign follows the type: usage is negative,
// purchase and refund are positive.
const (
	TransactionPurchase = "purchase"
	TransactionUsage    = "usage"
	TransactionRefund   = "refund"
)

const TransactionStatusCompleted = "completed"

// ActionRef points a ledger entry back at the thing that caused it.
type ActionRef struct {
	Kind        string     `json:"kind,omitempty"`
	ActionID    *uuid.UUID `json:"action_id,omitempty"`
	ExecutionID *uuid.UUID `json:"execution_id,omitempty"`
}

// Transaction is an append-only credit ledger entry. Rows are never updated.
type Transaction struct {
	ID                    uuid.UUID  `json:"id"`
	UserID                uuid.UUID  `json:"user_id"`
	Type                  string     `json:"type"`
	Amount                int        `json:"amount"`
	BalanceAfter          int        `json:"balance_after"`
	Description           string     `json:"description"`
	ActionKind            string     `json:"action_kind,omitempty"`
	ActionID              *uuid.UUID `json:"action_id,omitempty"`
	ExecutionID           *uuid.UUID `json:"execution_id,omitempty"`
	PaymentEventID        *string    `json:"payment_event_id,omitempty"`
	ReversesTransactionID *uuid.UUID `json:"reverses_transaction_id,omitempty"`
	Status                string     `json:"status"`
	CreatedAt             time.Time  `json:"created_at"`
}
