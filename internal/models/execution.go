package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pixelforge/backend/internal/lifecycle"
)

// Execution tracks one invocation of an action from acceptance to a terminal state.
type Execution struct {
	ID                 uuid.UUID        `json:"id"`
	UserID             uuid.UUID        `json:"user_id"`
	ActionKind         string           `json:"action_kind"`
	ActionID           uuid.UUID        `json:"action_id"`
	Status             lifecycle.Status `json:"status"`
	InputParameters    json.RawMessage  `json:"input_parameters"`
	OutputURL          *string          `json:"output_url,omitempty"`
	CreditsCharged     int              `json:"credits_charged"`
	UsageTransactionID *uuid.UUID       `json:"usage_transaction_id,omitempty"`
	ExternalHandle     *string          `json:"external_execution_handle,omitempty"`
	ErrorMessage       *string          `json:"error_message,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
}
