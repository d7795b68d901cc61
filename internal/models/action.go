package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action kinds.
const (
	ActionKindTool     = "tool"
	ActionKindWorkflow = "workflow"
)

// Action is a catalog entry: a fal.ai model behind a tool, or an n8n webhook
// behind a workflow. ExternalRef holds the model id or the webhook URL.
type Action struct {
	ID              uuid.UUID       `json:"id"`
	Kind            string          `json:"kind"`
	Name            string          `json:"name"`
	Slug            string          `json:"slug"`
	Description     string          `json:"description"`
	Category        string          `json:"category"`
	ExternalRef     string          `json:"-"`
	BaseCreditCost  int             `json:"base_credit_cost"`
	IsActive        bool            `json:"is_active"`
	ParameterSchema json.RawMessage `json:"parameter_schema,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	PricingRules    []PricingRule   `json:"pricing_rules"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PricingRule adjusts an action's cost when a parameter is present.
// A nil or empty ParameterValue matches any value of ParameterName.
type PricingRule struct {
	ID               uuid.UUID       `json:"id"`
	ActionID         uuid.UUID       `json:"action_id"`
	ParameterName    string          `json:"parameter_name"`
	ParameterValue   *string         `json:"parameter_value,omitempty"`
	CreditMultiplier decimal.Decimal `json:"credit_multiplier"`
	AdditiveCredits  int             `json:"additive_credits"`
}
