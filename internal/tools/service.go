// Package tools runs synchronous tool actions. Credits are charged only
// after the provider has returned an output.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelforge/backend/internal/invoker"
	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/lifecycle"
	"github.com/pixelforge/backend/internal/metrics"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/pricing"
	"github.com/pixelforge/backend/internal/storage"
)

// Catalog loads active actions.
type Catalog interface {
	GetActive(ctx context.Context, kind string, id uuid.UUID) (*models.Action, error)
}

// Invoker is satisfied by *invoker.Registry.
type Invoker interface {
	Invoke(ctx context.Context, modelID string, params map[string]any) (invoker.Result, error)
}

type ExecutionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.Execution) error
}

type Validator interface {
	Validate(a *models.Action, params map[string]any) error
}

type Service struct {
	db         ledger.TxBeginner
	catalog    Catalog
	ledger     ledger.Service
	invoker    Invoker
	executions ExecutionStore
	validator  Validator
	storage    storage.Store
	log        *slog.Logger
}

func NewService(db ledger.TxBeginner, catalog Catalog, led ledger.Service, inv Invoker, executions ExecutionStore, validator Validator, store storage.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, catalog: catalog, ledger: led, invoker: inv, executions: executions, validator: validator, storage: store, log: log}
}

type ExecuteResult struct {
	Success          bool      `json:"success"`
	ExecutionID      uuid.UUID `json:"executionId"`
	OutputURL        string    `json:"outputUrl"`
	Outputs          []string  `json:"outputs,omitempty"`
	CreditsUsed      int       `json:"creditsUsed"`
	RemainingCredits int       `json:"remainingCredits"`
}

// Preview prices a run without charging. An insufficient balance is reported
// in the Authorization, not as an error.
func (s *Service) Preview(ctx context.Context, userID, toolID uuid.UUID, params map[string]any) (pricing.Quote, ledger.Authorization, error) {
	tool, err := s.catalog.GetActive(ctx, models.ActionKindTool, toolID)
	if err != nil {
		return pricing.Quote{}, ledger.Authorization{}, err
	}
	quote := pricing.Calculate(tool.BaseCreditCost, params, tool.PricingRules)
	auth, err := s.ledger.Authorize(ctx, userID, quote.Cost)
	if err != nil && !errors.Is(err, ledger.ErrInsufficientCredits) {
		return quote, auth, err
	}
	return quote, auth, nil
}

// Execute validates, prices and gates the request, calls the provider, and
// only on success debits the user and records a completed execution.
func (s *Service) Execute(ctx context.Context, userID, toolID uuid.UUID, params map[string]any) (*ExecuteResult, error) {
	tool, err := s.catalog.GetActive(ctx, models.ActionKindTool, toolID)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := s.validator.Validate(tool, params); err != nil {
		return nil, err
	}
	cost := pricing.ComputeCost(tool.BaseCreditCost, params, tool.PricingRules)
	log := s.log.With("user_id", userID, "tool_id", tool.ID, "model", tool.ExternalRef, "cost", cost)

	if _, err := s.ledger.Authorize(ctx, userID, cost); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			metrics.InsufficientCredits.WithLabelValues("tool").Inc()
		}
		return nil, err
	}

	res, err := s.invoker.Invoke(ctx, tool.ExternalRef, params)
	if err != nil {
		log.Warn("tool invocation failed, no charge", "error", err)
		return nil, err
	}

	raw := res.Outputs
	if len(raw) == 0 {
		raw = []string{res.OutputURL}
	}
	outputs, err := s.persistInline(ctx, userID, raw)
	if err != nil {
		log.Error("persist tool output", "error", err)
		return nil, err
	}

	execID := uuid.New()
	input, _ := json.Marshal(params)
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	usage, err := s.ledger.Debit(ctx, tx, userID, cost,
		models.ActionRef{Kind: models.ActionKindTool, ActionID: &tool.ID, ExecutionID: &execID},
		"Tool: "+tool.Name)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			metrics.InsufficientCredits.WithLabelValues("tool").Inc()
			log.Warn("balance spent concurrently, withholding tool output")
		}
		return nil, err
	}
	exec := &models.Execution{
		ID:                 execID,
		UserID:             userID,
		ActionKind:         models.ActionKindTool,
		ActionID:           tool.ID,
		Status:             lifecycle.Completed,
		InputParameters:    input,
		OutputURL:          &outputs[0],
		CreditsCharged:     cost,
		UsageTransactionID: &usage.ID,
	}
	if err := s.executions.CreateTx(ctx, tx, exec); err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	ledger.RecordCommitted(usage)

	log.Info("tool executed", "execution_id", execID, "balance_after", usage.BalanceAfter)
	return &ExecuteResult{
		Success:          true,
		ExecutionID:      execID,
		OutputURL:        outputs[0],
		Outputs:          outputs,
		CreditsUsed:      cost,
		RemainingCredits: usage.BalanceAfter,
	}, nil
}

// persistInline uploads data URI outputs and passes reference URLs through.
func (s *Service) persistInline(ctx context.Context, userID uuid.UUID, outputs []string) ([]string, error) {
	out := make([]string, 0, len(outputs))
	for _, o := range outputs {
		if !storage.IsDataURI(o) {
			out = append(out, o)
			continue
		}
		data, contentType, err := storage.DecodeInline(o, "")
		if err != nil {
			return nil, err
		}
		url, err := s.storage.Put(ctx, "outputs/"+userID.String(), data, contentType)
		if err != nil {
			return nil, fmt.Errorf("store output: %w", err)
		}
		out = append(out, url)
	}
	return out, nil
}
