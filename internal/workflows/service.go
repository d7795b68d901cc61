// Package workflows accepts asynchronous workflow executions. The debit, the
// pending execution record and the dispatch job commit together.
package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelforge/backend/internal/execution"
	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/lifecycle"
	"github.com/pixelforge/backend/internal/metrics"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/pricing"
)

type Catalog interface {
	GetActive(ctx context.Context, kind string, id uuid.UUID) (*models.Action, error)
}

type ExecutionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.Execution) error
}

type Validator interface {
	Validate(a *models.Action, params map[string]any) error
}

// InsertDispatchTxFunc enqueues a dispatch job within the given transaction.
// Provided by main as a closure over river.Client.InsertTx.
type InsertDispatchTxFunc func(ctx context.Context, tx pgx.Tx, args execution.DispatchWorkflowArgs) error

type Service struct {
	db             ledger.TxBeginner
	catalog        Catalog
	ledger         ledger.Service
	executions     ExecutionStore
	validator      Validator
	insertDispatch InsertDispatchTxFunc
	callbackURL    string
	log            *slog.Logger
}

func NewService(db ledger.TxBeginner, catalog Catalog, led ledger.Service, executions ExecutionStore, validator Validator, insertDispatch InsertDispatchTxFunc, callbackURL string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:             db,
		catalog:        catalog,
		ledger:         led,
		executions:     executions,
		validator:      validator,
		insertDispatch: insertDispatch,
		callbackURL:    callbackURL,
		log:            log,
	}
}

// Accepted is returned once a workflow run is charged and queued.
type Accepted struct {
	Execution        *models.Execution
	RemainingCredits int
}

func (s *Service) Preview(ctx context.Context, userID, workflowID uuid.UUID, params map[string]any) (pricing.Quote, ledger.Authorization, error) {
	wf, err := s.catalog.GetActive(ctx, models.ActionKindWorkflow, workflowID)
	if err != nil {
		return pricing.Quote{}, ledger.Authorization{}, err
	}
	quote := pricing.Calculate(wf.BaseCreditCost, params, wf.PricingRules)
	auth, err := s.ledger.Authorize(ctx, userID, quote.Cost)
	if err != nil && !errors.Is(err, ledger.ErrInsufficientCredits) {
		return quote, auth, err
	}
	return quote, auth, nil
}

// Execute debits the user up front and queues the webhook dispatch. Nothing
// is charged or recorded unless all three writes commit.
func (s *Service) Execute(ctx context.Context, userID, workflowID uuid.UUID, params map[string]any) (*Accepted, error) {
	wf, err := s.catalog.GetActive(ctx, models.ActionKindWorkflow, workflowID)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := s.validator.Validate(wf, params); err != nil {
		return nil, err
	}
	cost := pricing.ComputeCost(wf.BaseCreditCost, params, wf.PricingRules)
	input, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	execID := uuid.New()
	log := s.log.With("user_id", userID, "workflow_id", wf.ID, "execution_id", execID, "cost", cost)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	usage, err := s.ledger.Debit(ctx, tx, userID, cost,
		models.ActionRef{Kind: models.ActionKindWorkflow, ActionID: &wf.ID, ExecutionID: &execID},
		"Workflow: "+wf.Name)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			metrics.InsufficientCredits.WithLabelValues("workflow").Inc()
		}
		return nil, err
	}

	exec := &models.Execution{
		ID:                 execID,
		UserID:             userID,
		ActionKind:         models.ActionKindWorkflow,
		ActionID:           wf.ID,
		Status:             lifecycle.Pending,
		InputParameters:    input,
		CreditsCharged:     cost,
		UsageTransactionID: &usage.ID,
	}
	if err := s.executions.CreateTx(ctx, tx, exec); err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}
	if err := s.insertDispatch(ctx, tx, execution.DispatchWorkflowArgs{
		ExecutionID:        execID,
		UserID:             userID,
		WebhookURL:         wf.ExternalRef,
		CallbackURL:        s.callbackURL,
		UsageTransactionID: usage.ID,
		Parameters:         input,
	}); err != nil {
		return nil, fmt.Errorf("enqueue dispatch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	ledger.RecordCommitted(usage)

	log.Info("workflow accepted", "balance_after", usage.BalanceAfter)
	return &Accepted{Execution: exec, RemainingCredits: usage.BalanceAfter}, nil
}
