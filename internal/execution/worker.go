// Package execution runs accepted workflow executions out of band.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/pixelforge/backend/internal/invoker"
	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/lifecycle"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/repository"
)

// DispatchWorkflowArgs is enqueued in the same transaction as the debit and
// the pending execution record.
type DispatchWorkflowArgs struct {
	ExecutionID        uuid.UUID       `json:"execution_id"`
	UserID             uuid.UUID       `json:"user_id"`
	WebhookURL         string          `json:"webhook_url"`
	CallbackURL        string          `json:"callback_url"`
	UsageTransactionID uuid.UUID       `json:"usage_transaction_id"`
	Parameters         json.RawMessage `json:"parameters"`
}

func (DispatchWorkflowArgs) Kind() string { return "dispatch_workflow" }

// InsertOpts disables retries: a failed POST is refunded, never re-sent.
func (DispatchWorkflowArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// Poster sends the dispatch payload to a workflow webhook.
type Poster interface {
	Post(ctx context.Context, url string, payload invoker.WebhookPayload) (string, error)
}

// Store is the execution-record surface the worker writes.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	MarkProcessing(ctx context.Context, tx pgx.Tx, id uuid.UUID, handle *string) error
	Finish(ctx context.Context, tx pgx.Tx, id uuid.UUID, to lifecycle.Status, outputURL, errorMessage *string) (*models.Execution, error)
}

// Refunder reverses the usage entry of a job that was never accepted.
type Refunder interface {
	Reverse(ctx context.Context, tx pgx.Tx, transactionID uuid.UUID, description string) (*models.Transaction, error)
}

// SettleDispatchArgs records the outcome of a dispatch POST that could not
// be written right away. Unlike the POST, settling is safe to retry: the
// status updates are conditional and Reverse refunds at most once.
type SettleDispatchArgs struct {
	ExecutionID        uuid.UUID `json:"execution_id"`
	UserID             uuid.UUID `json:"user_id"`
	UsageTransactionID uuid.UUID `json:"usage_transaction_id"`
	Accepted           bool      `json:"accepted"`
	ExternalHandle     string    `json:"external_handle,omitempty"`
	Reason             string    `json:"reason,omitempty"`
}

func (SettleDispatchArgs) Kind() string { return "settle_dispatch" }

func (SettleDispatchArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: settleMaxAttempts}
}

const settleMaxAttempts = 25

// EnqueueSettleFunc queues a SettleDispatchArgs job. Provided by main as a
// closure over river.Client.Insert.
type EnqueueSettleFunc func(ctx context.Context, args SettleDispatchArgs) error

type DispatchWorkflowWorker struct {
	river.WorkerDefaults[DispatchWorkflowArgs]
	poster  Poster
	settler *settler
	enqueue EnqueueSettleFunc
	log     *slog.Logger
}

func NewDispatchWorkflowWorker(poster Poster, store Store, refunder Refunder, enqueue EnqueueSettleFunc, log *slog.Logger) *DispatchWorkflowWorker {
	if log == nil {
		log = slog.Default()
	}
	return &DispatchWorkflowWorker{
		poster:  poster,
		settler: &settler{store: store, ledger: refunder, log: log},
		enqueue: enqueue,
		log:     log,
	}
}

func (w *DispatchWorkflowWorker) Work(ctx context.Context, job *river.Job[DispatchWorkflowArgs]) error {
	return w.Dispatch(ctx, job.Args)
}

// Dispatch POSTs the job to its webhook exactly once. Acceptance moves the
// record to processing and leaves the debit in place; rejection refunds it.
// If that write fails it is handed to a retryable settle job.
func (w *DispatchWorkflowWorker) Dispatch(ctx context.Context, args DispatchWorkflowArgs) error {
	log := w.log.With("execution_id", args.ExecutionID, "user_id", args.UserID)

	handle, err := w.poster.Post(ctx, args.WebhookURL, invoker.WebhookPayload{
		ExecutionID: args.ExecutionID,
		CallbackURL: args.CallbackURL,
		UserID:      args.UserID,
		Parameters:  args.Parameters,
	})
	outcome := SettleDispatchArgs{
		ExecutionID:        args.ExecutionID,
		UserID:             args.UserID,
		UsageTransactionID: args.UsageTransactionID,
		Accepted:           err == nil,
		ExternalHandle:     handle,
	}
	if err != nil {
		log.Warn("workflow dispatch failed", "error", err)
		outcome.Reason = err.Error()
	} else {
		log.Info("workflow accepted", "external_handle", handle)
	}

	settleErr := w.settler.settle(ctx, outcome)
	if settleErr == nil {
		return nil
	}
	log.Warn("settling dispatch failed, queueing retry", "error", settleErr, "accepted", outcome.Accepted)
	if w.enqueue == nil {
		return settleErr
	}
	if err := w.enqueue(ctx, outcome); err != nil {
		return errors.Join(settleErr, fmt.Errorf("enqueue settle: %w", err))
	}
	return nil
}

// SettleDispatchWorker retries the write that follows a dispatch POST.
type SettleDispatchWorker struct {
	river.WorkerDefaults[SettleDispatchArgs]
	settler *settler
}

func NewSettleDispatchWorker(store Store, refunder Refunder, log *slog.Logger) *SettleDispatchWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SettleDispatchWorker{settler: &settler{store: store, ledger: refunder, log: log}}
}

func (w *SettleDispatchWorker) Work(ctx context.Context, job *river.Job[SettleDispatchArgs]) error {
	return w.Settle(ctx, job.Args)
}

func (w *SettleDispatchWorker) Settle(ctx context.Context, args SettleDispatchArgs) error {
	return w.settler.settle(ctx, args)
}

type settler struct {
	store  Store
	ledger Refunder
	log    *slog.Logger
}

func (s *settler) settle(ctx context.Context, args SettleDispatchArgs) error {
	if args.Accepted {
		return s.markProcessing(ctx, args)
	}
	return s.fail(ctx, args)
}

func (s *settler) markProcessing(ctx context.Context, args SettleDispatchArgs) error {
	var h *string
	if args.ExternalHandle != "" {
		h = &args.ExternalHandle
	}
	if err := s.store.MarkProcessing(ctx, nil, args.ExecutionID, h); err != nil {
		if errors.Is(err, repository.ErrConditionNotMet) {
			// The completion callback won the race; the record is already terminal.
			s.log.Info("execution finished before dispatch ack", "execution_id", args.ExecutionID)
			return nil
		}
		return fmt.Errorf("mark execution processing: %w", err)
	}
	return nil
}

// fail marks the record failed and refunds the debit in one transaction.
func (s *settler) fail(ctx context.Context, args SettleDispatchArgs) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := s.store.Finish(ctx, tx, args.ExecutionID, lifecycle.Failed, nil, &args.Reason); err != nil {
		if errors.Is(err, repository.ErrConditionNotMet) {
			s.log.Warn("execution already terminal, skipping refund", "execution_id", args.ExecutionID)
			return nil
		}
		return fmt.Errorf("mark execution failed: %w", err)
	}
	refund, err := s.ledger.Reverse(ctx, tx, args.UsageTransactionID, "Refund: workflow could not be started")
	if err != nil && !errors.Is(err, ledger.ErrAlreadyReversed) {
		return fmt.Errorf("refund usage %s: %w", args.UsageTransactionID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	ledger.RecordCommitted(refund)
	return nil
}
