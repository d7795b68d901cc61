package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/backend/internal/lifecycle"
	"github.com/pixelforge/backend/internal/models"
)

type ExecutionRepo struct {
	pool *pgxpool.Pool
}

func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

func (r *ExecutionRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const executionColumns = `id, user_id, action_kind, action_id, status, input_parameters, output_url, credits_charged, usage_transaction_id, external_execution_handle, error_message, created_at, completed_at`

func scanExecution(row pgx.Row) (*models.Execution, error) {
	var e models.Execution
	err := row.Scan(&e.ID, &e.UserID, &e.ActionKind, &e.ActionID, &e.Status, &e.InputParameters, &e.OutputURL, &e.CreditsCharged, &e.UsageTransactionID, &e.ExternalHandle, &e.ErrorMessage, &e.CreatedAt, &e.CompletedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

// CreateTx inserts a new execution record. Terminal statuses get completed_at.
func (r *ExecutionRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.Execution) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if !e.Status.Valid() {
		return lifecycle.ErrIllegalTransition
	}
	err := on(r.pool, tx).QueryRow(ctx, `
		INSERT INTO executions (id, user_id, action_kind, action_id, status, input_parameters, output_url, credits_charged, usage_transaction_id, external_execution_handle, error_message, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, CASE WHEN $5 IN ('completed', 'failed') THEN now() END)
		RETURNING created_at, completed_at
	`, e.ID, e.UserID, e.ActionKind, e.ActionID, e.Status, e.InputParameters, e.OutputURL, e.CreditsCharged, e.UsageTransactionID, e.ExternalHandle, e.ErrorMessage).Scan(&e.CreatedAt, &e.CompletedAt)
	return mapErr(err)
}

func (r *ExecutionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	return scanExecution(r.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
}

// GetForUser scopes the lookup to the owner so one user cannot poll another's execution.
func (r *ExecutionRepo) GetForUser(ctx context.Context, userID, id uuid.UUID) (*models.Execution, error) {
	return scanExecution(r.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1 AND user_id = $2`, id, userID))
}

// FindByHandle matches the provider's handle, falling back to the execution id
// that was sent in the dispatch payload.
func (r *ExecutionRepo) FindByHandle(ctx context.Context, handle string) (*models.Execution, error) {
	e, err := scanExecution(r.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE external_execution_handle = $1`, handle))
	if !errors.Is(err, ErrNotFound) {
		return e, err
	}
	id, parseErr := uuid.Parse(handle)
	if parseErr != nil {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *ExecutionRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+executionColumns+`
		FROM executions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Execution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

func statusStrings(ss []lifecycle.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// MarkProcessing moves a pending execution to processing and records the
// provider handle if one was returned.
func (r *ExecutionRepo) MarkProcessing(ctx context.Context, tx pgx.Tx, id uuid.UUID, handle *string) error {
	tag, err := on(r.pool, tx).Exec(ctx, `
		UPDATE executions SET status = $2, external_execution_handle = COALESCE($3, external_execution_handle)
		WHERE id = $1 AND status = ANY($4)
	`, id, lifecycle.Processing, handle, statusStrings(lifecycle.Predecessors(lifecycle.Processing)))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionNotMet
	}
	return nil
}

// Finish writes a terminal state in one conditional update. It returns
// ErrConditionNotMet when the record is already terminal.
func (r *ExecutionRepo) Finish(ctx context.Context, tx pgx.Tx, id uuid.UUID, to lifecycle.Status, outputURL, errorMessage *string) (*models.Execution, error) {
	if !to.Terminal() {
		return nil, lifecycle.ErrIllegalTransition
	}
	e, err := scanExecution(on(r.pool, tx).QueryRow(ctx, `
		UPDATE executions SET status = $2, output_url = $3, error_message = $4, completed_at = now()
		WHERE id = $1 AND status = ANY($5)
		RETURNING `+executionColumns,
		id, to, outputURL, errorMessage, statusStrings(lifecycle.Predecessors(to))))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConditionNotMet
	}
	return e, err
}
