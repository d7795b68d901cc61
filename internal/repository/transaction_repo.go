package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/backend/internal/models"
)

// TransactionRepo is insert-only; ledger rows are never updated or deleted.
type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

const transactionColumns = `id, user_id, type, amount, balance_after, description, action_kind, action_id, execution_id, payment_event_id, reverses_transaction_id, status, created_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	var actionKind *string
	err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceAfter, &t.Description, &actionKind, &t.ActionID, &t.ExecutionID, &t.PaymentEventID, &t.ReversesTransactionID, &t.Status, &t.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if actionKind != nil {
		t.ActionKind = *actionKind
	}
	return &t, nil
}

// CreateTx inserts a ledger entry inside the given transaction.
// A duplicate payment_event_id or a second reversal of the same row yields ErrConflict.
func (r *TransactionRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = models.TransactionStatusCompleted
	}
	var actionKind *string
	if t.ActionKind != "" {
		actionKind = &t.ActionKind
	}
	err := on(r.pool, tx).QueryRow(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, balance_after, description, action_kind, action_id, execution_id, payment_event_id, reverses_transaction_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`, t.ID, t.UserID, t.Type, t.Amount, t.BalanceAfter, t.Description, actionKind, t.ActionID, t.ExecutionID, t.PaymentEventID, t.ReversesTransactionID, t.Status).Scan(&t.CreatedAt)
	return mapErr(err)
}

// GetByIDForUpdate locks the entry so concurrent reversals serialize on it.
func (r *TransactionRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Transaction, error) {
	return scanTransaction(on(r.pool, tx).QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
}

// FindReversal returns the refund that reverses id, or ErrNotFound.
func (r *TransactionRepo) FindReversal(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Transaction, error) {
	return scanTransaction(on(r.pool, tx).QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE reverses_transaction_id = $1`, id))
}

// PaymentEventExists reports whether a purchase was already recorded for eventID.
func (r *TransactionRepo) PaymentEventExists(ctx context.Context, tx pgx.Tx, eventID string) (bool, error) {
	var exists bool
	err := on(r.pool, tx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE payment_event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

// ListByUserID returns entries newest first.
func (r *TransactionRepo) ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
