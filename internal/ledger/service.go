// Package ledger is the only code path that mutates a user's credit balance.
// Every mutation writes its transaction row in the same database transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelforge/backend/internal/metrics"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/repository"
)

var (
	// ErrInsufficientCredits is returned when the balance does not cover the cost.
	// The concrete error is *InsufficientCreditsError.
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAlreadyReversed     = errors.New("transaction already reversed")
	ErrNotReversible       = errors.New("only usage transactions can be reversed")
	// ErrDuplicatePaymentEvent means the purchase for this processor event was already recorded.
	ErrDuplicatePaymentEvent = errors.New("payment event already recorded")
	ErrInvalidAmount         = errors.New("credit amount must be positive")
	ErrUserNotFound          = errors.New("user not found")
)

// InsufficientCreditsError carries the balance seen at rejection time.
type InsufficientCreditsError struct {
	Available int
	Required  int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: available %d, required %d", e.Available, e.Required)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// Authorization is the read-only result of a balance check.
type Authorization struct {
	Available  int  `json:"available"`
	Required   int  `json:"required"`
	Sufficient bool `json:"sufficient"`
}

// BalanceStore is the minimal users-table interface for settlement.
type BalanceStore interface {
	GetCredits(ctx context.Context, userID uuid.UUID) (int, error)
	DeductCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (newBalance int, err error)
	AddCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (newBalance int, err error)
}

// TransactionStore is the minimal transactions-table interface for settlement.
type TransactionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Transaction, error)
	FindReversal(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Transaction, error)
	PaymentEventExists(ctx context.Context, tx pgx.Tx, eventID string) (bool, error)
}

// TxBeginner starts a database transaction.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service settles credits. Debit, Credit and Reverse join tx when it is
// non-nil; entries written that way reach the settlement metrics only when
// the caller passes them to RecordCommitted after committing.
type Service interface {
	// Authorize checks available >= required without locking. Callers that
	// spend must still go through Debit, which re-checks atomically.
	Authorize(ctx context.Context, userID uuid.UUID, required int) (Authorization, error)
	Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, credits int, ref models.ActionRef, description string) (*models.Transaction, error)
	Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, credits int, txType string, ref models.ActionRef, description string) (*models.Transaction, error)
	Reverse(ctx context.Context, tx pgx.Tx, transactionID uuid.UUID, description string) (*models.Transaction, error)
	Purchase(ctx context.Context, userID uuid.UUID, credits int, paymentEventID, description string) (*models.Transaction, error)
}

type service struct {
	db           TxBeginner
	balances     BalanceStore
	transactions TransactionStore
	log          *slog.Logger
}

func NewService(db TxBeginner, balances BalanceStore, transactions TransactionStore, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{db: db, balances: balances, transactions: transactions, log: log}
}

var _ Service = (*service)(nil)

// inTx runs fn in tx when given, otherwise in a transaction of its own.
// committed reports whether the writes are already durable; when the caller
// owns tx it is false and the caller reports the entries with
// RecordCommitted after its own commit.
func (s *service) inTx(ctx context.Context, tx pgx.Tx, fn func(pgx.Tx) error) (committed bool, err error) {
	if tx != nil {
		return false, fn(tx)
	}
	own, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer own.Rollback(ctx)
	if err := fn(own); err != nil {
		return false, err
	}
	if err := own.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *service) Authorize(ctx context.Context, userID uuid.UUID, required int) (Authorization, error) {
	available, err := s.balances.GetCredits(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Authorization{}, ErrUserNotFound
		}
		return Authorization{}, err
	}
	auth := Authorization{Available: available, Required: required, Sufficient: available >= required}
	if !auth.Sufficient {
		return auth, &InsufficientCreditsError{Available: available, Required: required}
	}
	return auth, nil
}

// Debit is the authorize-and-spend step: a conditional decrement that
// fails rather than letting the balance go below zero.
func (s *service) Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, credits int, ref models.ActionRef, description string) (*models.Transaction, error) {
	if credits <= 0 {
		return nil, ErrInvalidAmount
	}
	var entry *models.Transaction
	committed, err := s.inTx(ctx, tx, func(tx pgx.Tx) error {
		newBalance, err := s.balances.DeductCredits(ctx, tx, userID, credits)
		if errors.Is(err, repository.ErrConditionNotMet) {
			available, lookupErr := s.balances.GetCredits(ctx, userID)
			if errors.Is(lookupErr, repository.ErrNotFound) {
				return ErrUserNotFound
			}
			return &InsufficientCreditsError{Available: available, Required: credits}
		}
		if err != nil {
			return err
		}
		entry = newEntry(userID, models.TransactionUsage, -credits, newBalance, ref, description)
		return s.transactions.CreateTx(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	if committed {
		RecordCommitted(entry)
	}
	return entry, nil
}

func (s *service) Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, credits int, txType string, ref models.ActionRef, description string) (*models.Transaction, error) {
	if credits <= 0 {
		return nil, ErrInvalidAmount
	}
	if txType != models.TransactionPurchase && txType != models.TransactionRefund {
		return nil, fmt.Errorf("ledger: cannot credit with type %q", txType)
	}
	var entry *models.Transaction
	committed, err := s.inTx(ctx, tx, func(tx pgx.Tx) error {
		var err error
		entry, err = s.credit(ctx, tx, userID, credits, txType, ref, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	if committed {
		RecordCommitted(entry)
	}
	return entry, nil
}

func (s *service) credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, credits int, txType string, ref models.ActionRef, description string) (*models.Transaction, error) {
	newBalance, err := s.balances.AddCredits(ctx, tx, userID, credits)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	entry := newEntry(userID, txType, credits, newBalance, ref, description)
	if err := s.transactions.CreateTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Reverse refunds a usage entry exactly once. The original row is locked so
// concurrent reversals serialize; the unique index on reverses_transaction_id
// backs this up.
func (s *service) Reverse(ctx context.Context, tx pgx.Tx, transactionID uuid.UUID, description string) (*models.Transaction, error) {
	var entry *models.Transaction
	committed, err := s.inTx(ctx, tx, func(tx pgx.Tx) error {
		orig, err := s.transactions.GetByIDForUpdate(ctx, tx, transactionID)
		if err != nil {
			return fmt.Errorf("load transaction %s: %w", transactionID, err)
		}
		if orig.Type != models.TransactionUsage || orig.Amount >= 0 {
			return ErrNotReversible
		}
		if _, err := s.transactions.FindReversal(ctx, tx, orig.ID); err == nil {
			return ErrAlreadyReversed
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		ref := models.ActionRef{Kind: orig.ActionKind, ActionID: orig.ActionID, ExecutionID: orig.ExecutionID}
		newBalance, err := s.balances.AddCredits(ctx, tx, orig.UserID, -orig.Amount)
		if err != nil {
			return err
		}
		entry = newEntry(orig.UserID, models.TransactionRefund, -orig.Amount, newBalance, ref, description)
		entry.ReversesTransactionID = &orig.ID
		err = s.transactions.CreateTx(ctx, tx, entry)
		if errors.Is(err, repository.ErrConflict) {
			return ErrAlreadyReversed
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if committed {
		RecordCommitted(entry)
	}
	s.log.Info("usage reversed", "transaction_id", transactionID, "refund_id", entry.ID, "user_id", entry.UserID, "credits", entry.Amount)
	return entry, nil
}

// Purchase credits a payment once per processor event id.
func (s *service) Purchase(ctx context.Context, userID uuid.UUID, credits int, paymentEventID, description string) (*models.Transaction, error) {
	if credits <= 0 {
		return nil, ErrInvalidAmount
	}
	if paymentEventID == "" {
		return nil, errors.New("ledger: purchase requires a payment event id")
	}
	var entry *models.Transaction
	_, err := s.inTx(ctx, nil, func(tx pgx.Tx) error {
		exists, err := s.transactions.PaymentEventExists(ctx, tx, paymentEventID)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicatePaymentEvent
		}
		newBalance, err := s.balances.AddCredits(ctx, tx, userID, credits)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		entry = newEntry(userID, models.TransactionPurchase, credits, newBalance, models.ActionRef{}, description)
		entry.PaymentEventID = &paymentEventID
		err = s.transactions.CreateTx(ctx, tx, entry)
		if errors.Is(err, repository.ErrConflict) {
			return ErrDuplicatePaymentEvent
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	RecordCommitted(entry)
	s.log.Info("credits purchased", "user_id", userID, "credits", credits, "payment_event_id", paymentEventID, "balance_after", entry.BalanceAfter)
	return entry, nil
}

// RecordCommitted counts settled entries in the settlement metrics. Call it
// only once the transaction holding them has committed.
func RecordCommitted(entries ...*models.Transaction) {
	for _, t := range entries {
		if t == nil {
			continue
		}
		amount := t.Amount
		if amount < 0 {
			amount = -amount
		}
		metrics.Settlements.WithLabelValues(t.Type).Inc()
		metrics.Credits.WithLabelValues(t.Type).Add(float64(amount))
	}
}

func newEntry(userID uuid.UUID, txType string, amount, balanceAfter int, ref models.ActionRef, description string) *models.Transaction {
	return &models.Transaction{
		ID:           uuid.New(),
		UserID:       userID,
		Type:         txType,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Description:  description,
		ActionKind:   ref.Kind,
		ActionID:     ref.ActionID,
		ExecutionID:  ref.ExecutionID,
		Status:       models.TransactionStatusCompleted,
	}
}
