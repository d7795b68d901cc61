package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/backend/internal/models"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

const userColumns = `id, email, password_hash, credits, plan, stripe_customer_id, stripe_subscription_id, is_admin, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Credits, &u.Plan, &u.StripeCustomerID, &u.StripeSubscriptionID, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// Create inserts a user with a zero balance. Credits are only ever added via the ledger.
func (r *UserRepo) Create(ctx context.Context, tx pgx.Tx, u *models.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Plan == "" {
		u.Plan = models.PlanFree
	}
	u.Credits = 0
	err := on(r.pool, tx).QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, credits, plan)
		VALUES ($1, $2, $3, 0, $4)
		RETURNING created_at, updated_at
	`, u.ID, u.Email, u.PasswordHash, u.Plan).Scan(&u.CreatedAt, &u.UpdatedAt)
	return mapErr(err)
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

// GetCredits is the point lookup behind the balance gate.
func (r *UserRepo) GetCredits(ctx context.Context, id uuid.UUID) (int, error) {
	var credits int
	err := r.pool.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1`, id).Scan(&credits)
	return credits, mapErr(err)
}

// DeductCredits decrements the balance only if it covers amount.
// Returns ErrConditionNotMet when zero rows match (short balance or unknown user).
func (r *UserRepo) DeductCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error) {
	err = on(r.pool, tx).QueryRow(ctx, `
		UPDATE users SET credits = credits - $1, updated_at = now()
		WHERE id = $2 AND credits >= $1
		RETURNING credits
	`, amount, id).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrConditionNotMet
	}
	return newBalance, err
}

// AddCredits increments the balance and returns the new value.
func (r *UserRepo) AddCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error) {
	err = on(r.pool, tx).QueryRow(ctx, `
		UPDATE users SET credits = credits + $1, updated_at = now()
		WHERE id = $2
		RETURNING credits
	`, amount, id).Scan(&newBalance)
	return newBalance, mapErr(err)
}

// SetSubscription records an active plan. Customer and subscription ids are
// kept when the event omits them.
func (r *UserRepo) SetSubscription(ctx context.Context, id uuid.UUID, plan string, customerID, subscriptionID *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET plan = $2,
			stripe_customer_id = COALESCE($3, stripe_customer_id),
			stripe_subscription_id = COALESCE($4, stripe_subscription_id),
			updated_at = now()
		WHERE id = $1
	`, id, plan, customerID, subscriptionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelSubscription resets the user holding subscriptionID to the free plan.
func (r *UserRepo) CancelSubscription(ctx context.Context, subscriptionID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET plan = $2, stripe_subscription_id = NULL, updated_at = now()
		WHERE stripe_subscription_id = $1
	`, subscriptionID, models.PlanFree)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
