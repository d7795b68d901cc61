package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pixelforge/backend/internal/models"
)

// ActionRepo reads the tool and workflow catalog. It never writes.
type ActionRepo struct {
	pool *pgxpool.Pool
}

func NewActionRepo(pool *pgxpool.Pool) *ActionRepo {
	return &ActionRepo{pool: pool}
}

const actionColumns = `id, kind, name, slug, description, category, external_ref, base_credit_cost, is_active, parameter_schema, metadata, created_at, updated_at`

const (
	pricingRuleSelect = `id, action_id, parameter_name, parameter_value, credit_multiplier::text, additive_credits`
	pricingRuleOrder  = `created_at, id`
)

func scanAction(row pgx.Row) (*models.Action, error) {
	var a models.Action
	err := row.Scan(&a.ID, &a.Kind, &a.Name, &a.Slug, &a.Description, &a.Category, &a.ExternalRef, &a.BaseCreditCost, &a.IsActive, &a.ParameterSchema, &a.Metadata, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	a.PricingRules = []models.PricingRule{}
	return &a, nil
}

// GetActive returns an active action of kind with its pricing rules.
// Inactive and missing actions both yield ErrNotFound.
func (r *ActionRepo) GetActive(ctx context.Context, kind string, id uuid.UUID) (*models.Action, error) {
	a, err := scanAction(r.pool.QueryRow(ctx, `
		SELECT `+actionColumns+` FROM actions
		WHERE id = $1 AND kind = $2 AND is_active
	`, id, kind))
	if err != nil {
		return nil, err
	}
	rules, err := r.listRules(ctx, []uuid.UUID{a.ID})
	if err != nil {
		return nil, err
	}
	a.PricingRules = append(a.PricingRules, rules[a.ID]...)
	return a, nil
}

// ListActive returns active actions of kind, ordered by category then name.
func (r *ActionRepo) ListActive(ctx context.Context, kind string) ([]*models.Action, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+actionColumns+` FROM actions
		WHERE kind = $1 AND is_active
		ORDER BY category, name
	`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Action{}
	var ids []uuid.UUID
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
		ids = append(ids, a.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return list, nil
	}
	rules, err := r.listRules(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		a.PricingRules = append(a.PricingRules, rules[a.ID]...)
	}
	return list, nil
}

func (r *ActionRepo) listRules(ctx context.Context, actionIDs []uuid.UUID) (map[uuid.UUID][]models.PricingRule, error) {
	// Multipliers are read as text so decimal parsing stays exact.
	rows, err := r.pool.Query(ctx, `
		SELECT `+pricingRuleSelect+`
		FROM pricing_rules WHERE action_id = ANY($1)
		ORDER BY `+pricingRuleOrder+`
	`, actionIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID][]models.PricingRule)
	for rows.Next() {
		var pr models.PricingRule
		var multiplier string
		if err := rows.Scan(&pr.ID, &pr.ActionID, &pr.ParameterName, &pr.ParameterValue, &multiplier, &pr.AdditiveCredits); err != nil {
			return nil, err
		}
		if pr.CreditMultiplier, err = decimal.NewFromString(multiplier); err != nil {
			return nil, err
		}
		out[pr.ActionID] = append(out[pr.ActionID], pr)
	}
	return out, rows.Err()
}
