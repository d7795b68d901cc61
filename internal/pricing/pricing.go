// Package pricing computes the credit cost of an action from its base cost
// and the pricing rules whose parameters are present in the request.
package pricing

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/pixelforge/backend/internal/models"
)

// MinimumCost is charged even when the base cost and rules evaluate to zero.
const MinimumCost = 1

// Quote is the breakdown behind a computed cost.
type Quote struct {
	Cost         int                  `json:"cost"`
	BaseCost     int                  `json:"baseCost"`
	Multiplier   decimal.Decimal      `json:"multiplier"`
	Additive     int                  `json:"additive"`
	MatchedRules []models.PricingRule `json:"matchedRules"`
}

// ComputeCost returns ceil(baseCost * product(multipliers) + sum(additive))
// over the matching rules, never less than MinimumCost.
func ComputeCost(baseCost int, params map[string]any, rules []models.PricingRule) int {
	return Calculate(baseCost, params, rules).Cost
}

// Calculate is ComputeCost with the intermediate terms kept.
func Calculate(baseCost int, params map[string]any, rules []models.PricingRule) Quote {
	q := Quote{
		BaseCost:     baseCost,
		Multiplier:   decimal.NewFromInt(1),
		MatchedRules: []models.PricingRule{},
	}
	for _, rule := range rules {
		if !Matches(rule, params) {
			continue
		}
		q.Additive += rule.AdditiveCredits
		q.Multiplier = q.Multiplier.Mul(rule.CreditMultiplier)
		q.MatchedRules = append(q.MatchedRules, rule)
	}

	total := decimal.NewFromInt(int64(baseCost)).Mul(q.Multiplier).Add(decimal.NewFromInt(int64(q.Additive)))
	cost := total.Ceil().IntPart()
	if cost < MinimumCost {
		cost = MinimumCost
	}
	q.Cost = int(cost)
	return q
}

// Matches reports whether rule applies to params. The parameter must be
// present; an empty rule value matches any value.
func Matches(rule models.PricingRule, params map[string]any) bool {
	v, ok := params[rule.ParameterName]
	if !ok {
		return false
	}
	if rule.ParameterValue == nil || *rule.ParameterValue == "" {
		return true
	}
	return Stringify(v) == *rule.ParameterValue
}

// Stringify renders a scalar parameter the way rule values are stored.
// Integral numbers carry no decimal point, so 10.0 and 10 both become "10".
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float32:
		return formatFloat(float64(val), 32)
	case float64:
		return formatFloat(val, 64)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return formatFloat(f, 64)
		}
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func formatFloat(f float64, bits int) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, bits)
}
