package pricing

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/pixelforge/backend/internal/models"
)

func rule(name, value string, mult string, add int) models.PricingRule {
	r := models.PricingRule{
		ParameterName:    name,
		CreditMultiplier: decimal.RequireFromString(mult),
		AdditiveCredits:  add,
	}
	if value != "" {
		r.ParameterValue = &value
	}
	return r
}

func TestComputeCost_MinimumCharge(t *testing.T) {
	assert.Equal(t, 1, ComputeCost(0, map[string]any{}, nil))
	assert.Equal(t, 1, ComputeCost(0, nil, []models.PricingRule{rule("x", "", "0", 0)}))
}

func TestComputeCost_MultipliersCompose(t *testing.T) {
	params := map[string]any{"resolution": "1080p", "duration": "10"}
	rules := []models.PricingRule{
		rule("resolution", "1080p", "2.0", 0),
		rule("duration", "10", "1.5", 0),
	}
	assert.Equal(t, 30, ComputeCost(10, params, rules))
}

func TestComputeCost_MatchAnyWithAdditive(t *testing.T) {
	params := map[string]any{"scenes": 5}
	rules := []models.PricingRule{rule("scenes", "", "1", 4)}
	assert.Equal(t, 17, ComputeCost(13, params, rules))
}

func TestComputeCost_AbsentParameterIsNoop(t *testing.T) {
	rules := []models.PricingRule{
		rule("resolution", "4k", "3", 10),
		rule("style", "", "2", 0),
	}
	assert.Equal(t, 13, ComputeCost(13, map[string]any{"prompt": "a cat"}, rules))
}

func TestComputeCost_ValueMismatchIsNoop(t *testing.T) {
	rules := []models.PricingRule{rule("resolution", "1080p", "2", 0)}
	assert.Equal(t, 10, ComputeCost(10, map[string]any{"resolution": "720p"}, rules))
}

func TestComputeCost_NumericParametersMatchIntegralRuleValues(t *testing.T) {
	rules := []models.PricingRule{rule("duration", "10", "2", 0)}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(`{"duration": 10}`), &decoded); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 10, ComputeCost(5, decoded, rules))
	assert.Equal(t, 10, ComputeCost(5, map[string]any{"duration": 10}, rules))
	assert.Equal(t, 10, ComputeCost(5, map[string]any{"duration": json.Number("10")}, rules))
	assert.Equal(t, 5, ComputeCost(5, map[string]any{"duration": 10.5}, rules))
}

func TestComputeCost_DecimalMultiplierDoesNotOvercharge(t *testing.T) {
	// 10 * 1.1 in binary floating point is 11.000000000000002.
	rules := []models.PricingRule{rule("quality", "", "1.1", 0)}
	assert.Equal(t, 11, ComputeCost(10, map[string]any{"quality": "hd"}, rules))
}

func TestComputeCost_CeilsFractionalTotals(t *testing.T) {
	rules := []models.PricingRule{rule("quality", "", "1.25", 0)}
	assert.Equal(t, 13, ComputeCost(10, map[string]any{"quality": "hd"}, rules))
}

func TestComputeCost_OrderIndependent(t *testing.T) {
	params := map[string]any{"resolution": "1080p", "duration": "10", "scenes": 3, "style": "anime"}
	rules := []models.PricingRule{
		rule("resolution", "1080p", "2.0", 1),
		rule("duration", "10", "1.5", 0),
		rule("scenes", "", "1", 6),
		rule("style", "anime", "1.3", 2),
		rule("missing", "", "9", 9),
	}
	want := ComputeCost(7, params, rules)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := append([]models.PricingRule(nil), rules...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if got := ComputeCost(7, params, shuffled); got != want {
			t.Fatalf("permutation %d: got %d, want %d", i, got, want)
		}
	}
}

func TestCalculate_Breakdown(t *testing.T) {
	params := map[string]any{"resolution": "1080p", "scenes": 2}
	rules := []models.PricingRule{
		rule("resolution", "1080p", "2", 0),
		rule("scenes", "", "1", 4),
		rule("duration", "", "5", 0),
	}
	q := Calculate(10, params, rules)
	assert.Equal(t, 24, q.Cost)
	assert.Equal(t, 10, q.BaseCost)
	assert.Equal(t, 4, q.Additive)
	assert.True(t, q.Multiplier.Equal(decimal.NewFromInt(2)), "multiplier %s", q.Multiplier)
	assert.Len(t, q.MatchedRules, 2)
}

func TestStringify(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"1080p", "1080p"},
		{10, "10"},
		{int64(7), "7"},
		{10.0, "10"},
		{2.5, "2.5"},
		{true, "true"},
		{nil, ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Stringify(c.in), "Stringify(%v)", c.in)
	}
}
