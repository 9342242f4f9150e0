package approval

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func amt(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func band(id int64, min, max string, levels int) Rule {
	return Rule{
		ID:        id,
		Module:    "revision",
		MinAmount: amt(min),
		MaxAmount: amt(max),
		Levels:    levels,
		IsActive:  true,
	}
}

func TestEvaluatePicksTightestBand(t *testing.T) {
	rules := []Rule{
		band(1, "0", "100000000", 3),
		band(2, "1000000", "10000000", 2),
		band(3, "1000000", "5000000", 1),
	}

	rule, ok := Evaluate(rules, amt("2500000"), nil)
	require.True(t, ok)
	require.Equal(t, int64(3), rule.ID)

	rule, ok = Evaluate(rules, amt("7500000"), nil)
	require.True(t, ok)
	require.Equal(t, int64(2), rule.ID)

	rule, ok = Evaluate(rules, amt("50000000"), nil)
	require.True(t, ok)
	require.Equal(t, int64(1), rule.ID)
}

func TestEvaluateBoundedBeatsUnbounded(t *testing.T) {
	unbounded := Rule{ID: 1, Module: "revision", MinAmount: amt("0"), Unbounded: true, Levels: 3, IsActive: true}
	bounded := band(2, "0", "10000000", 1)

	rule, ok := Evaluate([]Rule{unbounded, bounded}, amt("5000000"), nil)
	require.True(t, ok)
	require.Equal(t, int64(2), rule.ID)

	rule, ok = Evaluate([]Rule{unbounded, bounded}, amt("20000000"), nil)
	require.True(t, ok)
	require.Equal(t, int64(1), rule.ID)
}

func TestEvaluateConditionSpecificityBreaksTies(t *testing.T) {
	generic := band(1, "0", "10000000", 1)
	specific := band(2, "0", "10000000", 2)
	specific.Conditions = map[string]string{"department": "pharmacy"}

	rule, ok := Evaluate([]Rule{generic, specific}, amt("100000"), map[string]string{"department": "pharmacy"})
	require.True(t, ok)
	require.Equal(t, int64(2), rule.ID)

	rule, ok = Evaluate([]Rule{generic, specific}, amt("100000"), map[string]string{"department": "radiology"})
	require.True(t, ok)
	require.Equal(t, int64(1), rule.ID)
}

func TestEvaluateSkipsInactiveAndUnmatched(t *testing.T) {
	inactive := band(1, "0", "10000000", 1)
	inactive.IsActive = false

	_, ok := Evaluate([]Rule{inactive}, amt("100"), nil)
	require.False(t, ok)

	_, ok = Evaluate([]Rule{band(2, "1000000", "5000000", 1)}, amt("100"), nil)
	require.False(t, ok)
}

func TestEvaluateTieBreaksOnLowestID(t *testing.T) {
	a := band(7, "0", "1000000", 1)
	b := band(3, "0", "1000000", 2)

	rule, ok := Evaluate([]Rule{a, b}, amt("500"), nil)
	require.True(t, ok)
	require.Equal(t, int64(3), rule.ID)
}
