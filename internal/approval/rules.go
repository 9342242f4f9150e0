package approval

import (
	"github.com/shopspring/decimal"
)

// Evaluate picks the rule governing a submission. Among matching rules the
// tightest amount band wins; an unbounded band is always looser than a
// bounded one. Ties break on the number of matched conditions, then on
// lowest rule ID for determinism.
func Evaluate(rules []Rule, amount decimal.Decimal, attrs map[string]string) (Rule, bool) {
	var best Rule
	found := false
	for _, rule := range rules {
		if !rule.Matches(amount, attrs) {
			continue
		}
		if !found || tighter(rule, best) {
			best = rule
			found = true
		}
	}
	return best, found
}

func tighter(a, b Rule) bool {
	switch {
	case a.Unbounded != b.Unbounded:
		return !a.Unbounded
	case !a.Unbounded:
		widthA := a.MaxAmount.Sub(a.MinAmount)
		widthB := b.MaxAmount.Sub(b.MinAmount)
		if !widthA.Equal(widthB) {
			return widthA.LessThan(widthB)
		}
	}
	if len(a.Conditions) != len(b.Conditions) {
		return len(a.Conditions) > len(b.Conditions)
	}
	return a.ID < b.ID
}
