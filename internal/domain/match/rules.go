// Package match decides whether a transaction belongs to a declared
// subscription. Each subscription carries a list of matching rules combined
// with AND; when several subscriptions claim the same transaction, a
// deterministic scoring and tie-break picks exactly one winner.
package match

import (
	"math"
	"strings"

	"github.com/subtrackd/subtrack-backend/internal/currency"
	"github.com/subtrackd/subtrack-backend/internal/infrastructure/storage"
)

// EvaluateRule evaluates one rule against a transaction. Malformed or
// unknown rule shapes evaluate to false rather than erroring, so a
// misconfigured rule degrades to no-match instead of failing the whole
// pipeline. Currency conversion failures do propagate.
func EvaluateRule(tx *storage.Transaction, rule storage.MatchingRule, converter currency.Converter) (bool, error) {
	switch {
	case rule.Field == storage.RuleFieldNote && rule.Operator == storage.RuleOpContainsAny:
		return noteContainsAny(tx.Note, rule.Values), nil

	case rule.Field == storage.RuleFieldAmount && rule.Operator == storage.RuleOpBetween:
		return amountBetween(tx, rule, converter)

	case rule.Field == storage.RuleFieldTransactionType && rule.Operator == storage.RuleOpEquals:
		return string(tx.Type) == rule.Value, nil

	case rule.Field == storage.RuleFieldAccountID && rule.Operator == storage.RuleOpEquals:
		return tx.AccountID == rule.Value, nil

	default:
		// Unknown field/operator combination: never matches.
		return false, nil
	}
}

func noteContainsAny(note string, values []string) bool {
	if len(values) == 0 {
		return false
	}
	lower := strings.ToLower(note)
	for _, v := range values {
		if v != "" && strings.Contains(lower, strings.ToLower(v)) {
			return true
		}
	}
	return false
}

func amountBetween(tx *storage.Transaction, rule storage.MatchingRule, converter currency.Converter) (bool, error) {
	// A between rule without both bounds is malformed and never matches.
	if rule.MinAmount == nil || rule.MaxAmount == nil {
		return false, nil
	}

	amount, err := convertedAbsAmount(tx, rule.CurrencyCode, converter)
	if err != nil {
		return false, err
	}

	return amount >= *rule.MinAmount && amount <= *rule.MaxAmount, nil
}

// convertedAbsAmount returns the transaction's absolute amount expressed in
// targetCurrency. An empty target means the transaction's own currency.
func convertedAbsAmount(tx *storage.Transaction, targetCurrency string, converter currency.Converter) (int64, error) {
	amount := tx.Amount
	if amount < 0 {
		amount = -amount
	}
	if targetCurrency == "" || strings.EqualFold(targetCurrency, tx.CurrencyCode) {
		return amount, nil
	}
	return converter.Convert(amount, tx.CurrencyCode, targetCurrency)
}

// RulesMatch reports whether all of a subscription's rules hold for a
// transaction. A subscription without rules matches nothing.
func RulesMatch(tx *storage.Transaction, sub *storage.Subscription, converter currency.Converter) (bool, error) {
	if len(sub.Rules) == 0 {
		return false, nil
	}
	for _, rule := range sub.Rules {
		ok, err := EvaluateRule(tx, rule, converter)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// amountRuleBonus lifts every amount-bounded subscription above the
// proximity ceiling, so a generic note-only catch-all can never outrank a
// subscription that pinned down an amount range.
const amountRuleBonus = 1.0

// Quality computes the match-quality signal for a subscription whose rules
// all matched. Closeness of the converted amount to the declared expected
// amount contributes up to 0.5; carrying an amount rule adds a flat bonus.
func Quality(tx *storage.Transaction, sub *storage.Subscription, converter currency.Converter) (float64, error) {
	var quality float64

	if sub.ExpectedAmount != nil && *sub.ExpectedAmount > 0 {
		targetCurrency := sub.ExpectedCurrency
		if targetCurrency == "" {
			targetCurrency = tx.CurrencyCode
		}
		amount, err := convertedAbsAmount(tx, targetCurrency, converter)
		if err != nil {
			return 0, err
		}

		distance := math.Abs(float64(amount-*sub.ExpectedAmount)) / float64(*sub.ExpectedAmount)
		quality += 0.5 * (1 - math.Min(1, distance))
	}

	if sub.AmountRule() != nil {
		quality += amountRuleBonus
	}

	return quality, nil
}
