package match

import (
	"log/slog"
	"math"

	"github.com/subtrackd/subtrack-backend/internal/currency"
	"github.com/subtrackd/subtrack-backend/internal/infrastructure/storage"
)

// Match is a resolved transaction-subscription pairing.
type Match struct {
	Subscription *storage.Subscription
	Quality      float64
}

// Resolver evaluates subscriptions against transactions and disambiguates
// when several match. Resolution is pure: side effects (linking, category
// application) belong to the caller.
type Resolver struct {
	converter currency.Converter
	logger    *slog.Logger
}

// NewResolver creates a resolver. A nil logger falls back to slog.Default.
func NewResolver(converter currency.Converter, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{converter: converter, logger: logger}
}

// Resolve returns the single subscription that owns the transaction, or nil
// when none of the given subscriptions' rules match. Given the same inputs
// it always returns the same winner:
//
//  1. highest match quality
//  2. narrower declared amount range
//  3. lowest subscription id
func (r *Resolver) Resolve(tx *storage.Transaction, subs []*storage.Subscription) (*Match, error) {
	var winner *Match

	for _, sub := range subs {
		ok, err := RulesMatch(tx, sub, r.converter)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		quality, err := Quality(tx, sub, r.converter)
		if err != nil {
			return nil, err
		}

		candidate := &Match{Subscription: sub, Quality: quality}
		if winner == nil || beats(candidate, winner) {
			winner = candidate
		}
	}

	if winner != nil {
		r.logger.Debug("transaction matched subscription",
			"transaction_id", tx.ID,
			"subscription_id", winner.Subscription.ID,
			"quality", winner.Quality)
	}

	return winner, nil
}

// beats reports whether a should replace b as the current winner.
func beats(a, b *Match) bool {
	if a.Quality != b.Quality {
		return a.Quality > b.Quality
	}
	aw, bw := amountRangeWidth(a.Subscription), amountRangeWidth(b.Subscription)
	if aw != bw {
		return aw < bw
	}
	return a.Subscription.ID < b.Subscription.ID
}

// amountRangeWidth is the declared between-range width; subscriptions
// without an amount rule count as unbounded.
func amountRangeWidth(sub *storage.Subscription) float64 {
	rule := sub.AmountRule()
	if rule == nil || rule.MinAmount == nil || rule.MaxAmount == nil {
		return math.Inf(1)
	}
	return float64(*rule.MaxAmount - *rule.MinAmount)
}
