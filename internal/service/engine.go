// Package service wires the detection, matching and linking pipelines over
// storage and exposes the call contracts consumed by the HTTP layer.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/subtrackd/subtrack-backend/internal/currency"
	"github.com/subtrackd/subtrack-backend/internal/domain/detect"
	"github.com/subtrackd/subtrack-backend/internal/domain/link"
	"github.com/subtrackd/subtrack-backend/internal/domain/match"
	"github.com/subtrackd/subtrack-backend/internal/infrastructure/storage"
)

// historicalSuggestionLimit caps SuggestHistoricalMatches results.
const historicalSuggestionLimit = 100

// Engine is the subscription engine facade.
type Engine struct {
	repo      storage.Repository
	converter currency.Converter
	detector  *detect.Detector
	resolver  *match.Resolver
	linker    *link.Manager
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine assembles the engine over a repository and currency converter.
// A nil logger falls back to slog.Default.
func NewEngine(repo storage.Repository, converter currency.Converter, detectCfg detect.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:      repo,
		converter: converter,
		detector:  detect.NewDetector(repo, detectCfg, logger.With("system", "detect")),
		resolver:  match.NewResolver(converter, logger.With("system", "match")),
		linker:    link.NewManager(repo, logger.With("system", "link")),
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the engine's time sources, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.detector.SetClock(now)
	e.linker.SetClock(now)
}

// GetTransaction loads one transaction, for callers that only hold an id.
func (e *Engine) GetTransaction(id string) (*storage.Transaction, error) {
	return e.repo.GetTransaction(id)
}

// DetectSubscriptionCandidates runs (or short-circuits, inside the cooldown)
// batch candidate detection for a user.
func (e *Engine) DetectSubscriptionCandidates(userID string) (*detect.Result, error) {
	return e.detector.Detect(userID)
}

// MatchOutcome reports the winning subscription for a transaction and the
// category applied as a side effect, if any.
type MatchOutcome struct {
	SubscriptionID    string `json:"subscription_id"`
	AppliedCategoryID string `json:"applied_category_id,omitempty"`
}

// MatchTransactionToSubscriptions evaluates a transaction against all of its
// user's active subscriptions, links it to the single winner and applies the
// winner's category. Returns nil with no side effects when nothing matches.
//
// The operation is idempotent: re-running it for an already-linked
// transaction is a no-op, and a transaction actively owned by another
// subscription is left alone rather than fought over.
func (e *Engine) MatchTransactionToSubscriptions(tx *storage.Transaction) (*MatchOutcome, error) {
	subs, err := e.repo.ListActiveSubscriptions(tx.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	winner, err := e.resolver.Resolve(tx, subs)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, nil
	}

	sub := winner.Subscription
	if err := e.linker.Link(sub.ID, []string{tx.ID}, storage.MatchSourceRule); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			e.logger.Debug("transaction already owned, skipping match",
				"transaction_id", tx.ID,
				"subscription_id", sub.ID)
			return nil, nil
		}
		return nil, err
	}

	outcome := &MatchOutcome{SubscriptionID: sub.ID}
	if sub.CategoryID != "" {
		if err := e.repo.ApplyCategory(tx.ID, sub.CategoryID, storage.CategorySourceSubscription); err != nil {
			return nil, fmt.Errorf("failed to apply category: %w", err)
		}
		outcome.AppliedCategoryID = sub.CategoryID
	}

	return outcome, nil
}

// SuggestHistoricalMatches returns past transactions whose attributes
// satisfy a subscription's rules: a 12-month window, minus transactions the
// subscription already holds, newest first, capped at 100.
func (e *Engine) SuggestHistoricalMatches(subscriptionID, userID string) ([]*storage.Transaction, error) {
	sub, err := e.repo.GetSubscription(subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, storage.ErrNotFound)
	}

	txs, err := e.repo.ListTransactions(userID, storage.TransactionFilter{
		Type:            storage.TransactionTypeExpense,
		Since:           e.now().AddDate(0, -12, 0),
		ExcludeTransfer: true,
		ExcludeRefunded: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	links, err := e.repo.ListLinksForSubscription(subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	alreadyLinked := make(map[string]bool, len(links))
	for _, l := range links {
		if l.Status == storage.LinkStatusActive {
			alreadyLinked[l.TransactionID] = true
		}
	}

	var matches []*storage.Transaction
	for _, tx := range txs {
		if alreadyLinked[tx.ID] {
			continue
		}
		ok, err := match.RulesMatch(tx, sub, e.converter)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, tx)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].OccurredAt.After(matches[j].OccurredAt)
	})
	if len(matches) > historicalSuggestionLimit {
		matches = matches[:historicalSuggestionLimit]
	}
	return matches, nil
}

// LinkTransactions manually attaches transactions to a subscription owned by
// the given user.
func (e *Engine) LinkTransactions(subscriptionID, userID string, transactionIDs []string, source storage.MatchSource) error {
	if err := e.ownedSubscription(subscriptionID, userID); err != nil {
		return err
	}
	return e.linker.Link(subscriptionID, transactionIDs, source)
}

// UnlinkTransactions detaches transactions from a subscription owned by the
// given user. Detached transactions are never re-attached automatically.
func (e *Engine) UnlinkTransactions(subscriptionID, userID string, transactionIDs []string) error {
	if err := e.ownedSubscription(subscriptionID, userID); err != nil {
		return err
	}
	return e.linker.Unlink(subscriptionID, transactionIDs)
}

func (e *Engine) ownedSubscription(subscriptionID, userID string) error {
	sub, err := e.repo.GetSubscription(subscriptionID)
	if err != nil {
		return err
	}
	if sub.UserID != userID {
		return fmt.Errorf("subscription %s: %w", subscriptionID, storage.ErrNotFound)
	}
	return nil
}
