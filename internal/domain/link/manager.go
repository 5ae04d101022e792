// Package link maintains transaction-subscription associations. The one
// invariant everything here protects: a transaction holds at most one active
// link across all subscriptions at any time.
package link

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/subtrackd/subtrack-backend/internal/infrastructure/storage"
)

// repository is the slice of storage the manager needs.
type repository interface {
	storage.TransactionRepository
	storage.SubscriptionRepository
	storage.LinkRepository
}

// Manager links and unlinks transactions. Linking is idempotent for rows
// already active on the same subscription; unlinked rows are only ever
// reactivated by an explicit new link call, never by background re-matching.
type Manager struct {
	repo   repository
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a link manager. A nil logger falls back to slog.Default.
func NewManager(repo repository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{repo: repo, logger: logger, now: time.Now}
}

// SetClock overrides the manager's time source, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Link attaches the given transactions to a subscription. Every transaction
// must belong to the subscription's user. If any transaction is actively
// linked elsewhere the whole call fails with a conflict naming the offending
// ids and nothing is written.
func (m *Manager) Link(subscriptionID string, transactionIDs []string, source storage.MatchSource) error {
	if len(transactionIDs) == 0 {
		return nil
	}

	sub, err := m.repo.GetSubscription(subscriptionID)
	if err != nil {
		return err
	}

	txs, err := m.repo.GetTransactionsByIDs(transactionIDs)
	if err != nil {
		return fmt.Errorf("failed to load transactions: %w", err)
	}
	found := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.UserID != sub.UserID {
			return fmt.Errorf("transaction %s does not belong to user %s: %w", tx.ID, sub.UserID, storage.ErrNotFound)
		}
		found[tx.ID] = true
	}
	for _, id := range transactionIDs {
		if !found[id] {
			return fmt.Errorf("transaction %s: %w", id, storage.ErrNotFound)
		}
	}

	existing, err := m.repo.ListLinksForTransactions(transactionIDs)
	if err != nil {
		return fmt.Errorf("failed to load existing links: %w", err)
	}

	plan := partitionLinks(subscriptionID, transactionIDs, existing)
	if len(plan.conflicting) > 0 {
		sort.Strings(plan.conflicting)
		return &storage.LinkConflictError{TransactionIDs: plan.conflicting}
	}

	// Already-active rows on this subscription need no write; the call
	// stays idempotent.
	if len(plan.reactivateIDs) == 0 && len(plan.freshTxIDs) == 0 {
		return nil
	}

	create := make([]*storage.SubscriptionLink, 0, len(plan.freshTxIDs))
	for _, txID := range plan.freshTxIDs {
		create = append(create, &storage.SubscriptionLink{
			ID:             uuid.NewString(),
			SubscriptionID: subscriptionID,
			TransactionID:  txID,
		})
	}

	if err := m.repo.ApplyLinkChanges(plan.reactivateIDs, create, source, m.now()); err != nil {
		return err
	}

	m.logger.Info("linked transactions",
		"subscription_id", subscriptionID,
		"created", len(create),
		"reactivated", len(plan.reactivateIDs),
		"source", string(source))
	return nil
}

// Unlink detaches the given transactions from a subscription. Link history
// is kept; only the status flips.
func (m *Manager) Unlink(subscriptionID string, transactionIDs []string) error {
	if len(transactionIDs) == 0 {
		return nil
	}

	if _, err := m.repo.GetSubscription(subscriptionID); err != nil {
		return err
	}

	if err := m.repo.DeactivateLinks(subscriptionID, transactionIDs); err != nil {
		return fmt.Errorf("failed to unlink transactions: %w", err)
	}

	m.logger.Info("unlinked transactions",
		"subscription_id", subscriptionID,
		"count", len(transactionIDs))
	return nil
}

// linkPlan partitions a link request against the existing rows.
type linkPlan struct {
	reactivateIDs []string // unlinked rows on the same subscription
	freshTxIDs    []string // transaction ids with no row to reuse
	conflicting   []string // transaction ids actively linked anywhere
}

func partitionLinks(subscriptionID string, transactionIDs []string, existing []*storage.SubscriptionLink) linkPlan {
	bySameSub := make(map[string]*storage.SubscriptionLink)
	activeElsewhere := make(map[string]bool)
	activeSameSub := make(map[string]bool)

	for _, l := range existing {
		if l.SubscriptionID == subscriptionID {
			if l.Status == storage.LinkStatusActive {
				activeSameSub[l.TransactionID] = true
			} else {
				bySameSub[l.TransactionID] = l
			}
			continue
		}
		if l.Status == storage.LinkStatusActive {
			activeElsewhere[l.TransactionID] = true
		}
	}

	var plan linkPlan
	seen := make(map[string]bool, len(transactionIDs))
	for _, txID := range transactionIDs {
		if seen[txID] {
			continue
		}
		seen[txID] = true

		switch {
		case activeElsewhere[txID]:
			plan.conflicting = append(plan.conflicting, txID)
		case activeSameSub[txID]:
			// Nothing to do: idempotent re-link.
		case bySameSub[txID] != nil:
			plan.reactivateIDs = append(plan.reactivateIDs, bySameSub[txID].ID)
		default:
			plan.freshTxIDs = append(plan.freshTxIDs, txID)
		}
	}
	return plan
}
