package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced record does not exist or does
// not belong to the requesting user.
var ErrNotFound = errors.New("record not found")

// Repository defines the complete storage interface.
// This interface allows swapping implementations (SQLite, PostgreSQL, etc.)
// and makes testing with mocks straightforward.
type Repository interface {
	TransactionRepository
	SubscriptionRepository
	CandidateRepository
	LinkRepository
	DetectionRunRepository
	Close() error
}

// TransactionFilter narrows ListTransactions. Zero values mean "no filter".
type TransactionFilter struct {
	Type            TransactionType
	Since           time.Time
	Until           time.Time
	AccountID       string
	ExcludeTransfer bool
	ExcludeRefunded bool
	RequireNote     bool
}

// TransactionRepository reads the ledger and applies category side effects.
// Transactions themselves are created by the surrounding import system.
type TransactionRepository interface {
	// GetTransaction retrieves one transaction by id.
	GetTransaction(id string) (*Transaction, error)

	// GetTransactionsByIDs retrieves the transactions for the given ids,
	// in the order requested. Missing ids are skipped.
	GetTransactionsByIDs(ids []string) ([]*Transaction, error)

	// ListTransactions returns a user's transactions matching the filter,
	// ordered by occurrence time ascending.
	ListTransactions(userID string, filter TransactionFilter) ([]*Transaction, error)

	// ApplyCategory sets a transaction's category and records where the
	// categorization came from.
	ApplyCategory(transactionID, categoryID, source string) error

	// SaveTransaction inserts or replaces a transaction row.
	SaveTransaction(tx *Transaction) error
}

// SubscriptionRepository reads user-declared subscriptions.
type SubscriptionRepository interface {
	// GetSubscription retrieves one subscription by id.
	GetSubscription(id string) (*Subscription, error)

	// ListActiveSubscriptions returns a user's active subscriptions,
	// ordered by id for deterministic iteration.
	ListActiveSubscriptions(userID string) ([]*Subscription, error)

	// SaveSubscription inserts or replaces a subscription row.
	SaveSubscription(sub *Subscription) error
}

// CandidateRepository stores detection output.
type CandidateRepository interface {
	// ListCandidates returns all of a user's candidates regardless of
	// status, ordered by confidence descending.
	ListCandidates(userID string) ([]*SubscriptionCandidate, error)

	// ListPendingCandidates returns only pending candidates, ordered by
	// confidence descending.
	ListPendingCandidates(userID string) ([]*SubscriptionCandidate, error)

	// SaveCandidates persists a ranked batch inside one transaction, so an
	// interrupted run leaves either zero or a complete batch.
	SaveCandidates(candidates []*SubscriptionCandidate) error
}

// LinkRepository stores transaction-subscription links. ApplyLinkChanges is
// the single write path and re-checks the active-link invariant inside its
// database transaction.
type LinkRepository interface {
	// ListLinksForTransactions returns every link row (any status) whose
	// transaction id is in the given set.
	ListLinksForTransactions(transactionIDs []string) ([]*SubscriptionLink, error)

	// ListLinksForSubscription returns every link row for a subscription.
	ListLinksForSubscription(subscriptionID string) ([]*SubscriptionLink, error)

	// ActivelyLinkedTransactionIDs returns the set of a user's transaction
	// ids that currently hold an active link.
	ActivelyLinkedTransactionIDs(userID string) (map[string]bool, error)

	// ApplyLinkChanges atomically reactivates the given existing rows and
	// inserts the new ones. It fails with a conflict error, writing
	// nothing, if any affected transaction id already holds an active link
	// outside the reactivated set.
	ApplyLinkChanges(reactivateIDs []string, create []*SubscriptionLink, source MatchSource, matchedAt time.Time) error

	// DeactivateLinks flips active rows for the subscription + transaction
	// ids to unlinked. Rows are never deleted.
	DeactivateLinks(subscriptionID string, transactionIDs []string) error
}

// DetectionRunRepository tracks when detection last ran per user.
type DetectionRunRepository interface {
	// GetLastDetectionRun returns the most recent run for a user, or nil
	// if detection has never run.
	GetLastDetectionRun(userID string) (*DetectionRun, error)

	// RecordDetectionRun upserts the user's last-run timestamp.
	RecordDetectionRun(userID string, ranAt time.Time) error
}
