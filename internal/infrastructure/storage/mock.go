package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockRepository is an in-memory implementation of Repository for testing.
// It stores all data in maps and slices, making tests fast and isolated.
type MockRepository struct {
	mu sync.Mutex

	transactions  map[string]*Transaction
	subscriptions map[string]*Subscription
	candidates    map[string]*SubscriptionCandidate
	links         map[string]*SubscriptionLink
	runs          map[string]time.Time

	// Hooks for test assertions
	SaveCandidatesCalled bool
	LastSavedCandidates  []*SubscriptionCandidate
	ApplyCategoryCalled  bool
	LastAppliedCategory  string

	// Error injection for testing error paths
	ListTransactionsErr  error
	SaveCandidatesErr    error
	ApplyLinkChangesErr  error
	ListCandidatesErr    error
	ActivelyLinkedErr    error
	RecordDetectionErr   error
	GetSubscriptionErr   error
	ListSubscriptionsErr error
}

// Compile-time check that MockRepository implements Repository
var _ Repository = (*MockRepository)(nil)

// NewMockRepository creates a new mock repository for testing
func NewMockRepository() *MockRepository {
	return &MockRepository{
		transactions:  make(map[string]*Transaction),
		subscriptions: make(map[string]*Subscription),
		candidates:    make(map[string]*SubscriptionCandidate),
		links:         make(map[string]*SubscriptionLink),
		runs:          make(map[string]time.Time),
	}
}

// Close is a no-op for the mock
func (m *MockRepository) Close() error { return nil }

// GetTransaction retrieves one transaction by id
func (m *MockRepository) GetTransaction(id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	cp := *tx
	return &cp, nil
}

// GetTransactionsByIDs retrieves transactions in the requested order
func (m *MockRepository) GetTransactionsByIDs(ids []string) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, id := range ids {
		if tx, ok := m.transactions[id]; ok {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListTransactions returns a user's transactions matching the filter
func (m *MockRepository) ListTransactions(userID string, filter TransactionFilter) ([]*Transaction, error) {
	if m.ListTransactionsErr != nil {
		return nil, m.ListTransactionsErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for _, tx := range m.transactions {
		if tx.UserID != userID {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && tx.OccurredAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && tx.OccurredAt.After(filter.Until) {
			continue
		}
		if filter.AccountID != "" && tx.AccountID != filter.AccountID {
			continue
		}
		if filter.ExcludeTransfer && tx.IsTransfer {
			continue
		}
		if filter.ExcludeRefunded && tx.RefundLinked {
			continue
		}
		if filter.RequireNote && strings.TrimSpace(tx.Note) == "" {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ApplyCategory sets a transaction's category
func (m *MockRepository) ApplyCategory(transactionID, categoryID, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ApplyCategoryCalled = true
	m.LastAppliedCategory = categoryID
	tx, ok := m.transactions[transactionID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", transactionID, ErrNotFound)
	}
	tx.CategoryID = categoryID
	tx.CategorySource = source
	return nil
}

// SaveTransaction inserts or replaces a transaction
func (m *MockRepository) SaveTransaction(tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.transactions[tx.ID] = &cp
	return nil
}

// GetSubscription retrieves one subscription by id
func (m *MockRepository) GetSubscription(id string) (*Subscription, error) {
	if m.GetSubscriptionErr != nil {
		return nil, m.GetSubscriptionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	cp := *sub
	return &cp, nil
}

// ListActiveSubscriptions returns active subscriptions ordered by id
func (m *MockRepository) ListActiveSubscriptions(userID string) ([]*Subscription, error) {
	if m.ListSubscriptionsErr != nil {
		return nil, m.ListSubscriptionsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, sub := range m.subscriptions {
		if sub.UserID == userID && sub.Active {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveSubscription inserts or replaces a subscription
func (m *MockRepository) SaveSubscription(sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subscriptions[sub.ID] = &cp
	return nil
}

func (m *MockRepository) listCandidatesLocked(userID string, pendingOnly bool) []*SubscriptionCandidate {
	var out []*SubscriptionCandidate
	for _, c := range m.candidates {
		if c.UserID != userID {
			continue
		}
		if pendingOnly && c.Status != CandidateStatusPending {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListCandidates returns all candidates for a user
func (m *MockRepository) ListCandidates(userID string) ([]*SubscriptionCandidate, error) {
	if m.ListCandidatesErr != nil {
		return nil, m.ListCandidatesErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCandidatesLocked(userID, false), nil
}

// ListPendingCandidates returns pending candidates for a user
func (m *MockRepository) ListPendingCandidates(userID string) ([]*SubscriptionCandidate, error) {
	if m.ListCandidatesErr != nil {
		return nil, m.ListCandidatesErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCandidatesLocked(userID, true), nil
}

// SaveCandidates persists a batch of candidates
func (m *MockRepository) SaveCandidates(candidates []*SubscriptionCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCandidatesCalled = true
	m.LastSavedCandidates = candidates
	if m.SaveCandidatesErr != nil {
		return m.SaveCandidatesErr
	}
	for _, c := range candidates {
		cp := *c
		m.candidates[c.ID] = &cp
	}
	return nil
}

// ListLinksForTransactions returns every link row for the given ids
func (m *MockRepository) ListLinksForTransactions(transactionIDs []string) ([]*SubscriptionLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idSet := make(map[string]bool, len(transactionIDs))
	for _, id := range transactionIDs {
		idSet[id] = true
	}
	var out []*SubscriptionLink
	for _, l := range m.links {
		if idSet[l.TransactionID] {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListLinksForSubscription returns every link row for a subscription
func (m *MockRepository) ListLinksForSubscription(subscriptionID string) ([]*SubscriptionLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SubscriptionLink
	for _, l := range m.links {
		if l.SubscriptionID == subscriptionID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ActivelyLinkedTransactionIDs returns transaction ids holding an active link
func (m *MockRepository) ActivelyLinkedTransactionIDs(userID string) (map[string]bool, error) {
	if m.ActivelyLinkedErr != nil {
		return nil, m.ActivelyLinkedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for _, l := range m.links {
		if l.Status != LinkStatusActive {
			continue
		}
		tx, ok := m.transactions[l.TransactionID]
		if !ok || tx.UserID != userID {
			continue
		}
		out[l.TransactionID] = true
	}
	return out, nil
}

// ApplyLinkChanges reactivates and inserts link rows under one lock,
// re-checking the active-link invariant like the SQLite implementation.
func (m *MockRepository) ApplyLinkChanges(reactivateIDs []string, create []*SubscriptionLink, source MatchSource, matchedAt time.Time) error {
	if m.ApplyLinkChangesErr != nil {
		return m.ApplyLinkChangesErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reactivating := make(map[string]bool, len(reactivateIDs))
	claimedTxIDs := make(map[string]bool, len(create)+len(reactivateIDs))
	for _, nl := range create {
		claimedTxIDs[nl.TransactionID] = true
	}
	for _, id := range reactivateIDs {
		reactivating[id] = true
		if l, ok := m.links[id]; ok {
			claimedTxIDs[l.TransactionID] = true
		}
	}

	var conflicts []string
	seen := make(map[string]bool)
	for _, l := range m.links {
		if l.Status != LinkStatusActive || !claimedTxIDs[l.TransactionID] {
			continue
		}
		if reactivating[l.ID] || seen[l.TransactionID] {
			continue
		}
		seen[l.TransactionID] = true
		conflicts = append(conflicts, l.TransactionID)
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return &LinkConflictError{TransactionIDs: conflicts}
	}

	for _, id := range reactivateIDs {
		if l, ok := m.links[id]; ok {
			l.Status = LinkStatusActive
			l.MatchSource = source
			l.MatchedAt = matchedAt
		}
	}
	for _, nl := range create {
		cp := *nl
		cp.Status = LinkStatusActive
		cp.MatchSource = source
		cp.MatchedAt = matchedAt
		m.links[cp.ID] = &cp
	}
	return nil
}

// DeactivateLinks flips active rows to unlinked
func (m *MockRepository) DeactivateLinks(subscriptionID string, transactionIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idSet := make(map[string]bool, len(transactionIDs))
	for _, id := range transactionIDs {
		idSet[id] = true
	}
	for _, l := range m.links {
		if l.SubscriptionID == subscriptionID && idSet[l.TransactionID] && l.Status == LinkStatusActive {
			l.Status = LinkStatusUnlinked
		}
	}
	return nil
}

// GetLastDetectionRun returns the last recorded run, or nil
func (m *MockRepository) GetLastDetectionRun(userID string) (*DetectionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ranAt, ok := m.runs[userID]
	if !ok {
		return nil, nil
	}
	return &DetectionRun{UserID: userID, RanAt: ranAt}, nil
}

// RecordDetectionRun upserts the user's last-run timestamp
func (m *MockRepository) RecordDetectionRun(userID string, ranAt time.Time) error {
	if m.RecordDetectionErr != nil {
		return m.RecordDetectionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[userID] = ranAt
	return nil
}

// AllLinks returns a snapshot of every link row, for test assertions.
func (m *MockRepository) AllLinks() []*SubscriptionLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SubscriptionLink
	for _, l := range m.links {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
