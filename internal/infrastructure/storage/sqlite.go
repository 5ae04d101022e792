package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides SQLite database access for the subscription engine.
// It implements the Repository interface.
type Storage struct {
	db *sql.DB
}

// Compile-time check that Storage implements Repository
var _ Repository = (*Storage)(nil)

// NewStorage creates a new storage instance with SQLite database
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign key constraints (SQLite-specific)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Storage{db: db}

	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ---------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------

const transactionColumns = `id, user_id, account_id, amount, currency_code, note,
	occurred_at, type, is_transfer, refund_linked, category_id, category_source`

func scanTransaction(row interface{ Scan(...interface{}) error }) (*Transaction, error) {
	tx := &Transaction{}
	err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.AccountID,
		&tx.Amount,
		&tx.CurrencyCode,
		&tx.Note,
		&tx.OccurredAt,
		&tx.Type,
		&tx.IsTransfer,
		&tx.RefundLinked,
		&tx.CategoryID,
		&tx.CategorySource,
	)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// GetTransaction retrieves one transaction by id
func (s *Storage) GetTransaction(id string) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return tx, err
}

// GetTransactionsByIDs retrieves transactions for the given ids, preserving
// the requested order. Missing ids are skipped.
func (s *Storage) GetTransactionsByIDs(ids []string) ([]*Transaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id IN (` + placeholders(len(ids)) + `)`
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[string]*Transaction, len(ids))
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		byID[tx.ID] = tx
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*Transaction
	for _, id := range ids {
		if tx, ok := byID[id]; ok {
			out = append(out, tx)
		}
	}
	return out, nil
}

// ListTransactions returns a user's transactions matching the filter,
// ordered by occurrence time ascending
func (s *Storage) ListTransactions(userID string, filter TransactionFilter) ([]*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ?`
	args := []interface{}{userID}

	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if !filter.Since.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += ` AND occurred_at <= ?`
		args = append(args, filter.Until)
	}
	if filter.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, filter.AccountID)
	}
	if filter.ExcludeTransfer {
		query += ` AND is_transfer = 0`
	}
	if filter.ExcludeRefunded {
		query += ` AND refund_linked = 0`
	}
	if filter.RequireNote {
		query += ` AND TRIM(note) != ''`
	}
	query += ` ORDER BY occurred_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// ApplyCategory sets a transaction's category and categorization source
func (s *Storage) ApplyCategory(transactionID, categoryID, source string) error {
	result, err := s.db.Exec(
		`UPDATE transactions SET category_id = ?, category_source = ? WHERE id = ?`,
		categoryID, source, transactionID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("transaction %s: %w", transactionID, ErrNotFound)
	}
	return nil
}

// SaveTransaction inserts or replaces a transaction row
func (s *Storage) SaveTransaction(tx *Transaction) error {
	query := `
	INSERT OR REPLACE INTO transactions
	(id, user_id, account_id, amount, currency_code, note, occurred_at,
	 type, is_transfer, refund_linked, category_id, category_source)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		tx.ID,
		tx.UserID,
		tx.AccountID,
		tx.Amount,
		tx.CurrencyCode,
		tx.Note,
		tx.OccurredAt,
		string(tx.Type),
		tx.IsTransfer,
		tx.RefundLinked,
		tx.CategoryID,
		tx.CategorySource,
	)

	return err
}

// ---------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------

const subscriptionColumns = `id, user_id, name, expected_amount, expected_currency,
	frequency, account_id, category_id, rules_json, active, created_at`

func scanSubscription(row interface{ Scan(...interface{}) error }) (*Subscription, error) {
	sub := &Subscription{}
	var expectedAmount sql.NullInt64
	var rulesJSON string
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.Name,
		&expectedAmount,
		&sub.ExpectedCurrency,
		&sub.Frequency,
		&sub.AccountID,
		&sub.CategoryID,
		&rulesJSON,
		&sub.Active,
		&sub.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expectedAmount.Valid {
		v := expectedAmount.Int64
		sub.ExpectedAmount = &v
	}
	if rulesJSON != "" {
		if err := json.Unmarshal([]byte(rulesJSON), &sub.Rules); err != nil {
			return nil, fmt.Errorf("subscription %s has malformed rules: %w", sub.ID, err)
		}
	}
	return sub, nil
}

// GetSubscription retrieves one subscription by id
func (s *Storage) GetSubscription(id string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = ?`

	sub, err := scanSubscription(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return sub, err
}

// ListActiveSubscriptions returns a user's active subscriptions ordered by id
func (s *Storage) ListActiveSubscriptions(userID string) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE user_id = ? AND active = 1 ORDER BY id ASC`

	rows, err := s.db.Query(query, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// SaveSubscription inserts or replaces a subscription row
func (s *Storage) SaveSubscription(sub *Subscription) error {
	rulesJSON, err := json.Marshal(sub.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}

	query := `
	INSERT OR REPLACE INTO subscriptions
	(id, user_id, name, expected_amount, expected_currency, frequency,
	 account_id, category_id, rules_json, active, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var expectedAmount interface{}
	if sub.ExpectedAmount != nil {
		expectedAmount = *sub.ExpectedAmount
	}

	_, err = s.db.Exec(query,
		sub.ID,
		sub.UserID,
		sub.Name,
		expectedAmount,
		sub.ExpectedCurrency,
		string(sub.Frequency),
		sub.AccountID,
		sub.CategoryID,
		string(rulesJSON),
		sub.Active,
		sub.CreatedAt,
	)

	return err
}

// ---------------------------------------------------------------
// Candidates
// ---------------------------------------------------------------

const candidateColumns = `id, user_id, suggested_name, frequency, average_amount,
	currency_code, account_id, sample_transaction_ids_json, occurrence_count,
	confidence, median_interval_days, status, detected_at, last_occurrence_at,
	resolved_at, subscription_id`

func scanCandidate(row interface{ Scan(...interface{}) error }) (*SubscriptionCandidate, error) {
	c := &SubscriptionCandidate{}
	var samplesJSON string
	var resolvedAt sql.NullTime
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.SuggestedName,
		&c.Frequency,
		&c.AverageAmount,
		&c.CurrencyCode,
		&c.AccountID,
		&samplesJSON,
		&c.OccurrenceCount,
		&c.Confidence,
		&c.MedianIntervalDays,
		&c.Status,
		&c.DetectedAt,
		&c.LastOccurrenceAt,
		&resolvedAt,
		&c.SubscriptionID,
	)
	if err != nil {
		return nil, err
	}
	if samplesJSON != "" {
		_ = json.Unmarshal([]byte(samplesJSON), &c.SampleTransactionIDs)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return c, nil
}

func (s *Storage) listCandidates(userID string, pendingOnly bool) ([]*SubscriptionCandidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM subscription_candidates WHERE user_id = ?`
	args := []interface{}{userID}
	if pendingOnly {
		query += ` AND status = ?`
		args = append(args, string(CandidateStatusPending))
	}
	query += ` ORDER BY confidence DESC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*SubscriptionCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCandidates returns all of a user's candidates ordered by confidence
func (s *Storage) ListCandidates(userID string) ([]*SubscriptionCandidate, error) {
	return s.listCandidates(userID, false)
}

// ListPendingCandidates returns only pending candidates
func (s *Storage) ListPendingCandidates(userID string) ([]*SubscriptionCandidate, error) {
	return s.listCandidates(userID, true)
}

// SaveCandidates persists a ranked batch inside one transaction
func (s *Storage) SaveCandidates(candidates []*SubscriptionCandidate) error {
	if len(candidates) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	query := `
	INSERT OR REPLACE INTO subscription_candidates
	(id, user_id, suggested_name, frequency, average_amount, currency_code,
	 account_id, sample_transaction_ids_json, occurrence_count, confidence,
	 median_interval_days, status, detected_at, last_occurrence_at,
	 resolved_at, subscription_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, c := range candidates {
		samplesJSON, _ := json.Marshal(c.SampleTransactionIDs)

		var resolvedAt interface{}
		if c.ResolvedAt != nil {
			resolvedAt = *c.ResolvedAt
		}

		_, err := tx.Exec(query,
			c.ID,
			c.UserID,
			c.SuggestedName,
			string(c.Frequency),
			c.AverageAmount,
			c.CurrencyCode,
			c.AccountID,
			string(samplesJSON),
			c.OccurrenceCount,
			c.Confidence,
			c.MedianIntervalDays,
			string(c.Status),
			c.DetectedAt,
			c.LastOccurrenceAt,
			resolvedAt,
			c.SubscriptionID,
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// ---------------------------------------------------------------
// Links
// ---------------------------------------------------------------

const linkColumns = `id, subscription_id, transaction_id, status, match_source, matched_at`

func scanLink(row interface{ Scan(...interface{}) error }) (*SubscriptionLink, error) {
	l := &SubscriptionLink{}
	err := row.Scan(
		&l.ID,
		&l.SubscriptionID,
		&l.TransactionID,
		&l.Status,
		&l.MatchSource,
		&l.MatchedAt,
	)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ListLinksForTransactions returns every link row for the given transaction ids
func (s *Storage) ListLinksForTransactions(transactionIDs []string) ([]*SubscriptionLink, error) {
	if len(transactionIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + linkColumns + ` FROM subscription_links
		WHERE transaction_id IN (` + placeholders(len(transactionIDs)) + `) ORDER BY id ASC`
	args := make([]interface{}, len(transactionIDs))
	for i, id := range transactionIDs {
		args[i] = id
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*SubscriptionLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListLinksForSubscription returns every link row for a subscription
func (s *Storage) ListLinksForSubscription(subscriptionID string) ([]*SubscriptionLink, error) {
	query := `SELECT ` + linkColumns + ` FROM subscription_links
		WHERE subscription_id = ? ORDER BY id ASC`

	rows, err := s.db.Query(query, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*SubscriptionLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ActivelyLinkedTransactionIDs returns the set of a user's transaction ids
// that currently hold an active link
func (s *Storage) ActivelyLinkedTransactionIDs(userID string) (map[string]bool, error) {
	query := `
	SELECT l.transaction_id
	FROM subscription_links l
	JOIN transactions t ON t.id = l.transaction_id
	WHERE t.user_id = ? AND l.status = ?
	`

	rows, err := s.db.Query(query, userID, string(LinkStatusActive))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// ApplyLinkChanges atomically reactivates existing rows and inserts new ones.
// The active-link invariant is re-checked inside the database transaction so
// a concurrent caller cannot slip a second active link in between the domain
// layer's read and this write.
func (s *Storage) ApplyLinkChanges(reactivateIDs []string, create []*SubscriptionLink, source MatchSource, matchedAt time.Time) error {
	if len(reactivateIDs) == 0 && len(create) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	// Conflict re-check: every transaction id we are about to claim, whether
	// by inserting a row or reactivating one, must not already hold an active
	// link on some other row. Reactivated rows are resolved to their
	// transaction ids here so the check covers them too.
	claimedTxIDs := make([]string, 0, len(create)+len(reactivateIDs))
	for _, l := range create {
		claimedTxIDs = append(claimedTxIDs, l.TransactionID)
	}
	reactivating := make(map[string]bool, len(reactivateIDs))
	if len(reactivateIDs) > 0 {
		args := make([]interface{}, len(reactivateIDs))
		for i, id := range reactivateIDs {
			args[i] = id
			reactivating[id] = true
		}

		query := `SELECT transaction_id FROM subscription_links
			WHERE id IN (` + placeholders(len(reactivateIDs)) + `)`
		rows, err := tx.Query(query, args...)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		for rows.Next() {
			var txID string
			if err := rows.Scan(&txID); err != nil {
				_ = rows.Close()
				_ = tx.Rollback()
				return err
			}
			claimedTxIDs = append(claimedTxIDs, txID)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			_ = tx.Rollback()
			return err
		}
		_ = rows.Close()
	}

	if len(claimedTxIDs) > 0 {
		args := make([]interface{}, 0, len(claimedTxIDs)+1)
		args = append(args, string(LinkStatusActive))
		for _, id := range claimedTxIDs {
			args = append(args, id)
		}

		query := `SELECT id, transaction_id FROM subscription_links
			WHERE status = ? AND transaction_id IN (` + placeholders(len(claimedTxIDs)) + `)`
		rows, err := tx.Query(query, args...)
		if err != nil {
			_ = tx.Rollback()
			return err
		}

		var conflicts []string
		seen := make(map[string]bool)
		for rows.Next() {
			var rowID, txID string
			if err := rows.Scan(&rowID, &txID); err != nil {
				_ = rows.Close()
				_ = tx.Rollback()
				return err
			}
			// A row we are reactivating may itself already be active; that is
			// the idempotent case, not a conflict.
			if reactivating[rowID] || seen[txID] {
				continue
			}
			seen[txID] = true
			conflicts = append(conflicts, txID)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			_ = tx.Rollback()
			return err
		}
		_ = rows.Close()

		if len(conflicts) > 0 {
			_ = tx.Rollback()
			sort.Strings(conflicts)
			return &LinkConflictError{TransactionIDs: conflicts}
		}
	}

	for _, id := range reactivateIDs {
		_, err := tx.Exec(
			`UPDATE subscription_links SET status = ?, match_source = ?, matched_at = ? WHERE id = ?`,
			string(LinkStatusActive), string(source), matchedAt, id,
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	for _, l := range create {
		_, err := tx.Exec(
			`INSERT INTO subscription_links
			 (id, subscription_id, transaction_id, status, match_source, matched_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			l.ID, l.SubscriptionID, l.TransactionID,
			string(LinkStatusActive), string(source), matchedAt,
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// DeactivateLinks flips active rows for the subscription + transactions to
// unlinked. Rows are never deleted.
func (s *Storage) DeactivateLinks(subscriptionID string, transactionIDs []string) error {
	if len(transactionIDs) == 0 {
		return nil
	}

	args := []interface{}{string(LinkStatusUnlinked), subscriptionID, string(LinkStatusActive)}
	for _, id := range transactionIDs {
		args = append(args, id)
	}

	query := `UPDATE subscription_links SET status = ?
		WHERE subscription_id = ? AND status = ?
		AND transaction_id IN (` + placeholders(len(transactionIDs)) + `)`

	_, err := s.db.Exec(query, args...)
	return err
}

// ---------------------------------------------------------------
// Detection runs
// ---------------------------------------------------------------

// GetLastDetectionRun returns the most recent detection run for a user, or
// nil if detection has never run
func (s *Storage) GetLastDetectionRun(userID string) (*DetectionRun, error) {
	run := &DetectionRun{}
	err := s.db.QueryRow(
		`SELECT user_id, ran_at FROM detection_runs WHERE user_id = ?`, userID,
	).Scan(&run.UserID, &run.RanAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// RecordDetectionRun upserts the user's last-run timestamp
func (s *Storage) RecordDetectionRun(userID string, ranAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO detection_runs (user_id, ran_at) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET ran_at = excluded.ran_at`,
		userID, ranAt,
	)
	return err
}
