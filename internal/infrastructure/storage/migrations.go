package storage

import (
	"database/sql"
	"fmt"
	"log"
)

// Migration represents a database schema migration
type Migration struct {
	Version int
	Name    string
	Up      func(*sql.Tx) error
}

// allMigrations defines all migrations in order
var allMigrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up:      migration001InitialSchema,
	},
	{
		Version: 2,
		Name:    "add_candidate_tables",
		Up:      migration002AddCandidateTables,
	},
	{
		Version: 3,
		Name:    "add_link_table",
		Up:      migration003AddLinkTable,
	},
	{
		Version: 4,
		Name:    "add_detection_runs_table",
		Up:      migration004AddDetectionRunsTable,
	},
}

// runMigrations executes all pending migrations
func (s *Storage) runMigrations() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range allMigrations {
		if applied[migration.Version] {
			continue // Already applied
		}

		log.Printf("Running migration %d: %s", migration.Version, migration.Name)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
		}

		if err := migration.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
		}

		_, err = tx.Exec(`
			INSERT INTO schema_migrations (version, name) VALUES (?, ?)
		`, migration.Version, migration.Name)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// ensureMigrationsTable creates the schema_migrations table
func (s *Storage) ensureMigrationsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	_, err := s.db.Exec(query)
	return err
}

// getAppliedMigrations returns a set of applied migration versions
func (s *Storage) getAppliedMigrations() (map[int]bool, error) {
	applied := make(map[int]bool)

	rows, err := s.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// migration001InitialSchema creates the transactions and subscriptions tables
func migration001InitialSchema(db *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			currency_code TEXT NOT NULL,
			note TEXT DEFAULT '',
			occurred_at TIMESTAMP NOT NULL,
			type TEXT NOT NULL,
			is_transfer BOOLEAN DEFAULT 0,
			refund_linked BOOLEAN DEFAULT 0,
			category_id TEXT DEFAULT '',
			category_source TEXT DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			expected_amount INTEGER,
			expected_currency TEXT DEFAULT '',
			frequency TEXT NOT NULL,
			account_id TEXT DEFAULT '',
			category_id TEXT DEFAULT '',
			rules_json TEXT DEFAULT '[]',
			active BOOLEAN DEFAULT 1,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_transactions_user_occurred
		 ON transactions(user_id, occurred_at)`,

		`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_active
		 ON subscriptions(user_id, active)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// migration002AddCandidateTables creates the subscription_candidates table
func migration002AddCandidateTables(db *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS subscription_candidates (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			suggested_name TEXT NOT NULL,
			frequency TEXT NOT NULL,
			average_amount INTEGER NOT NULL,
			currency_code TEXT NOT NULL,
			account_id TEXT DEFAULT '',
			sample_transaction_ids_json TEXT DEFAULT '[]',
			occurrence_count INTEGER NOT NULL,
			confidence REAL NOT NULL,
			median_interval_days REAL NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			detected_at TIMESTAMP NOT NULL,
			last_occurrence_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP,
			subscription_id TEXT DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_candidates_user_status
		 ON subscription_candidates(user_id, status)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// migration003AddLinkTable creates the subscription_links table
func migration003AddLinkTable(db *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS subscription_links (
			id TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			match_source TEXT NOT NULL,
			matched_at TIMESTAMP NOT NULL,
			UNIQUE(subscription_id, transaction_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_links_transaction
		 ON subscription_links(transaction_id, status)`,

		`CREATE INDEX IF NOT EXISTS idx_links_subscription
		 ON subscription_links(subscription_id, status)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// migration004AddDetectionRunsTable creates the detection_runs table
func migration004AddDetectionRunsTable(db *sql.Tx) error {
	query := `CREATE TABLE IF NOT EXISTS detection_runs (
		user_id TEXT PRIMARY KEY,
		ran_at TIMESTAMP NOT NULL
	)`

	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to execute query: %w", err)
	}

	return nil
}
