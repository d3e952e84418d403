package storage

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one versioned schema change
type Migration struct {
	SQL         string
	Description string
	Version     int
}

// migrations are applied in ascending version order, each in its own transaction.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Policy tables, dns_logs, domain_stats and client_stats",
		SQL:         initialSchema,
	},
	{
		Version:     2,
		Description: "Add decision trace column to dns_logs",
		SQL: `
			ALTER TABLE dns_logs ADD COLUMN decision_trace TEXT NOT NULL DEFAULT '';
		`,
	},
	{
		Version:     3,
		Description: "Index for blocked query and top domain reports",
		SQL: `
			-- SELECT ... FROM dns_logs WHERE action = ? ORDER BY timestamp
			CREATE INDEX IF NOT EXISTS idx_dns_logs_action_timestamp ON dns_logs(action, timestamp);
			-- SELECT domain, count FROM domain_stats ORDER BY count DESC
			CREATE INDEX IF NOT EXISTS idx_domain_stats_count ON domain_stats(count);
		`,
	},
}

func getMigrations() []Migration {
	result := make([]Migration, len(migrations))
	copy(result, migrations)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})
	return result
}

// getCurrentVersion returns 0 for a fresh database
func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}

func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)",
		m.Version,
	); err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// runMigrations brings the schema up to the newest registered version.
// A failure leaves the database at the last fully applied version.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := getCurrentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range getMigrations() {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("failed to apply migration v%d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}
