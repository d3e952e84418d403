package storage

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrations.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func latestVersion() int {
	all := getMigrations()
	return all[len(all)-1].Version
}

func TestRunMigrations_FreshDatabase(t *testing.T) {
	db := setupTestDB(t)

	if err := runMigrations(db); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}

	version, err := getCurrentVersion(db)
	if err != nil {
		t.Fatalf("getCurrentVersion failed: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("version = %d, want %d", version, latestVersion())
	}

	for _, table := range []string{
		"access_policies", "blocked_domains", "blocked_countries",
		"dns_logs", "domain_stats", "client_stats",
	} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	for i := 0; i < 3; i++ {
		if err := runMigrations(db); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}

	var rows int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != len(migrations) {
		t.Errorf("schema_version rows = %d, want %d", rows, len(migrations))
	}
}

func TestRunMigrations_ResumesFromPartial(t *testing.T) {
	db := setupTestDB(t)

	if _, err := db.Exec(`CREATE TABLE schema_version (version INTEGER PRIMARY KEY, applied_at DATETIME NOT NULL)`); err != nil {
		t.Fatal(err)
	}
	if err := applyMigration(db, getMigrations()[0]); err != nil {
		t.Fatalf("applyMigration v1 failed: %v", err)
	}

	if err := runMigrations(db); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}

	// decision_trace comes from v2
	if _, err := db.Exec(`SELECT decision_trace FROM dns_logs LIMIT 1`); err != nil {
		t.Errorf("v2 column missing: %v", err)
	}
}

func TestGetMigrations_Sorted(t *testing.T) {
	all := getMigrations()
	for i := 1; i < len(all); i++ {
		if all[i].Version <= all[i-1].Version {
			t.Errorf("migrations out of order at %d", i)
		}
	}
}
