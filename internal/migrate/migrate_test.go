package migrate_test

import (
	"testing"

	"acceptgate/internal/db"
	"acceptgate/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version < 1 {
		t.Fatalf("schema version %d after migrate, want >= 1", version)
	}

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var again int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&again); err != nil {
		t.Fatalf("reread version: %v", err)
	}
	if again != version {
		t.Fatalf("version changed on rerun: %d -> %d", version, again)
	}

	var rows int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&rows); err != nil {
		t.Fatalf("count version rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("schema_version has %d rows, want 1", rows)
	}
}
