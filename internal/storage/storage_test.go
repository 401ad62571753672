package storage

import (
	"path/filepath"
	"testing"
	"time"

	logx "taskmill/pkg/logx"
)

func TestOpenAppliesMigrations(t *testing.T) {
	t.Parallel()
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v < 1 {
		t.Fatalf("schema version = %d, want >= 1", v)
	}

	// Both tables exist and are queryable.
	for _, table := range []string{"queue", "task_records"} {
		var n int
		if err := db.SQL().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Fatalf("query %s: %v", table, err)
		}
		if n != 0 {
			t.Fatalf("%s not empty on fresh db", table)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(Config{Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	v1, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening runs Migrate again; an up-to-date schema is a no-op.
	db2, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	v2, err := db2.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v1 != v2 {
		t.Fatalf("version changed on reopen: %d -> %d", v1, v2)
	}
}

func TestOpenCreatesParentDir(t *testing.T) {
	t.Parallel()
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "dir", "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open with nested path: %v", err)
	}
	defer db.Close()
}
