package storage

import (
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	logx "taskmill/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies any pending schema migrations in version order.
//
// Versions are tracked with PRAGMA user_version. Each migration file is named
// NNNN_description.sql; file NNNN is applied when user_version < NNNN, inside
// a transaction, and user_version is bumped with it.
func (d *DB) Migrate() error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}

	type migration struct {
		version int
		name    string
	}
	var ms []migration
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		idx := strings.IndexByte(name, '_')
		if idx <= 0 {
			return fmt.Errorf("malformed migration filename %q", name)
		}
		v, err := strconv.Atoi(name[:idx])
		if err != nil || v <= 0 {
			return fmt.Errorf("malformed migration version in %q", name)
		}
		ms = append(ms, migration{version: v, name: name})
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].version < ms[j].version })

	var current int
	if err := d.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}

	for _, m := range ms {
		if m.version <= current {
			continue
		}
		b, err := migrationsFS.ReadFile("migrations/" + m.name)
		if err != nil {
			return err
		}

		tx, err := d.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(b)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply %s: %w", m.name, err)
		}
		// PRAGMA cannot be parameterized.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bump user_version for %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		d.log.Info("schema migrated", logx.String("migration", m.name), logx.Int("version", m.version))
		current = m.version
	}
	return nil
}

// SchemaVersion returns the current PRAGMA user_version.
func (d *DB) SchemaVersion() (int, error) {
	var v int
	err := d.db.QueryRow("PRAGMA user_version").Scan(&v)
	return v, err
}
