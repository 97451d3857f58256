package database

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one schema change, applied at most once.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// AuditMigrations builds the audit store schema.
var AuditMigrations = []Migration{
	{
		Version:     "001",
		Description: "audit_entries",
		SQL: `
			CREATE TABLE audit_entries (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				recorded_at   INTEGER NOT NULL,
				room_id       TEXT,
				variable_name TEXT,
				action        TEXT,
				ip            TEXT,
				suspicious    INTEGER NOT NULL DEFAULT 0,
				entry         TEXT NOT NULL
			);
			CREATE INDEX idx_audit_room_time ON audit_entries (room_id, recorded_at);
			CREATE INDEX idx_audit_recorded_at ON audit_entries (recorded_at);
		`,
	},
	{
		Version:     "002",
		Description: "suspicious_index",
		SQL:         `CREATE INDEX idx_audit_suspicious ON audit_entries (suspicious) WHERE suspicious = 1;`,
	},
}

// MigrationManager applies migrations and tracks them in schema_migrations.
type MigrationManager struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrationManager creates a migration manager for the given set.
func NewMigrationManager(db *sql.DB, migrations []Migration) *MigrationManager {
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})
	return &MigrationManager{db: db, migrations: sorted}
}

// ApplyMigrations applies every migration not yet recorded, in version
// order, each in its own transaction.
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied, err := m.AppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range m.migrations {
		if applied[migration.Version] {
			continue
		}
		if err := m.applyMigration(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s (%s): %w", migration.Version, migration.Description, err)
		}
	}
	return nil
}

func (m *MigrationManager) createMigrationTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// AppliedMigrations returns the set of recorded versions.
func (m *MigrationManager) AppliedMigrations() (map[string]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	versions := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions[version] = true
	}
	return versions, rows.Err()
}

func (m *MigrationManager) applyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
		return err
	}
	return tx.Commit()
}
