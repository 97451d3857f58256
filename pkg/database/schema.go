package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that the audit schema is in place.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"audit_entries":     "Audit entry storage",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies column names and declared types.
func (v *SchemaValidator) ValidateTableStructure() error {
	auditColumns := map[string]string{
		"id":            "INTEGER",
		"recorded_at":   "INTEGER",
		"room_id":       "TEXT",
		"variable_name": "TEXT",
		"action":        "TEXT",
		"ip":            "TEXT",
		"suspicious":    "INTEGER",
		"entry":         "TEXT",
	}
	if err := v.validateColumns("audit_entries", auditColumns); err != nil {
		return fmt.Errorf("audit_entries table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that the query indexes exist.
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_audit_room_time":   "Per-room history",
		"idx_audit_recorded_at": "Retention pruning",
		"idx_audit_suspicious":  "Suspicious activity review",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, ok := foundColumns[expectedCol]
		if !ok {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}
	return nil
}
