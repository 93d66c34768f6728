package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that a database carries the archive schema
// ARCHITECTURAL DISCOVERY: Separate validation component enables deployment
// verification without coupling to the migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = map[string]string{
	"classrooms":        "classroom snapshots",
	"messages":          "dialogue history",
	"votes":             "vote results",
	"schema_migrations": "migration tracking",
}

var requiredColumns = map[string]map[string]string{
	"classrooms": {
		"code":         "TEXT",
		"teacher_id":   "TEXT",
		"status":       "TEXT",
		"level":        "INTEGER",
		"control_mode": "TEXT",
		"snapshot":     "TEXT",
		"created_at":   "DATETIME",
		"expires_at":   "DATETIME",
	},
	"messages": {
		"id":             "TEXT",
		"classroom_code": "TEXT",
		"role":           "TEXT",
		"author_id":      "TEXT",
		"content":        "TEXT",
		"level":          "INTEGER",
		"metadata":       "TEXT",
		"timestamp":      "DATETIME",
	},
	"votes": {
		"id":             "TEXT",
		"classroom_code": "TEXT",
		"question":       "TEXT",
		"data":           "TEXT",
		"is_ended":       "INTEGER",
		"created_at":     "DATETIME",
	},
}

var requiredIndexes = map[string]string{
	"idx_classrooms_status":       "restore lookups",
	"idx_classrooms_expires_at":   "expiry filtering",
	"idx_messages_classroom_time": "history retrieval",
	"idx_votes_classroom":         "vote history",
}

// Validate runs every structural check.
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

// ValidateTableStructure verifies column names and declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	for table, columns := range requiredColumns {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
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

// ValidateConstraints checks the foreign key and check constraints inside a
// transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO messages (id, classroom_code, role, content, level, timestamp)
		VALUES ('check', 'NOROOM', 'student', 'x', 1, CURRENT_TIMESTAMP)
	`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.classroom_code")
	}

	_, err = tx.Exec(`
		INSERT INTO classrooms (code, status, snapshot, created_at, expires_at)
		VALUES ('CHECK1', 'paused', '{}', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: classrooms.status")
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

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, kind   string
			notNull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &kind, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = kind
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, kind := range expected {
		got, ok := found[column]
		if !ok {
			return fmt.Errorf("column %s not found", column)
		}
		if got != kind {
			return fmt.Errorf("column %s has type %s, expected %s", column, got, kind)
		}
	}
	return nil
}
