package database

import (
	"database/sql"
	"fmt"
)

// RequiredTables are the tables the store reads and writes.
var RequiredTables = []string{"users", "chats", "chat_participants", "messages", "schema_migrations"}

// RequiredIndexes back the participant and history lookups.
var RequiredIndexes = []string{"idx_chat_participants_user", "idx_messages_chat_time"}

// SchemaValidator checks a database against the expected structure.
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate fails on the first missing table or index.
func (v *SchemaValidator) Validate() error {
	for _, table := range RequiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}

	for _, index := range RequiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
