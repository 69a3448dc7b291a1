package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutState stores a key/value pair.
func (db *DB) PutState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// GetState returns the value of key, or "" when unset.
func (db *DB) GetState(key string) (string, error) {
	var value string
	err := db.Get(&value, `SELECT value FROM sync_state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// DeleteState removes key.
func (db *DB) DeleteState(key string) error {
	_, err := db.Exec(`DELETE FROM sync_state WHERE key = ?`, key)
	return err
}

// Clear deletes every conversation, message, journal entry, friend request
// and state key, in one transaction.
func (db *DB) Clear() error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, table := range []string{"messages", "conversations", "outbox", "friend_requests", "sync_state"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
