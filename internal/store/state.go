package store

import (
	"database/sql"
	"errors"
)

// Keys used in sync_state.
const (
	StateSelfID       = "self_id"
	StateSelfName     = "self_name"
	StateLastSyncedAt = "last_synced_at"
	StateOpenFriend   = "open_friend"
	StateToken        = "token"
)

// SetState stores a sync_state value.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetState returns a sync_state value and whether it was set.
func (db *DB) GetState(key string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Wipe clears every cached table, as on logout.
func (db *DB) Wipe() error {
	return db.inTx(func(tx *sql.Tx) error {
		for _, table := range []string{"messages", "friends", "outbox", "sync_state"} {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return err
			}
		}
		return nil
	})
}
