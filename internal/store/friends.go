package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/palaver/internal/chat"
)

const upsertFriendSQL = `
	INSERT INTO friends (id, name, email, unread_count, last_message_text, last_message_at, position, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		email = excluded.email,
		unread_count = excluded.unread_count,
		last_message_text = excluded.last_message_text,
		last_message_at = excluded.last_message_at,
		position = CASE WHEN excluded.position >= 0 THEN excluded.position ELSE friends.position END,
		updated_at = excluded.updated_at`

// ReplaceFriends stores the full roster in order, dropping friends that are
// no longer in it. Presence is not persisted.
func (db *DB) ReplaceFriends(friends []chat.Friend) error {
	now := time.Now().UnixMilli()
	return db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM friends`); err != nil {
			return err
		}
		for i, f := range friends {
			if _, err := tx.Exec(upsertFriendSQL, friendArgs(f, i, now)...); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertFriend inserts or updates one roster entry, keeping its position.
func (db *DB) UpsertFriend(f chat.Friend) error {
	_, err := db.Exec(upsertFriendSQL, friendArgs(f, -1, time.Now().UnixMilli())...)
	return err
}

func friendArgs(f chat.Friend, position int, now int64) []any {
	var text sql.NullString
	var at sql.NullInt64
	if f.LastMessage != nil {
		text = sql.NullString{String: f.LastMessage.Text, Valid: true}
		at = sql.NullInt64{Int64: f.LastMessage.CreatedAt.UnixMilli(), Valid: true}
	}
	return []any{f.ID.String(), f.Name, f.Email, f.UnreadCount, text, at, position, now}
}

const selectFriendSQL = `SELECT id, name, email, unread_count, last_message_text, last_message_at FROM friends`

type scanner interface {
	Scan(dest ...any) error
}

func scanFriend(sc scanner) (chat.Friend, error) {
	var (
		f    chat.Friend
		id   string
		text sql.NullString
		at   sql.NullInt64
	)
	if err := sc.Scan(&id, &f.Name, &f.Email, &f.UnreadCount, &text, &at); err != nil {
		return chat.Friend{}, err
	}
	f.ID = chat.UserID(id)
	if text.Valid {
		f.LastMessage = &chat.Preview{Text: text.String, CreatedAt: time.UnixMilli(at.Int64)}
	}
	return f, nil
}

// ListFriends returns the cached roster in server order.
func (db *DB) ListFriends() ([]chat.Friend, error) {
	rows, err := db.Query(selectFriendSQL + ` ORDER BY position ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var friends []chat.Friend
	for rows.Next() {
		f, err := scanFriend(rows)
		if err != nil {
			return nil, err
		}
		friends = append(friends, f)
	}
	return friends, rows.Err()
}

// GetFriend returns one cached friend, or nil if not found.
func (db *DB) GetFriend(id chat.UserID) (*chat.Friend, error) {
	f, err := scanFriend(db.QueryRow(selectFriendSQL+` WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}
