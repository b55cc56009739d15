package store

import (
	"database/sql"
	"encoding/json"
	"slices"
	"time"

	"github.com/matheus3301/palaver/internal/chat"
)

const upsertMessageSQL = `
	INSERT INTO messages (partner_id, msg_id, client_temp_id, sender_id, receiver_id, body, attachments, state, error_message, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(partner_id, msg_id) DO UPDATE SET
		client_temp_id = CASE WHEN excluded.client_temp_id <> '' THEN excluded.client_temp_id ELSE messages.client_temp_id END,
		body = CASE WHEN excluded.body <> '' THEN excluded.body ELSE messages.body END,
		attachments = CASE WHEN excluded.attachments <> '[]' THEN excluded.attachments ELSE messages.attachments END,
		state = excluded.state,
		error_message = excluded.error_message,
		created_at = excluded.created_at`

// UpsertMessage stores m under partner, idempotent on (partner, id). When
// replacedID names a provisional id the row is renamed to m.ID first, so an
// optimistic entry and its confirmation share one row.
func (db *DB) UpsertMessage(partner chat.UserID, m chat.Message, replacedID string) error {
	if m.ID == "" {
		return nil
	}
	return db.inTx(func(tx *sql.Tx) error {
		if replacedID != "" && replacedID != m.ID {
			if _, err := tx.Exec(`
				UPDATE messages SET msg_id = ?
				WHERE partner_id = ? AND msg_id = ?
				AND NOT EXISTS (SELECT 1 FROM messages WHERE partner_id = ? AND msg_id = ?)`,
				m.ID, partner.String(), replacedID, partner.String(), m.ID); err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM messages WHERE partner_id = ? AND msg_id = ?`, partner.String(), replacedID); err != nil {
				return err
			}
		}
		return upsertMessage(tx, partner, m)
	})
}

// SaveHistory stores a fetched history page.
func (db *DB) SaveHistory(partner chat.UserID, msgs []chat.Message) error {
	return db.inTx(func(tx *sql.Tx) error {
		for _, m := range msgs {
			if m.ID == "" {
				continue
			}
			if err := upsertMessage(tx, partner, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertMessage(tx *sql.Tx, partner chat.UserID, m chat.Message) error {
	atts, err := json.Marshal(nonNil(m.Attachments))
	if err != nil {
		return err
	}
	state := m.State
	if state == "" {
		state = chat.StateConfirmed
	}
	_, err = tx.Exec(upsertMessageSQL,
		partner.String(), m.ID, m.ClientTempID, m.Sender.String(), m.Receiver.String(),
		m.Text, string(atts), string(state), m.Error, m.CreatedAt.UnixMilli())
	return err
}

// SetMessageState updates the delivery state of one cached message.
func (db *DB) SetMessageState(partner chat.UserID, id string, state chat.SendState, errMsg string) error {
	_, err := db.Exec(`UPDATE messages SET state = ?, error_message = ? WHERE partner_id = ? AND msg_id = ?`,
		string(state), errMsg, partner.String(), id)
	return err
}

// DeleteMessage removes one cached message.
func (db *DB) DeleteMessage(partner chat.UserID, id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE partner_id = ? AND msg_id = ?`, partner.String(), id)
	return err
}

// ListMessages returns up to limit messages with partner created before the
// given time, oldest first. A zero before means now.
func (db *DB) ListMessages(partner chat.UserID, before time.Time, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now().Add(time.Millisecond)
	}
	rows, err := db.Query(`
		SELECT msg_id, client_temp_id, sender_id, receiver_id, body, attachments, state, error_message, created_at
		FROM messages
		WHERE partner_id = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, partner.String(), before.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func scanMessage(sc scanner, extra ...any) (chat.Message, error) {
	var (
		m                chat.Message
		sender, receiver string
		atts, state      string
		createdAt        int64
	)
	dest := append([]any{&m.ID, &m.ClientTempID, &sender, &receiver, &m.Text, &atts, &state, &m.Error, &createdAt}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return chat.Message{}, err
	}
	m.Sender = chat.UserID(sender)
	m.Receiver = chat.UserID(receiver)
	m.State = chat.SendState(state)
	m.CreatedAt = time.UnixMilli(createdAt)
	if atts != "" && atts != "[]" {
		if err := json.Unmarshal([]byte(atts), &m.Attachments); err != nil {
			return chat.Message{}, err
		}
	}
	return m, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
