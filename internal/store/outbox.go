package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/matheus3301/palaver/internal/chat"
)

// QueueOutbox adds a message to the send outbox. Entries default to queued.
func (db *DB) QueueOutbox(e OutboxEntry) error {
	status := e.Status
	if status == "" {
		status = OutboxQueued
	}
	atts, err := json.Marshal(nonNil(e.Attachments))
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	created := now
	if !e.CreatedAt.IsZero() {
		created = e.CreatedAt.UnixMilli()
	}
	_, err = db.Exec(`
		INSERT INTO outbox (client_temp_id, receiver_id, body, attachments, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ClientTempID, e.Receiver.String(), e.Body, string(atts), string(status), e.ErrorMessage, created, now)
	return err
}

// MarkOutboxSending moves an entry to 'sending' and counts the attempt.
func (db *DB) MarkOutboxSending(clientTempID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', attempts = attempts + 1, error_message = '', updated_at = ? WHERE client_temp_id = ?`, now, clientTempID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(clientTempID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_temp_id = ?`, serverMsgID, now, clientTempID)
	return err
}

// RequeueOutbox puts a failed entry back in the queue.
func (db *DB) RequeueOutbox(clientTempID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE client_temp_id = ?`, now, clientTempID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientTempID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_temp_id = ?`, errMsg, now, clientTempID)
	return err
}

// FailInterrupted marks entries left 'queued' or 'sending' by a previous run
// as failed and returns how many there were.
func (db *DB) FailInterrupted(reason string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE status IN ('queued', 'sending')`, reason, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const selectOutboxSQL = `
	SELECT id, client_temp_id, receiver_id, body, attachments, status, attempts, error_message, server_msg_id, created_at
	FROM outbox`

// GetOutbox returns one entry, or nil if not found.
func (db *DB) GetOutbox(clientTempID string) (*OutboxEntry, error) {
	e, err := scanOutbox(db.QueryRow(selectOutboxSQL+` WHERE client_temp_id = ?`, clientTempID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListOutbox returns entries with the given status, oldest first.
func (db *DB) ListOutbox(status OutboxStatus) ([]OutboxEntry, error) {
	rows, err := db.Query(selectOutboxSQL+` WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PendingOutbox returns outbox entries that are still queued.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.ListOutbox(OutboxQueued)
}

func scanOutbox(sc scanner) (OutboxEntry, error) {
	var (
		e         OutboxEntry
		receiver  string
		atts      string
		status    string
		createdAt int64
	)
	if err := sc.Scan(&e.ID, &e.ClientTempID, &receiver, &e.Body, &atts, &status, &e.Attempts, &e.ErrorMessage, &e.ServerMsgID, &createdAt); err != nil {
		return OutboxEntry{}, err
	}
	e.Receiver = chat.UserID(receiver)
	e.Status = OutboxStatus(status)
	e.CreatedAt = time.UnixMilli(createdAt)
	if atts != "" && atts != "[]" {
		if err := json.Unmarshal([]byte(atts), &e.Attachments); err != nil {
			return OutboxEntry{}, err
		}
	}
	return e, nil
}
