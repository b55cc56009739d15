package store

import (
	"time"

	"github.com/matheus3301/palaver/internal/chat"
)

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	OutboxQueued  OutboxStatus = "queued"
	OutboxSending OutboxStatus = "sending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxEntry represents an outgoing message and its delivery attempts.
type OutboxEntry struct {
	ID           int64
	ClientTempID string
	Receiver     chat.UserID
	Body         string
	// Attachments are local file paths to upload.
	Attachments  []string
	Status       OutboxStatus
	Attempts     int
	ErrorMessage string
	ServerMsgID  string
	CreatedAt    time.Time
}

// SearchResult holds a cached message with a search snippet.
type SearchResult struct {
	Partner chat.UserID
	Message chat.Message
	Snippet string
}
