package chat

import (
	"strings"
	"time"
)

// UserID is the canonical string form of a user identifier. Values coming off
// the wire (strings, numbers, embedded user objects) are converted by
// normalize.UserID; everything else compares UserIDs directly.
type UserID string

// ParseUserID trims surrounding whitespace from a raw identifier.
func ParseUserID(s string) UserID {
	return UserID(strings.TrimSpace(s))
}

// IsZero reports whether the identifier is empty.
func (id UserID) IsZero() bool { return id == "" }

func (id UserID) String() string { return string(id) }

// MediaKind classifies an attachment.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaFile  MediaKind = "file"
)

// Attachment describes a file carried by a message.
type Attachment struct {
	Name string    `json:"name"`
	Kind MediaKind `json:"kind"`
	Size int64     `json:"size"`
	URL  string    `json:"url,omitempty"`
}

// SendState tracks an outgoing message through confirmation.
type SendState string

const (
	StatePending   SendState = "pending"
	StateConfirmed SendState = "confirmed"
	StateFailed    SendState = "failed"
)

// Message is one entry of a conversation thread.
type Message struct {
	ID           string       `json:"id"`
	ClientTempID string       `json:"client_temp_id,omitempty"`
	Text         string       `json:"text,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	Sender       UserID       `json:"sender"`
	Receiver     UserID       `json:"receiver"`
	CreatedAt    time.Time    `json:"created_at"`
	State        SendState    `json:"state,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Pending reports whether the message is an unconfirmed optimistic entry.
func (m *Message) Pending() bool {
	return m.ClientTempID != "" && m.ID == m.ClientTempID && m.State != StateConfirmed
}

// Partner returns the side of the message that is not self.
func (m *Message) Partner(self UserID) UserID {
	if m.Sender == self {
		return m.Receiver
	}
	return m.Sender
}

// Involves reports whether id is the sender or the receiver.
func (m *Message) Involves(id UserID) bool {
	return m.Sender == id || m.Receiver == id
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

// Preview is the denormalized last message shown in the roster.
type Preview struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Friend is a roster entry.
type Friend struct {
	ID          UserID   `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email,omitempty"`
	Online      bool     `json:"online"`
	LastMessage *Preview `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
}

// Clone returns a deep copy.
func (f Friend) Clone() Friend {
	if f.LastMessage != nil {
		p := *f.LastMessage
		f.LastMessage = &p
	}
	return f
}

// FriendRequest is an incoming, not yet answered friend request.
type FriendRequest struct {
	From  UserID `json:"from"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// PreviewText returns the text used for roster previews, falling back to an
// attachment summary for attachment-only messages.
func PreviewText(m *Message) string {
	if m.Text != "" || len(m.Attachments) == 0 {
		return m.Text
	}
	if len(m.Attachments) == 1 {
		return "[" + string(m.Attachments[0].Kind) + "] " + m.Attachments[0].Name
	}
	return "[attachments]"
}
