package api

import (
	"time"

	"github.com/matheus3301/palaver/internal/chat"
	"github.com/matheus3301/palaver/internal/status"
	"github.com/matheus3301/palaver/internal/store"
)

// User is the public part of the session identity.
type User struct {
	ID    chat.UserID `json:"id"`
	Name  string      `json:"name,omitempty"`
	Email string      `json:"email,omitempty"`
}

type GetStatusRequest struct{}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LogoutRequest struct{}

// StatusResponse describes the daemon and its session.
type StatusResponse struct {
	Session         string       `json:"session"`
	State           status.State `json:"state"`
	Reason          string       `json:"reason,omitempty"`
	UptimeMs        int64        `json:"uptime_ms"`
	User            *User        `json:"user,omitempty"`
	Friends         int          `json:"friends"`
	Online          int          `json:"online"`
	Unread          int          `json:"unread"`
	PendingRequests int          `json:"pending_requests"`
	OpenFriend      chat.UserID  `json:"open_friend,omitempty"`
	FailedSends     int          `json:"failed_sends"`
}

type ListFriendsRequest struct{}

type ListFriendsResponse struct {
	Friends []chat.Friend `json:"friends"`
	OpenID  chat.UserID   `json:"open_id,omitempty"`
}

type OpenConversationRequest struct {
	FriendID chat.UserID `json:"friend_id"`
}

type ListMessagesRequest struct{}

// ConversationResponse is the open conversation grouped by day. Warning is
// set when history could not be fetched and cached messages are shown.
type ConversationResponse struct {
	Friend  *chat.Friend     `json:"friend,omitempty"`
	Groups  []chat.DateGroup `json:"groups"`
	Warning string           `json:"warning,omitempty"`
}

type ListRequestsRequest struct{}

type ListRequestsResponse struct {
	Requests []chat.FriendRequest `json:"requests"`
	Count    int                  `json:"count"`
}

type RespondRequestRequest struct {
	From   chat.UserID `json:"from"`
	Accept bool        `json:"accept"`
}

type SearchUsersRequest struct {
	Query string `json:"query"`
}

type SearchUsersResponse struct {
	Users []chat.Friend `json:"users"`
}

type AddFriendRequest struct {
	FriendID chat.UserID `json:"friend_id"`
}

// WatchEventsRequest selects bus namespaces; empty means everything.
type WatchEventsRequest struct {
	Namespaces []string `json:"namespaces,omitempty"`
}

// EventEnvelope is one streamed bus event.
type EventEnvelope struct {
	EventID          string `json:"event_id"`
	Session          string `json:"session"`
	Kind             string `json:"kind"`
	OccurredAtUnixMs int64  `json:"occurred_at_unix_ms"`
	PayloadVersion   int    `json:"payload_version"`
	Payload          any    `json:"payload,omitempty"`
}

type SendRequest struct {
	To          chat.UserID `json:"to"`
	Text        string      `json:"text"`
	Attachments []string    `json:"attachments,omitempty"`
}

// SendResponse carries the optimistic message. Error is set when the message
// was recorded but could not be handed to the server.
type SendResponse struct {
	Message chat.Message `json:"message"`
	Error   string       `json:"error,omitempty"`
}

type RetryRequest struct {
	ClientTempID string `json:"client_temp_id"`
}

type RetryResponse struct{}

type SearchMessagesRequest struct {
	Query    string      `json:"query"`
	FriendID chat.UserID `json:"friend_id,omitempty"`
	Limit    int         `json:"limit,omitempty"`
}

type SearchHit struct {
	Partner chat.UserID  `json:"partner"`
	Message chat.Message `json:"message"`
	Snippet string       `json:"snippet"`
}

type SearchMessagesResponse struct {
	Results []SearchHit `json:"results"`
}

type ListOutboxRequest struct {
	Status store.OutboxStatus `json:"status,omitempty"`
}

type OutboxItem struct {
	ClientTempID string             `json:"client_temp_id"`
	To           chat.UserID        `json:"to"`
	Text         string             `json:"text,omitempty"`
	Attachments  []string           `json:"attachments,omitempty"`
	Status       store.OutboxStatus `json:"status"`
	Attempts     int                `json:"attempts"`
	Error        string             `json:"error,omitempty"`
	ServerMsgID  string             `json:"server_msg_id,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

type ListOutboxResponse struct {
	Entries []OutboxItem `json:"entries"`
}
