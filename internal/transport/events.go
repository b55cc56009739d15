package transport

import "encoding/json"

// Event is a canonical inbound event. Several wire names may map to one Event.
type Event string

const (
	EventMessage          Event = "message"
	EventPresenceSnapshot Event = "presence_snapshot"
	EventPresenceDelta    Event = "presence_delta"
	EventFriendRequest    Event = "friend_request"
	EventFriendAccepted   Event = "friend_accepted"
	EventFriendRejected   Event = "friend_rejected"
	EventFriendsUpdated   Event = "friends_updated"

	// Lifecycle events carry no data.
	EventConnected    Event = "connected"
	EventDisconnected Event = "disconnected"
)

// EventSendMessage is the outbound event name for chat messages.
const EventSendMessage = "sendMessage"

// Alias maps one wire event name onto a canonical Event. Online is set for
// presence names that imply the value, like userOnline.
type Alias struct {
	Event  Event
	Online *bool
}

var (
	online  = true
	offline = false
)

// Aliases lists every wire event name the client understands.
var Aliases = map[string]Alias{
	"newMessage":     {Event: EventMessage},
	"message":        {Event: EventMessage},
	"receiveMessage": {Event: EventMessage},
	"privateMessage": {Event: EventMessage},
	"chatMessage":    {Event: EventMessage},

	"onlineUsers":      {Event: EventPresenceSnapshot},
	"getOnlineUsers":   {Event: EventPresenceSnapshot},
	"online-users":     {Event: EventPresenceSnapshot},
	"presenceSnapshot": {Event: EventPresenceSnapshot},

	"presence":     {Event: EventPresenceDelta},
	"userStatus":   {Event: EventPresenceDelta},
	"user-status":  {Event: EventPresenceDelta},
	"statusChange": {Event: EventPresenceDelta},
	"userOnline":   {Event: EventPresenceDelta, Online: &online},
	"userOffline":  {Event: EventPresenceDelta, Online: &offline},

	"friendRequest":         {Event: EventFriendRequest},
	"friend-request":        {Event: EventFriendRequest},
	"friendRequestReceived": {Event: EventFriendRequest},
	"pendingRequests":       {Event: EventFriendRequest},
	"requestCount":          {Event: EventFriendRequest},

	"friendAccepted":        {Event: EventFriendAccepted},
	"friend-accepted":       {Event: EventFriendAccepted},
	"friendRequestAccepted": {Event: EventFriendAccepted},

	"friendRejected":        {Event: EventFriendRejected},
	"friendRequestRejected": {Event: EventFriendRejected},

	"friendsUpdated":    {Event: EventFriendsUpdated},
	"friends-updated":   {Event: EventFriendsUpdated},
	"friendListUpdated": {Event: EventFriendsUpdated},
}

// Inbound is one dispatched event.
type Inbound struct {
	Event Event
	// Name is the wire name the event arrived under.
	Name string
	Data json.RawMessage
	// Online is the value implied by the wire name, if any.
	Online *bool
}

// Handler receives inbound events. Handlers run on the reader goroutine and
// must not block for long.
type Handler func(Inbound)

// AckFunc receives the acknowledgement payload of an emitted event, or the
// reason none arrived.
type AckFunc func(data json.RawMessage, err error)

type inFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ack   uint64          `json:"ack"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	ID    uint64 `json:"id,omitempty"`
}
