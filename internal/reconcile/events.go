package reconcile

import "github.com/matheus3301/palaver/internal/chat"

// Bus event kinds published after each state change. Payloads carry copies,
// so subscribers may keep them.
const (
	KindMessageUpserted     = "reconcile.message_upserted"
	KindMessageRemoved      = "reconcile.message_removed"
	KindMessageStateChanged = "reconcile.message_state_changed"
	KindHistoryLoaded       = "reconcile.history_loaded"
	KindFriendUpdated       = "reconcile.friend_updated"
	KindRosterReplaced      = "reconcile.roster_replaced"
	KindConversationOpened  = "reconcile.conversation_opened"
	KindRequestsChanged     = "reconcile.requests_changed"
	KindSessionReset        = "reconcile.session_reset"
)

// MessageEvent is the payload of KindMessageUpserted and KindMessageRemoved.
type MessageEvent struct {
	Partner chat.UserID
	Message chat.Message
	// Visible is true when the message is part of the open conversation.
	Visible bool
	// ReplacedID is the provisional id that Message.ID superseded, if any.
	ReplacedID string
}

// MessageStateEvent is the payload of KindMessageStateChanged, published when
// an outgoing message outside the open conversation changes delivery state.
type MessageStateEvent struct {
	Partner chat.UserID
	ID      string
	State   chat.SendState
	Error   string
}

// HistoryEvent is the payload of KindHistoryLoaded.
type HistoryEvent struct {
	FriendID chat.UserID
	Messages []chat.Message
}

// FriendEvent is the payload of KindFriendUpdated.
type FriendEvent struct {
	Friend chat.Friend
}

// RosterEvent is the payload of KindRosterReplaced.
type RosterEvent struct {
	Friends []chat.Friend
}

// ConversationEvent is the payload of KindConversationOpened. FriendID is
// empty when the conversation was closed.
type ConversationEvent struct {
	FriendID chat.UserID
	Ticket   Ticket
}

// RequestsEvent is the payload of KindRequestsChanged.
type RequestsEvent struct {
	Requests []chat.FriendRequest
	Count    int
}

// SessionEvent is the payload of KindSessionReset. UserID is empty on teardown.
type SessionEvent struct {
	UserID chat.UserID
}

// Outcome reports what a merge operation did.
type Outcome int

const (
	// OutcomeDuplicate means the event's dedup key was already processed.
	OutcomeDuplicate Outcome = iota
	// OutcomeIgnored means the message involves neither side of this session.
	OutcomeIgnored
	// OutcomeAlreadyPresent means an entry with the same id is already listed.
	OutcomeAlreadyPresent
	// OutcomeMerged means an optimistic entry was overwritten in place.
	OutcomeMerged
	// OutcomeAppended means a new entry was added to the open conversation.
	OutcomeAppended
	// OutcomeRoutedToRoster means only the partner's preview and unread changed.
	OutcomeRoutedToRoster
	// OutcomeUnknownPartner means the partner is neither open nor in the roster.
	OutcomeUnknownPartner
	// OutcomeNotVisible means the target entry is not in the open conversation.
	OutcomeNotVisible
	// OutcomeRemoved means a superseded optimistic entry was dropped.
	OutcomeRemoved
	// OutcomeAlreadyConfirmed means the entry was confirmed earlier under a
	// different id and was left unchanged.
	OutcomeAlreadyConfirmed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeAlreadyPresent:
		return "already_present"
	case OutcomeMerged:
		return "merged"
	case OutcomeAppended:
		return "appended"
	case OutcomeRoutedToRoster:
		return "routed_to_roster"
	case OutcomeUnknownPartner:
		return "unknown_partner"
	case OutcomeNotVisible:
		return "not_visible"
	case OutcomeRemoved:
		return "removed"
	case OutcomeAlreadyConfirmed:
		return "already_confirmed"
	default:
		return "unknown"
	}
}
