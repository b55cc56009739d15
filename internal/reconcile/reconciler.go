// Package reconcile owns the client's view of the chat session: the open
// conversation's message list, the friend roster with presence and unread
// metadata, and pending friend requests. Every mutation goes through a
// Reconciler method; readers get copies via Snapshot.
package reconcile

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/palaver/internal/bus"
	"github.com/matheus3301/palaver/internal/chat"
	"github.com/matheus3301/palaver/internal/normalize"
	"github.com/matheus3301/palaver/internal/session"
)

// ErrNoSession is returned by operations that need an initialized identity.
var ErrNoSession = errors.New("reconciler has no session")

const (
	defaultMatchWindow = 5 * time.Second
	defaultSeenLimit   = 50000
)

// Ticket tags a history fetch with the conversation it was issued for.
type Ticket struct {
	FriendID   chat.UserID
	Generation uint64
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithTempIDs replaces the client temp id generator.
func WithTempIDs(next func() string) Option {
	return func(r *Reconciler) { r.nextTempID = next }
}

// WithMatchWindow sets how far apart an echo and its optimistic entry may be
// and still be merged by content.
func WithMatchWindow(d time.Duration) Option {
	return func(r *Reconciler) { r.window = d }
}

// WithSeenLimit bounds the number of remembered dedup keys.
func WithSeenLimit(n int) Option {
	return func(r *Reconciler) { r.seenLimit = n }
}

// Reconciler is the single writer for conversation, roster and request state.
type Reconciler struct {
	bus        *bus.Bus
	logger     *zap.Logger
	now        func() time.Time
	nextTempID func() string
	window     time.Duration
	seenLimit  int

	mu         sync.Mutex
	self       session.Identity
	friends    []chat.Friend
	index      map[chat.UserID]int
	online     map[chat.UserID]bool
	open       chat.UserID
	generation uint64
	messages   []chat.Message
	seen       *seenSet
	requests   []chat.FriendRequest
	reqCount   int
}

// New creates an empty Reconciler. Call Init before use.
func New(b *bus.Bus, logger *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		bus:        b,
		logger:     logger,
		now:        time.Now,
		nextTempID: func() string { return "temp-" + uuid.NewString() },
		window:     defaultMatchWindow,
		seenLimit:  defaultSeenLimit,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.resetLocked()
	return r
}

// Init starts a session for the given identity, discarding any prior state.
func (r *Reconciler) Init(id session.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.self = id
	r.bus.Notify(KindSessionReset, SessionEvent{UserID: id.UserID})
	r.logger.Info("session initialized", zap.String("user", id.UserID.String()))
	return nil
}

// Teardown clears all state, as on logout.
func (r *Reconciler) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.bus.Notify(KindSessionReset, SessionEvent{})
}

func (r *Reconciler) resetLocked() {
	r.self = session.Identity{}
	r.friends = nil
	r.index = make(map[chat.UserID]int)
	r.online = make(map[chat.UserID]bool)
	r.open = ""
	r.generation++
	r.messages = nil
	r.seen = newSeenSet(r.seenLimit)
	r.requests = nil
	r.reqCount = 0
}

// Self returns the session identity.
func (r *Reconciler) Self() session.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self
}

// Snapshot is a consistent copy of the reconciler state.
type Snapshot struct {
	Self     session.Identity
	Friends  []chat.Friend
	OpenID   chat.UserID
	Selected *chat.Friend
	Messages []chat.Message
	Requests []chat.FriendRequest
	// PendingRequests may exceed len(Requests) when only a count was pushed.
	PendingRequests int
}

// Snapshot returns a deep copy of the current state. Selected is taken from
// the roster entry so it always agrees with it.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		Self:            r.self,
		Friends:         r.friendsCopyLocked(),
		OpenID:          r.open,
		Messages:        cloneMessages(r.messages),
		Requests:        slices.Clone(r.requests),
		PendingRequests: r.reqCount,
	}
	if i, ok := r.index[r.open]; ok && !r.open.IsZero() {
		f := s.Friends[i]
		s.Selected = &f
	}
	return s
}

// Groups returns the open conversation grouped by calendar day.
func (r *Reconciler) Groups(now time.Time, loc *time.Location) []chat.DateGroup {
	r.mu.Lock()
	msgs := cloneMessages(r.messages)
	r.mu.Unlock()
	return chat.GroupByDate(msgs, now, loc)
}

// Friend returns a copy of one roster entry.
func (r *Reconciler) Friend(id chat.UserID) (chat.Friend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.friendLocked(id)
	if f == nil {
		return chat.Friend{}, false
	}
	return f.Clone(), true
}

// ReplaceRoster installs a freshly fetched friend list. Presence is kept from
// presence events, unread counts only grow from the server value, and the
// open conversation stays read.
func (r *Reconciler) ReplaceRoster(friends []chat.Friend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]chat.Friend, 0, len(friends))
	index := make(map[chat.UserID]int, len(friends))
	for _, f := range friends {
		if f.ID.IsZero() || f.ID == r.self.UserID {
			continue
		}
		f = f.Clone()
		if prev := r.friendLocked(f.ID); prev != nil {
			f.UnreadCount = max(f.UnreadCount, prev.UnreadCount)
			if f.LastMessage == nil && prev.LastMessage != nil {
				p := *prev.LastMessage
				f.LastMessage = &p
			}
		}
		f.Online = r.online[f.ID]
		if f.ID == r.open {
			f.UnreadCount = 0
		}
		f.UnreadCount = max(f.UnreadCount, 0)
		if i, dup := index[f.ID]; dup {
			next[i] = f
			continue
		}
		index[f.ID] = len(next)
		next = append(next, f)
	}
	r.friends = next
	r.index = index
	r.bus.Notify(KindRosterReplaced, RosterEvent{Friends: r.friendsCopyLocked()})
}

// UpsertFriend adds or updates a single roster entry, as after accepting a
// friend request.
func (r *Reconciler) UpsertFriend(f chat.Friend) {
	if f.ID.IsZero() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.ID == r.self.UserID {
		return
	}
	f = f.Clone()
	f.Online = r.online[f.ID]
	if prev := r.friendLocked(f.ID); prev != nil {
		f.UnreadCount = max(f.UnreadCount, prev.UnreadCount)
		if f.LastMessage == nil {
			f.LastMessage = prev.LastMessage
		}
		*prev = f
	} else {
		r.index[f.ID] = len(r.friends)
		r.friends = append(r.friends, f)
	}
	r.publishFriendLocked(f.ID)
}

// ApplyPresenceSnapshot sets every friend's online flag from set membership.
func (r *Reconciler) ApplyPresenceSnapshot(ids []chat.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = make(map[chat.UserID]bool, len(ids))
	for _, id := range ids {
		if !id.IsZero() {
			r.online[id] = true
		}
	}
	for i := range r.friends {
		r.friends[i].Online = r.online[r.friends[i].ID]
	}
	r.bus.Notify(KindRosterReplaced, RosterEvent{Friends: r.friendsCopyLocked()})
}

// ApplyPresenceDelta updates one friend's online flag and reports whether the
// roster changed.
func (r *Reconciler) ApplyPresenceDelta(id chat.UserID, online bool) bool {
	if id.IsZero() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if online {
		r.online[id] = true
	} else {
		delete(r.online, id)
	}
	f := r.friendLocked(id)
	if f == nil || f.Online == online {
		return false
	}
	f.Online = online
	r.publishFriendLocked(id)
	return true
}

// ClearUnread resets a friend's unread counter.
func (r *Reconciler) ClearUnread(id chat.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f := r.friendLocked(id); f != nil && f.UnreadCount != 0 {
		f.UnreadCount = 0
		r.publishFriendLocked(id)
	}
}

// SetRequests replaces the pending friend request list.
func (r *Reconciler) SetRequests(reqs []chat.FriendRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = dedupRequests(reqs)
	r.reqCount = len(r.requests)
	r.publishRequestsLocked()
}

// ApplyRequestNotice folds a friend-request push into the pending counter.
// A count sets it, a list replaces the requests, a single new request is
// prepended and counted.
func (r *Reconciler) ApplyRequestNotice(n normalize.RequestNotice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case n.Count != nil:
		r.reqCount = max(*n.Count, 0)
	case n.IsList:
		r.requests = dedupRequests(n.List)
		r.reqCount = len(r.requests)
	case n.Single != nil:
		if slices.ContainsFunc(r.requests, func(q chat.FriendRequest) bool { return q.From == n.Single.From }) {
			return
		}
		r.requests = slices.Insert(r.requests, 0, *n.Single)
		r.reqCount++
	default:
		return
	}
	r.publishRequestsLocked()
}

// RemoveRequest drops an answered request and decrements the counter.
func (r *Reconciler) RemoveRequest(from chat.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.IndexFunc(r.requests, func(q chat.FriendRequest) bool { return q.From == from })
	if i >= 0 {
		r.requests = slices.Delete(r.requests, i, i+1)
	}
	r.reqCount = max(r.reqCount-1, 0)
	r.publishRequestsLocked()
}

func (r *Reconciler) publishRequestsLocked() {
	r.bus.Notify(KindRequestsChanged, RequestsEvent{Requests: slices.Clone(r.requests), Count: r.reqCount})
}

func (r *Reconciler) friendLocked(id chat.UserID) *chat.Friend {
	i, ok := r.index[id]
	if !ok {
		return nil
	}
	return &r.friends[i]
}

func (r *Reconciler) publishFriendLocked(id chat.UserID) {
	if f := r.friendLocked(id); f != nil {
		r.bus.Notify(KindFriendUpdated, FriendEvent{Friend: f.Clone()})
	}
}

func (r *Reconciler) friendsCopyLocked() []chat.Friend {
	out := make([]chat.Friend, len(r.friends))
	for i, f := range r.friends {
		out[i] = f.Clone()
	}
	return out
}

func cloneMessages(in []chat.Message) []chat.Message {
	out := make([]chat.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

func dedupRequests(in []chat.FriendRequest) []chat.FriendRequest {
	out := make([]chat.FriendRequest, 0, len(in))
	for _, q := range in {
		if q.From.IsZero() || slices.ContainsFunc(out, func(o chat.FriendRequest) bool { return o.From == q.From }) {
			continue
		}
		out = append(out, q)
	}
	return out
}
