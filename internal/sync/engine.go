// Package sync keeps the reconciler fed. It turns socket events into
// reconciler operations, refreshes server state over REST, and mirrors every
// reconciler change into the local cache.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/palaver/internal/bus"
	"github.com/matheus3301/palaver/internal/chat"
	"github.com/matheus3301/palaver/internal/normalize"
	"github.com/matheus3301/palaver/internal/reconcile"
	"github.com/matheus3301/palaver/internal/session"
	"github.com/matheus3301/palaver/internal/status"
	"github.com/matheus3301/palaver/internal/store"
	"github.com/matheus3301/palaver/internal/transport"
)

// Socket is the subscription side of the realtime transport.
type Socket interface {
	On(ev transport.Event, h transport.Handler) (off func())
}

// API is the REST surface the engine pulls state from.
type API interface {
	Friends(ctx context.Context) ([]chat.Friend, error)
	Messages(ctx context.Context, friendID chat.UserID) ([]chat.Message, error)
	FriendRequests(ctx context.Context) ([]chat.FriendRequest, error)
}

// cachedHistoryLimit bounds how many cached messages are shown when history
// cannot be fetched.
const cachedHistoryLimit = 200

const fetchTimeout = 20 * time.Second

// Engine routes inbound events into the reconciler.
type Engine struct {
	db      *store.DB
	rec     *reconcile.Reconciler
	socket  Socket
	api     API
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	persist *Persister

	// reopen is the conversation that was open when the daemon last ran.
	reopen chat.UserID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	offs   []func()
	mu     sync.Mutex
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, rec *reconcile.Reconciler, socket Socket, api API, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:      db,
		rec:     rec,
		socket:  socket,
		api:     api,
		machine: machine,
		bus:     b,
		logger:  logger.Named("sync"),
		persist: NewPersister(db, b, logger),
	}
}

// Restore loads the cached roster for id. A cache written by another account
// is wiped first.
func (e *Engine) Restore(id session.Identity) error {
	owner, ok, err := e.db.GetState(store.StateSelfID)
	if err != nil {
		return fmt.Errorf("read cache owner: %w", err)
	}
	if ok && owner != id.UserID.String() {
		e.logger.Info("cache belongs to another account, wiping", zap.String("owner", owner))
		if err := e.db.Wipe(); err != nil {
			return fmt.Errorf("wipe cache: %w", err)
		}
	}
	if err := e.db.SetState(store.StateSelfID, id.UserID.String()); err != nil {
		return err
	}
	if err := e.db.SetState(store.StateSelfName, id.Name); err != nil {
		return err
	}

	if open, ok, err := e.db.GetState(store.StateOpenFriend); err == nil && ok {
		e.reopen = chat.UserID(open)
	}

	friends, err := e.db.ListFriends()
	if err != nil {
		return fmt.Errorf("load cached friends: %w", err)
	}
	if len(friends) > 0 {
		e.rec.ReplaceRoster(friends)
		e.logger.Info("restored cached roster", zap.Int("friends", len(friends)))
	}
	return nil
}

// Start begins mirroring reconciler changes and registers socket handlers.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.persist.Start(e.ctx)

	e.offs = append(e.offs,
		e.socket.On(transport.EventConnected, e.onConnected),
		e.socket.On(transport.EventDisconnected, e.onDisconnected),
		e.socket.On(transport.EventMessage, e.onMessage),
		e.socket.On(transport.EventPresenceSnapshot, e.onPresenceSnapshot),
		e.socket.On(transport.EventPresenceDelta, e.onPresenceDelta),
		e.socket.On(transport.EventFriendRequest, e.onFriendRequest),
		e.socket.On(transport.EventFriendAccepted, e.onFriendAnswered(true)),
		e.socket.On(transport.EventFriendRejected, e.onFriendAnswered(false)),
		e.socket.On(transport.EventFriendsUpdated, func(transport.Inbound) { e.spawn(e.RefreshRoster) }),
	)
}

// Stop unregisters handlers and waits for in-flight refreshes and the
// persister to finish.
func (e *Engine) Stop() {
	for _, off := range e.offs {
		off()
	}
	e.offs = nil
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.persist.Stop()
}

// spawn runs fn off the socket reader goroutine.
func (e *Engine) spawn(fn func(context.Context) error) {
	if e.ctx == nil || e.ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, fetchTimeout)
		defer cancel()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("background refresh failed", zap.Error(err))
		}
	}()
}

func (e *Engine) onConnected(transport.Inbound) {
	if _, err := e.machine.Advance(status.Ready); err != nil {
		e.logger.Warn("unexpected connect", zap.Error(err), zap.String("state", string(e.machine.Current())))
	}
	e.spawn(e.Resync)
}

func (e *Engine) onDisconnected(transport.Inbound) {
	if e.ctx != nil && e.ctx.Err() != nil {
		return
	}
	if _, err := e.machine.Advance(status.Reconnecting); err != nil {
		e.logger.Debug("ignoring disconnect", zap.Error(err), zap.String("state", string(e.machine.Current())))
	}
}

func (e *Engine) onMessage(in transport.Inbound) {
	outcome, err := e.rec.IngestPush(in.Data)
	if err != nil {
		return
	}
	e.logger.Debug("message push", zap.String("event", in.Name), zap.Stringer("outcome", outcome))
	if outcome != reconcile.OutcomeUnknownPartner {
		return
	}
	// The sender may have just become a friend. Refresh and try once more.
	data := in.Data
	e.spawn(func(ctx context.Context) error {
		if err := e.RefreshRoster(ctx); err != nil {
			return err
		}
		outcome, err := e.rec.IngestPush(data)
		if err == nil && outcome == reconcile.OutcomeUnknownPartner {
			e.logger.Info("dropping message from non-friend")
		}
		return err
	})
}

func (e *Engine) onPresenceSnapshot(in transport.Inbound) {
	ids, err := normalize.PresenceSnapshot(in.Data)
	if err != nil {
		e.logger.Warn("bad presence snapshot", zap.Error(err), zap.String("event", in.Name))
		return
	}
	e.rec.ApplyPresenceSnapshot(ids)
}

func (e *Engine) onPresenceDelta(in transport.Inbound) {
	id, online, err := normalize.PresenceDelta(in.Data, in.Online)
	if err != nil {
		e.logger.Warn("bad presence update", zap.Error(err), zap.String("event", in.Name))
		return
	}
	e.rec.ApplyPresenceDelta(id, online)
}

func (e *Engine) onFriendRequest(in transport.Inbound) {
	n, err := normalize.FriendRequestNotice(in.Data)
	if err != nil {
		e.logger.Warn("bad friend request notice", zap.Error(err), zap.String("event", in.Name))
		return
	}
	e.rec.ApplyRequestNotice(n)
}

func (e *Engine) onFriendAnswered(accepted bool) transport.Handler {
	return func(in transport.Inbound) {
		if id, err := normalize.RequesterID(in.Data); err == nil {
			e.rec.RemoveRequest(id)
		}
		if accepted {
			e.spawn(e.RefreshRoster)
		}
	}
}

// RefreshRoster replaces the roster with the server's friend list.
func (e *Engine) RefreshRoster(ctx context.Context) error {
	friends, err := e.api.Friends(ctx)
	if err != nil {
		return fmt.Errorf("fetch friends: %w", err)
	}
	e.rec.ReplaceRoster(friends)
	if err := e.db.SetState(store.StateLastSyncedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		e.logger.Warn("failed to record sync time", zap.Error(err))
	}
	return nil
}

// RefreshRequests replaces the pending friend requests.
func (e *Engine) RefreshRequests(ctx context.Context) error {
	reqs, err := e.api.FriendRequests(ctx)
	if err != nil {
		return fmt.Errorf("fetch friend requests: %w", err)
	}
	e.rec.SetRequests(reqs)
	return nil
}

// Resync pulls everything the socket may have missed while disconnected.
func (e *Engine) Resync(ctx context.Context) error {
	err := errors.Join(e.RefreshRoster(ctx), e.RefreshRequests(ctx))
	t, ok := e.rec.OpenTicket()
	if !ok {
		if id := e.takeReopen(); !id.IsZero() {
			if _, known := e.rec.Friend(id); known {
				_, oerr := e.Open(ctx, id)
				return errors.Join(err, oerr)
			}
		}
		return err
	}
	if ferr := e.fetchHistory(ctx, t); ferr != nil && !errors.Is(ferr, chat.ErrFetchSuperseded) {
		err = errors.Join(err, ferr)
	}
	return err
}

func (e *Engine) takeReopen() chat.UserID {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.reopen
	e.reopen = ""
	return id
}

// Open makes friendID the visible conversation and loads its history. When
// the fetch fails the cached history is shown and the error is returned.
func (e *Engine) Open(ctx context.Context, friendID chat.UserID) (reconcile.Ticket, error) {
	t, err := e.rec.SetOpenConversation(friendID)
	if err != nil {
		return t, err
	}
	e.takeReopen()
	if err := e.db.SetState(store.StateOpenFriend, friendID.String()); err != nil {
		e.logger.Warn("failed to record open conversation", zap.Error(err))
	}
	if friendID.IsZero() {
		return t, nil
	}
	if err := e.fetchHistory(ctx, t); err != nil {
		if errors.Is(err, chat.ErrFetchSuperseded) {
			return t, err
		}
		cached, cerr := e.db.ListMessages(friendID, time.Time{}, cachedHistoryLimit)
		if cerr == nil && len(cached) > 0 {
			_ = e.rec.ApplyHistory(t, cached)
		}
		return t, err
	}
	return t, nil
}

func (e *Engine) fetchHistory(ctx context.Context, t reconcile.Ticket) error {
	page, err := e.api.Messages(ctx, t.FriendID)
	if err != nil {
		return fmt.Errorf("fetch history for %s: %w", t.FriendID, err)
	}
	if err := e.rec.ApplyHistory(t, page); err != nil {
		e.logger.Debug("discarding history page", zap.Error(err))
		return err
	}
	return nil
}
