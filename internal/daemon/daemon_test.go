package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/palaver/internal/api"
	"github.com/matheus3301/palaver/internal/bus"
	"github.com/matheus3301/palaver/internal/chat"
	"github.com/matheus3301/palaver/internal/client"
	"github.com/matheus3301/palaver/internal/config"
	"github.com/matheus3301/palaver/internal/outbox"
	"github.com/matheus3301/palaver/internal/reconcile"
	"github.com/matheus3301/palaver/internal/restapi"
	"github.com/matheus3301/palaver/internal/session"
	"github.com/matheus3301/palaver/internal/status"
	"github.com/matheus3301/palaver/internal/store"
	intsync "github.com/matheus3301/palaver/internal/sync"
	"github.com/matheus3301/palaver/internal/transport"
)

// shortTempDir keeps Unix socket paths under the 104-char macOS limit.
func shortTempDir(t *testing.T, pattern string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", pattern)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testDB(t *testing.T, dir string) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeChatServer serves the REST endpoints the daemon reads.
func fakeChatServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/api/friends", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"friends":[{"_id":"f1","name":"Ana"},{"_id":"f2","name":"Bruno"}]}`))
	})
	r.Get("/api/friends/requests", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"requests":[{"from":{"_id":"f7","name":"Gil"}}]}`))
	})
	r.Post("/api/friends/requests/respond", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/api/messages", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("friendId") != "f1" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[
			{"_id":"m1","sender":"f1","receiver":"me","text":"hello world","createdAt":"2026-03-14T12:00:00Z"},
			{"_id":"m2","sender":"me","receiver":"f1","text":"hi Ana","createdAt":"2026-03-14T12:01:00Z"}
		]`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

type stack struct {
	machine *status.Machine
	rec     *reconcile.Reconciler
	db      *store.DB
	engine  *intsync.Engine
	client  *client.Client
}

// newStack wires the daemon by hand around a fake REST server and an idle
// socket client, and serves it on a temp Unix socket.
func newStack(t *testing.T) *stack {
	t.Helper()
	dir := shortTempDir(t, "palaver-test-*")
	logger := zaptest.NewLogger(t)
	b := bus.New()
	s := &stack{
		machine: status.NewMachine(b),
		rec:     reconcile.New(b, logger),
		db:      testDB(t, dir),
	}

	rest := restapi.New(fakeChatServer(t).URL, restapi.WithLogger(logger))
	ws := transport.New(transport.Config{URL: "ws://127.0.0.1:1/ws"}, logger)
	s.engine = intsync.NewEngine(s.db, s.rec, ws, rest, s.machine, b, logger)
	sender := outbox.NewSender(s.db, s.rec, ws, rest, b, logger, outbox.Config{})

	require.NoError(t, s.rec.Init(session.Identity{UserID: "me", Name: "Me"}))
	require.NoError(t, s.engine.Restore(s.rec.Self()))
	s.engine.Start(context.Background())
	t.Cleanup(s.engine.Stop)
	sender.Start(context.Background())
	t.Cleanup(sender.Stop)
	require.NoError(t, s.engine.RefreshRoster(context.Background()))
	require.NoError(t, s.engine.RefreshRequests(context.Background()))

	srv, err := NewServer(
		Params{SessionName: "test", SocketPath: filepath.Join(dir, "d.sock")},
		logger,
		api.NewSessionService("test", s.machine, s.rec, s.db, nil),
		api.NewChatService(s.rec, s.engine, rest, b, "test"),
		api.NewMessageService(sender, s.db),
	)
	require.NoError(t, err)
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	c, err := client.New(filepath.Join(dir, "d.sock"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	s.client = c
	return s
}

func TestDaemonLifecycle(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	st, err := s.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", st.Session)
	assert.Equal(t, status.Booting, st.State)
	require.NotNil(t, st.User)
	assert.Equal(t, chat.UserID("me"), st.User.ID)
	assert.Equal(t, 2, st.Friends)
	assert.Equal(t, 1, st.PendingRequests)

	friends, err := s.client.ListFriends(ctx)
	require.NoError(t, err)
	require.Len(t, friends.Friends, 2)
	assert.Equal(t, "Ana", friends.Friends[0].Name)

	conv, err := s.client.OpenConversation(ctx, &api.OpenConversationRequest{FriendID: "f1"})
	require.NoError(t, err)
	assert.Empty(t, conv.Warning)
	require.NotNil(t, conv.Friend)
	assert.Equal(t, chat.UserID("f1"), conv.Friend.ID)
	require.Len(t, conv.Groups, 1)
	require.Len(t, conv.Groups[0].Messages, 2)
	assert.Equal(t, "hello world", conv.Groups[0].Messages[0].Text)

	again, err := s.client.ListMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, conv.Groups, again.Groups)

	// The socket is down: the message is recorded, shown and failed.
	sent, err := s.client.Send(ctx, &api.SendRequest{To: "f1", Text: "are you there?"})
	require.NoError(t, err)
	assert.Equal(t, chat.ErrNotConnected.Error(), sent.Error)
	assert.Equal(t, chat.StateFailed, sent.Message.State)

	conv, err = s.client.ListMessages(ctx)
	require.NoError(t, err)
	last := conv.Groups[len(conv.Groups)-1].Messages
	assert.Equal(t, sent.Message.ClientTempID, last[len(last)-1].ID)

	failed, err := s.client.ListOutbox(ctx, &api.ListOutboxRequest{})
	require.NoError(t, err)
	require.Len(t, failed.Entries, 1)
	assert.Equal(t, "are you there?", failed.Entries[0].Text)

	err = s.client.Retry(ctx, sent.Message.ClientTempID)
	assert.Equal(t, codes.Unavailable, grpcstatus.Code(err))

	reqs, err := s.client.RespondRequest(ctx, &api.RespondRequestRequest{From: "f7", Accept: false})
	require.NoError(t, err)
	assert.Zero(t, reqs.Count)
}

func TestDaemonSearchesCache(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_, err := s.client.OpenConversation(ctx, &api.OpenConversationRequest{FriendID: "f1"})
	require.NoError(t, err)

	var hits *api.SearchMessagesResponse
	require.Eventually(t, func() bool {
		hits, err = s.client.SearchMessages(ctx, &api.SearchMessagesRequest{Query: "hello"})
		return err == nil && len(hits.Results) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, chat.UserID("f1"), hits.Results[0].Partner)
	assert.Contains(t, hits.Results[0].Snippet, "hello")
}

func TestDaemonRejectsBadRequests(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_, err := s.client.ListMessages(ctx)
	assert.Equal(t, codes.FailedPrecondition, grpcstatus.Code(err))

	_, err = s.client.OpenConversation(ctx, &api.OpenConversationRequest{FriendID: "stranger"})
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))

	_, err = s.client.Send(ctx, &api.SendRequest{To: "me", Text: "note to self"})
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))

	err = s.client.Retry(ctx, "temp-unknown")
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))

	_, err = s.client.Login(ctx, "a@b.c", "pw")
	assert.Equal(t, codes.Unavailable, grpcstatus.Code(err))
}

func TestWatchEventsStreamsStatusChanges(t *testing.T) {
	s := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *api.EventEnvelope, 1)
	go func() {
		_ = s.client.WatchEvents(ctx, &api.WatchEventsRequest{Namespaces: []string{"session."}}, func(e *api.EventEnvelope) error {
			got <- e
			return errors.New("done")
		})
	}()

	// The stream subscribes asynchronously; keep nudging the machine until
	// an event arrives.
	states := []status.State{status.AuthRequired, status.Connecting, status.Ready}
	for i := 0; ; i++ {
		select {
		case evt := <-got:
			assert.Equal(t, status.KindStatusChanged, evt.Kind)
			assert.Equal(t, "test", evt.Session)
			return
		case <-time.After(100 * time.Millisecond):
			if i < len(states) {
				_ = s.machine.Transition(states[i])
			}
		case <-ctx.Done():
			t.Fatal("no event streamed")
		}
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without
// running any constructor.
func TestFxModuleWiring(t *testing.T) {
	require.NoError(t, fx.ValidateApp(Module(Params{SessionName: "fxtest"})))
}

func TestNewServerCreatesSocket(t *testing.T) {
	dir := shortTempDir(t, "palaver-fx-*")
	socketPath := filepath.Join(dir, "d.sock")

	srv, err := NewServer(
		Params{SessionName: "fxtest", SocketPath: socketPath},
		zap.NewNop(),
		api.NewSessionService("fxtest", status.NewMachine(nil), nil, nil, nil),
		api.NewChatService(reconcile.New(nil, nil), nil, nil, nil, "fxtest"),
		api.NewMessageService(nil, nil),
	)
	require.NoError(t, err)
	go func() { _ = srv.Start() }()

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	srv.Stop(context.Background())
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}

// Runner fakes.

type fakeAuthority struct {
	mu       sync.Mutex
	token    string
	meErr    error
	me       chat.Friend
	loginErr error
	logins   int
}

func (f *fakeAuthority) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeAuthority) Me(context.Context) (chat.Friend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meErr != nil {
		return chat.Friend{}, f.meErr
	}
	return f.me, nil
}

func (f *fakeAuthority) Login(_ context.Context, email, _ string) (restapi.LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if f.loginErr != nil {
		return restapi.LoginResult{}, f.loginErr
	}
	return restapi.LoginResult{Token: "tok-" + email, User: chat.Friend{ID: "me", Name: "Me", Email: email}}, nil
}

type fakeLink struct {
	mu     sync.Mutex
	token  string
	runErr error
}

func (f *fakeLink) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeLink) Run(ctx context.Context) error {
	f.mu.Lock()
	err := f.runErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

type fakeSyncer struct{}

func (fakeSyncer) Restore(session.Identity) error        { return nil }
func (fakeSyncer) RefreshRoster(context.Context) error   { return nil }
func (fakeSyncer) RefreshRequests(context.Context) error { return nil }

type runnerHarness struct {
	runner  *Runner
	machine *status.Machine
	rec     *reconcile.Reconciler
	db      *store.DB
	auth    *fakeAuthority
	link    *fakeLink
}

func newRunner(t *testing.T, creds config.AuthConfig) *runnerHarness {
	t.Helper()
	b := bus.New()
	h := &runnerHarness{
		machine: status.NewMachine(b),
		rec:     reconcile.New(b, nil),
		db:      testDB(t, t.TempDir()),
		auth:    &fakeAuthority{me: chat.Friend{ID: "me", Name: "Me"}},
		link:    &fakeLink{},
	}
	h.runner = NewRunner(creds, h.db, h.auth, h.link, fakeSyncer{}, h.rec, h.machine, zaptest.NewLogger(t))
	return h
}

func (h *runnerHarness) start(t *testing.T) {
	t.Helper()
	h.runner.Start(context.Background())
	t.Cleanup(h.runner.Stop)
}

func (h *runnerHarness) waitState(t *testing.T, want status.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.machine.Current() == want },
		2*time.Second, 10*time.Millisecond, "state never reached %s (at %s)", want, h.machine.Current())
}

func TestRunnerWithoutCredentialsRequiresAuth(t *testing.T) {
	h := newRunner(t, config.AuthConfig{})
	h.start(t)
	h.waitState(t, status.AuthRequired)
	assert.True(t, h.rec.Self().UserID.IsZero())
}

func TestRunnerLogsInWithPassword(t *testing.T) {
	h := newRunner(t, config.AuthConfig{Email: "me@example.com", Password: "secret"})
	h.start(t)
	h.waitState(t, status.Connecting)

	assert.Equal(t, chat.UserID("me"), h.rec.Self().UserID)
	token, ok, err := h.db.GetState(store.StateToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok-me@example.com", token)
	h.link.mu.Lock()
	assert.Equal(t, "tok-me@example.com", h.link.token)
	h.link.mu.Unlock()
}

func TestRunnerReusesStoredToken(t *testing.T) {
	h := newRunner(t, config.AuthConfig{})
	require.NoError(t, h.db.SetState(store.StateToken, "stored"))
	h.start(t)
	h.waitState(t, status.Connecting)

	assert.Zero(t, h.auth.logins)
	assert.Equal(t, "stored", h.rec.Self().Token)
}

func TestRunnerStartsFromCacheWhenOffline(t *testing.T) {
	h := newRunner(t, config.AuthConfig{Token: "cfg-token"})
	h.auth.meErr = errors.New("connection refused")
	require.NoError(t, h.db.SetState(store.StateSelfID, "me"))
	require.NoError(t, h.db.SetState(store.StateSelfName, "Me"))
	h.start(t)
	h.waitState(t, status.Connecting)
	assert.Equal(t, chat.UserID("me"), h.rec.Self().UserID)
}

func TestRunnerUnreachableWithoutCacheErrors(t *testing.T) {
	h := newRunner(t, config.AuthConfig{Token: "cfg-token"})
	h.auth.meErr = errors.New("connection refused")
	h.start(t)
	h.waitState(t, status.Error)
	assert.Contains(t, h.machine.Reason(), "connection refused")
}

func TestRunnerExpiredSocketTokenRequiresAuth(t *testing.T) {
	h := newRunner(t, config.AuthConfig{Token: "cfg-token"})
	h.link.runErr = transport.ErrUnauthorized
	h.start(t)
	h.waitState(t, status.AuthRequired)
	assert.Equal(t, "session expired", h.machine.Reason())
}

func TestRunnerLoginAndLogout(t *testing.T) {
	h := newRunner(t, config.AuthConfig{})
	h.start(t)
	h.waitState(t, status.AuthRequired)

	require.NoError(t, h.runner.Login(context.Background(), "me@example.com", "secret"))
	h.waitState(t, status.Connecting)
	assert.Equal(t, chat.UserID("me"), h.rec.Self().UserID)

	require.NoError(t, h.runner.Logout(context.Background()))
	assert.Equal(t, status.AuthRequired, h.machine.Current())
	assert.True(t, h.rec.Self().UserID.IsZero())
	_, ok, err := h.db.GetState(store.StateToken)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunnerLoginFailureKeepsState(t *testing.T) {
	h := newRunner(t, config.AuthConfig{})
	h.start(t)
	h.waitState(t, status.AuthRequired)

	h.auth.loginErr = &restapi.Error{Status: http.StatusUnauthorized, Message: "wrong password"}
	err := h.runner.Login(context.Background(), "me@example.com", "nope")
	require.Error(t, err)
	assert.True(t, restapi.IsUnauthorized(err))
	assert.Equal(t, status.AuthRequired, h.machine.Current())
}
