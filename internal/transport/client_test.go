package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeServer struct {
	srv    *httptest.Server
	url    string
	conns  chan *websocket.Conn
	auth   atomic.Pointer[string]
	status int
}

func newFakeServer(t *testing.T, status int) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 4), status: status}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		fs.auth.Store(&auth)
		if fs.status != 0 {
			w.WriteHeader(fs.status)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- c
	}))
	fs.url = "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws"
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		t.Cleanup(func() { _ = c.CloseNow() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(frame)))
}

func receive(t *testing.T, c *websocket.Conn) outFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var f outFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// start runs the client until the test ends and waits for Run to return.
func start(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
		var zero T
		return zero
	}
}

func TestEmitAckRoundTrip(t *testing.T) {
	fs := newFakeServer(t, 0)
	c := New(Config{URL: fs.url, AckTimeout: time.Second}, zaptest.NewLogger(t))
	c.SetToken("tok")

	connected := make(chan Inbound, 1)
	c.On(EventConnected, func(in Inbound) { connected <- in })
	start(t, c)

	sc := fs.accept(t)
	waitFor(t, connected)
	assert.True(t, c.Connected())
	assert.Equal(t, "Bearer tok", *fs.auth.Load())

	type callResult struct {
		data json.RawMessage
		err  error
	}
	res := make(chan callResult, 1)
	go func() {
		data, err := c.Call(context.Background(), EventSendMessage, map[string]string{"to": "f1", "text": "hi"})
		res <- callResult{data, err}
	}()

	f := receive(t, sc)
	assert.Equal(t, EventSendMessage, f.Event)
	require.NotZero(t, f.ID)
	send(t, sc, `{"ack":`+jsonNumber(f.ID)+`,"data":{"ok":true,"data":{"id":"m1"}}}`)

	r := waitFor(t, res)
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"ok":true,"data":{"id":"m1"}}`, string(r.data))
}

func jsonNumber(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestAliasedEventsDispatchToCanonicalHandler(t *testing.T) {
	fs := newFakeServer(t, 0)
	c := New(Config{URL: fs.url}, zaptest.NewLogger(t))

	removed := make(chan Inbound, 4)
	off := c.On(EventMessage, func(in Inbound) { removed <- in })
	off()
	off()

	msgs := make(chan Inbound, 4)
	c.On(EventMessage, func(in Inbound) { msgs <- in })
	presence := make(chan Inbound, 4)
	c.On(EventPresenceDelta, func(in Inbound) { presence <- in })
	start(t, c)

	sc := fs.accept(t)
	send(t, sc, `{"event":"typing","data":{}}`)
	send(t, sc, `{"event":"receiveMessage","data":{"_id":"m1"}}`)
	send(t, sc, `{"event":"userOffline","data":"f2"}`)

	in := waitFor(t, msgs)
	assert.Equal(t, EventMessage, in.Event)
	assert.Equal(t, "receiveMessage", in.Name)
	assert.JSONEq(t, `{"_id":"m1"}`, string(in.Data))

	p := waitFor(t, presence)
	require.NotNil(t, p.Online)
	assert.False(t, *p.Online)
	assert.Empty(t, removed)
}

func TestEmitWhileDisconnected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/ws"}, nil)
	called := false
	err := c.Emit(context.Background(), "x", nil, func(json.RawMessage, error) { called = true })
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, called)
	assert.False(t, c.Connected())
}

func TestAckTimeout(t *testing.T) {
	fs := newFakeServer(t, 0)
	c := New(Config{URL: fs.url, AckTimeout: 50 * time.Millisecond}, zaptest.NewLogger(t))
	connected := make(chan Inbound, 1)
	c.On(EventConnected, func(in Inbound) { connected <- in })
	start(t, c)

	sc := fs.accept(t)
	waitFor(t, connected)

	_, err := c.Call(context.Background(), EventSendMessage, map[string]string{"text": "lost"})
	assert.ErrorIs(t, err, ErrAckTimeout)

	// A late ack for a timed out emit is ignored.
	f := receive(t, sc)
	send(t, sc, `{"ack":`+jsonNumber(f.ID)+`,"data":{"ok":true}}`)
}

func TestPendingAckFailsOnDisconnectAndReconnects(t *testing.T) {
	fs := newFakeServer(t, 0)
	c := New(Config{URL: fs.url, AckTimeout: 5 * time.Second}, zaptest.NewLogger(t))
	c.backoffMin = 10 * time.Millisecond
	c.backoffMax = 20 * time.Millisecond

	connected := make(chan Inbound, 4)
	disconnected := make(chan Inbound, 4)
	c.On(EventConnected, func(in Inbound) { connected <- in })
	c.On(EventDisconnected, func(in Inbound) { disconnected <- in })
	start(t, c)

	sc := fs.accept(t)
	waitFor(t, connected)

	acked := make(chan error, 1)
	require.NoError(t, c.Emit(context.Background(), EventSendMessage, map[string]string{"text": "x"}, func(_ json.RawMessage, err error) {
		acked <- err
	}))
	receive(t, sc)
	require.NoError(t, sc.CloseNow())

	assert.ErrorIs(t, waitFor(t, acked), ErrNotConnected)
	waitFor(t, disconnected)

	fs.accept(t)
	waitFor(t, connected)
	assert.True(t, c.Connected())
}

func TestRunStopsOnUnauthorized(t *testing.T) {
	fs := newFakeServer(t, http.StatusUnauthorized)
	c := New(Config{URL: fs.url}, zaptest.NewLogger(t))
	c.SetToken("expired")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRunRetriesUnreachableServer(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/ws"}, zaptest.NewLogger(t))
	c.backoffMin = 5 * time.Millisecond
	c.backoffMax = 10 * time.Millisecond

	var attempts atomic.Int32
	dial := c.dial
	c.dial = func(ctx context.Context, url, token string) (wsConn, error) {
		attempts.Add(1)
		return dial(ctx, url, token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, c.Run(ctx))
	assert.Greater(t, attempts.Load(), int32(2))
}

func TestAliasTableIsConsistent(t *testing.T) {
	for name, a := range Aliases {
		assert.NotEmpty(t, a.Event, name)
		if a.Online != nil {
			assert.Equal(t, EventPresenceDelta, a.Event, name)
		}
	}
	assert.True(t, *Aliases["userOnline"].Online)
	assert.False(t, *Aliases["userOffline"].Online)
}
