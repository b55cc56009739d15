// Package transport is the real-time event channel to the chat server: one
// WebSocket carrying JSON frames, with per-emit acknowledgements and
// automatic reconnection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	reconnectMin               = 1 * time.Second
	reconnectMax               = 30 * time.Second
	reconnectBackoffMultiplier = 2
	jitterDivisor              = 2

	defaultAckTimeout = 15 * time.Second
	readLimit         = 4 * 1024 * 1024
	writeTimeout      = 10 * time.Second
)

var (
	// ErrNotConnected is returned by Emit while no connection is up, and
	// delivered to pending acks when the connection drops.
	ErrNotConnected = errors.New("transport not connected")
	// ErrAckTimeout is delivered to an ack that did not arrive in time.
	ErrAckTimeout = errors.New("ack timed out")
	// ErrUnauthorized means the server refused the token during the handshake.
	ErrUnauthorized = errors.New("socket handshake unauthorized")
)

// wsConn abstracts the WebSocket connection so Client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, url, token string) (wsConn, error)

// Config configures a Client.
type Config struct {
	URL        string
	AckTimeout time.Duration
}

type handlerEntry struct {
	id int
	h  Handler
}

// Client is a reconnecting event channel. Handlers registered with On are
// called sequentially, in arrival order, from the single reader goroutine.
type Client struct {
	cfg        Config
	logger     *zap.Logger
	dial       dialFunc
	backoffMin time.Duration
	backoffMax time.Duration

	token atomic.Pointer[string]

	hmu      sync.RWMutex
	handlers map[Event][]handlerEntry
	nextH    int

	cmu     sync.Mutex
	conn    wsConn
	nextID  uint64
	pending map[uint64]*pendingAck
}

type pendingAck struct {
	fn    AckFunc
	timer *time.Timer
}

// New creates a Client. Nothing is dialed until Run.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		logger:     logger.Named("transport"),
		dial:       dialWebsocket,
		backoffMin: reconnectMin,
		backoffMax: reconnectMax,
		handlers:   make(map[Event][]handlerEntry),
		pending:    make(map[uint64]*pendingAck),
	}
}

func dialWebsocket(ctx context.Context, url, token string) (wsConn, error) {
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: hdr}) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	return conn, nil
}

// SetToken sets the bearer token used by the next dial.
func (c *Client) SetToken(token string) {
	c.token.Store(&token)
}

func (c *Client) currentToken() string {
	if p := c.token.Load(); p != nil {
		return *p
	}
	return ""
}

// On registers h for a canonical event and returns a function removing it.
func (c *Client) On(ev Event, h Handler) (off func()) {
	c.hmu.Lock()
	id := c.nextH
	c.nextH++
	c.handlers[ev] = append(c.handlers[ev], handlerEntry{id: id, h: h})
	c.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.hmu.Lock()
			defer c.hmu.Unlock()
			list := c.handlers[ev]
			for i, e := range list {
				if e.id == id {
					c.handlers[ev] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	return c.conn != nil
}

// Emit sends an event. When ack is non-nil the frame requests an
// acknowledgement and ack is called exactly once with its payload, with
// ErrAckTimeout, or with ErrNotConnected if the connection drops first.
// If Emit itself fails, ack is not called.
func (c *Client) Emit(ctx context.Context, event string, payload any, ack AckFunc) error {
	c.cmu.Lock()
	conn := c.conn
	if conn == nil {
		c.cmu.Unlock()
		return ErrNotConnected
	}
	frame := outFrame{Event: event, Data: payload}
	if ack != nil {
		c.nextID++
		frame.ID = c.nextID
		id := frame.ID
		c.pending[id] = &pendingAck{
			fn:    ack,
			timer: time.AfterFunc(c.cfg.AckTimeout, func() { c.resolve(id, nil, ErrAckTimeout) }),
		}
	}
	c.cmu.Unlock()

	data, err := json.Marshal(frame)
	if err == nil {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(wctx, websocket.MessageText, data)
		cancel()
	}
	if err != nil {
		if frame.ID != 0 {
			c.drop(frame.ID)
		}
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Call emits an event and waits for its acknowledgement.
func (c *Client) Call(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	type result struct {
		data json.RawMessage
		err  error
	}
	done := make(chan result, 1)
	if err := c.Emit(ctx, event, payload, func(data json.RawMessage, err error) {
		done <- result{data, err}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve completes a pending ack once; later calls for the same id are no-ops.
func (c *Client) resolve(id uint64, data json.RawMessage, err error) {
	c.cmu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.cmu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	p.fn(data, err)
}

func (c *Client) drop(id uint64) {
	c.cmu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.cmu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

// Run dials and serves the connection until ctx is done, reconnecting with
// exponential backoff. It returns nil on cancellation and ErrUnauthorized
// when the server rejects the token.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.backoffMin
	for {
		conn, err := c.dial(ctx, c.cfg.URL, c.currentToken())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrUnauthorized) {
				return err
			}
			c.logger.Warn("connect failed", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleep(ctx, withJitter(backoff)) {
				return nil
			}
			backoff = min(backoff*reconnectBackoffMultiplier, c.backoffMax)
			continue
		}

		backoff = c.backoffMin
		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("connection lost, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		if !sleep(ctx, withJitter(backoff)) {
			return nil
		}
	}
}

// serve owns one connection from attach to detach.
func (c *Client) serve(ctx context.Context, conn wsConn) error {
	conn.SetReadLimit(readLimit)
	c.cmu.Lock()
	c.conn = conn
	c.cmu.Unlock()
	c.logger.Info("connected", zap.String("url", c.cfg.URL))
	c.dispatch(Inbound{Event: EventConnected, Name: string(EventConnected)})

	err := c.readLoop(ctx, conn)

	c.cmu.Lock()
	c.conn = nil
	orphaned := c.pending
	c.pending = make(map[uint64]*pendingAck)
	c.cmu.Unlock()

	code := websocket.StatusNormalClosure
	if ctx.Err() == nil {
		code = websocket.StatusGoingAway
	}
	_ = conn.Close(code, "")

	for _, p := range orphaned {
		p.timer.Stop()
		p.fn(nil, ErrNotConnected)
	}
	c.dispatch(Inbound{Event: EventDisconnected, Name: string(EventDisconnected)})
	return err
}

func (c *Client) readLoop(ctx context.Context, conn wsConn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}
		if typ != websocket.MessageText {
			c.logger.Debug("ignoring binary frame", zap.Int("bytes", len(data)))
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var f inFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("dropping undecodable frame", zap.Error(err))
		return
	}
	if f.Ack != 0 {
		c.resolve(f.Ack, f.Data, nil)
		return
	}
	alias, ok := Aliases[f.Event]
	if !ok {
		c.logger.Debug("dropping unknown event", zap.String("event", f.Event))
		return
	}
	c.dispatch(Inbound{Event: alias.Event, Name: f.Event, Data: f.Data, Online: alias.Online})
}

func (c *Client) dispatch(in Inbound) {
	c.hmu.RLock()
	list := append([]handlerEntry(nil), c.handlers[in.Event]...)
	c.hmu.RUnlock()
	for _, e := range list {
		e.h(in)
	}
}

func withJitter(d time.Duration) time.Duration {
	if d < jitterDivisor {
		return d
	}
	return d + time.Duration(rand.Int64N(int64(d)/jitterDivisor)) //nolint:gosec // reconnect jitter needs no crypto randomness
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
