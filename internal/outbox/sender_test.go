package outbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matheus3301/palaver/internal/bus"
	"github.com/matheus3301/palaver/internal/chat"
	"github.com/matheus3301/palaver/internal/reconcile"
	"github.com/matheus3301/palaver/internal/session"
	"github.com/matheus3301/palaver/internal/store"
	"github.com/matheus3301/palaver/internal/transport"
)

// fakeEmitter records sendMessage calls and answers with a canned ack.
type fakeEmitter struct {
	mu        sync.Mutex
	connected bool
	reply     string
	err       error
	calls     []map[string]string
	// before runs ahead of the reply, like a push that beats the ack.
	before func(payload map[string]string)
}

func (f *fakeEmitter) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeEmitter) Call(_ context.Context, event string, payload any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event != transport.EventSendMessage {
		return nil, nil
	}
	f.calls = append(f.calls, payload.(map[string]string))
	if f.before != nil {
		f.before(payload.(map[string]string))
	}
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.reply), nil
}

func (f *fakeEmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeUploader struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeUploader) UploadMessage(_ context.Context, to chat.UserID, text, tempID string, paths []string) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, paths...)
	return chat.Message{
		ID:          "srv-upload",
		Sender:      "me",
		Receiver:    to,
		Text:        text,
		CreatedAt:   time.Now(),
		Attachments: []chat.Attachment{{Name: filepath.Base(paths[0]), Kind: chat.MediaImage, URL: "/uploads/x"}},
	}, nil
}

type harness struct {
	db      *store.DB
	rec     *reconcile.Reconciler
	bus     *bus.Bus
	emitter *fakeEmitter
	upload  *fakeUploader
	sender  *Sender
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		db:      testDB(t),
		bus:     bus.New(),
		emitter: &fakeEmitter{connected: true, reply: `{"ok":true,"data":{"_id":"srv-1","createdAt":"2026-03-14T12:00:00Z"}}`},
		upload:  &fakeUploader{},
	}
	h.rec = reconcile.New(h.bus, logger)
	require.NoError(t, h.rec.Init(session.Identity{UserID: "me", Name: "Me"}))
	h.rec.ReplaceRoster([]chat.Friend{{ID: "f1", Name: "Ana"}})
	_, err := h.rec.SetOpenConversation("f1")
	require.NoError(t, err)

	cfg.RatePerSecond = 100
	cfg.Burst = 10
	cfg.PollInterval = 20 * time.Millisecond
	h.sender = NewSender(h.db, h.rec, h.emitter, h.upload, h.bus, logger, cfg)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.sender.Start(context.Background())
	t.Cleanup(h.sender.Stop)
}

func (h *harness) visible(t *testing.T) []chat.Message {
	t.Helper()
	return h.rec.Snapshot().Messages
}

func (h *harness) waitStatus(t *testing.T, tempID string, want store.OutboxStatus) *store.OutboxEntry {
	t.Helper()
	var entry *store.OutboxEntry
	require.Eventually(t, func() bool {
		e, err := h.db.GetOutbox(tempID)
		if err != nil || e == nil {
			return false
		}
		entry = e
		return e.Status == want
	}, 2*time.Second, 10*time.Millisecond, "outbox entry %s never reached %s", tempID, want)
	return entry
}

func TestSendConfirmsOptimisticEntry(t *testing.T) {
	h := newHarness(t, Config{})
	acks, unsub := h.bus.Subscribe(10, KindSendAck)
	defer unsub()
	h.start(t)

	m, err := h.sender.Send(context.Background(), "f1", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, chat.StatePending, m.State)
	assert.Equal(t, m.ClientTempID, m.ID)

	entry := h.waitStatus(t, m.ClientTempID, store.OutboxSent)
	assert.Equal(t, "srv-1", entry.ServerMsgID)
	assert.Equal(t, 1, entry.Attempts)

	msgs := h.visible(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, chat.StateConfirmed, msgs[0].State)

	h.emitter.mu.Lock()
	call := h.emitter.calls[0]
	h.emitter.mu.Unlock()
	assert.Equal(t, map[string]string{"to": "f1", "text": "hello", "clientTempId": m.ClientTempID}, call)

	select {
	case evt := <-acks:
		ack := evt.Payload.(SendAck)
		assert.Equal(t, "srv-1", ack.ServerMsgID)
	case <-time.After(time.Second):
		t.Fatal("no send ack published")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connected = false
	h.start(t)

	m, err := h.sender.Send(context.Background(), "f1", "hello", nil)
	require.ErrorIs(t, err, chat.ErrNotConnected)
	assert.Equal(t, chat.StateFailed, m.State)

	msgs := h.visible(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.StateFailed, msgs[0].State)
	assert.Equal(t, m.ClientTempID, msgs[0].ID)

	e, err := h.db.GetOutbox(m.ClientTempID)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxFailed, e.Status)
	assert.Zero(t, h.emitter.callCount())
}

func TestSendRejectedByServer(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.reply = `{"ok":false,"message":"receiver blocked you"}`
	failures, unsub := h.bus.Subscribe(10, KindSendFailed)
	defer unsub()
	h.start(t)

	m, err := h.sender.Send(context.Background(), "f1", "hello", nil)
	require.NoError(t, err)

	entry := h.waitStatus(t, m.ClientTempID, store.OutboxFailed)
	assert.Contains(t, entry.ErrorMessage, "receiver blocked you")

	msgs := h.visible(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.StateFailed, msgs[0].State)
	assert.Contains(t, msgs[0].Error, "receiver blocked you")

	select {
	case evt := <-failures:
		assert.Equal(t, m.ClientTempID, evt.Payload.(SendFailure).ClientTempID)
	case <-time.After(time.Second):
		t.Fatal("no failure published")
	}
}

func TestSendAckTimeout(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.err = transport.ErrAckTimeout
	h.start(t)

	m, err := h.sender.Send(context.Background(), "f1", "hello", nil)
	require.NoError(t, err)
	entry := h.waitStatus(t, m.ClientTempID, store.OutboxFailed)
	assert.Contains(t, entry.ErrorMessage, "ack")
}

func TestAckTimeoutAfterPushEchoKeepsSend(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.err = transport.ErrAckTimeout
	h.emitter.before = func(p map[string]string) {
		_, err := h.rec.IngestMessage(chat.Message{
			ID: "srv-echo", ClientTempID: p["clientTempId"], Sender: "me", Receiver: "f1", Text: p["text"], CreatedAt: time.Now(),
		})
		assert.NoError(t, err)
	}
	failures, unsub := h.bus.Subscribe(10, KindSendFailed)
	defer unsub()
	h.start(t)

	m, err := h.sender.Send(context.Background(), "f1", "hello", nil)
	require.NoError(t, err)

	entry := h.waitStatus(t, m.ClientTempID, store.OutboxSent)
	assert.Equal(t, "srv-echo", entry.ServerMsgID)

	msgs := h.visible(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-echo", msgs[0].ID)
	assert.Equal(t, chat.StateConfirmed, msgs[0].State)
	assert.Empty(t, msgs[0].Error)
	assert.Empty(t, failures)

	require.ErrorIs(t, h.sender.Retry(context.Background(), m.ClientTempID), chat.ErrUnknownMessage)
}

func TestRetryIsBounded(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 2})
	h.emitter.reply = `{"ok":false,"message":"nope"}`
	h.start(t)

	m, err := h.sender.Send(context.Background(), "f1", "hello", nil)
	require.NoError(t, err)
	h.waitStatus(t, m.ClientTempID, store.OutboxFailed)

	require.NoError(t, h.sender.Retry(context.Background(), m.ClientTempID))
	require.Eventually(t, func() bool { return h.emitter.callCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	entry := h.waitStatus(t, m.ClientTempID, store.OutboxFailed)
	assert.Equal(t, 2, entry.Attempts)

	err = h.sender.Retry(context.Background(), m.ClientTempID)
	require.ErrorIs(t, err, chat.ErrRetryExhausted)
}

func TestRetrySucceeds(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connected = false
	h.start(t)

	m, err := h.sender.Send(context.Background(), "f1", "hello", nil)
	require.ErrorIs(t, err, chat.ErrNotConnected)

	require.ErrorIs(t, h.sender.Retry(context.Background(), m.ClientTempID), chat.ErrNotConnected)

	h.emitter.mu.Lock()
	h.emitter.connected = true
	h.emitter.mu.Unlock()
	require.NoError(t, h.sender.Retry(context.Background(), m.ClientTempID))

	h.waitStatus(t, m.ClientTempID, store.OutboxSent)
	msgs := h.visible(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, chat.StateConfirmed, msgs[0].State)
}

func TestRetryUnknownMessage(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.sender.Retry(context.Background(), "temp-missing")
	require.ErrorIs(t, err, chat.ErrUnknownMessage)
}

func TestSendInvalidRecipient(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.sender.Send(context.Background(), "me", "hello", nil)
	require.ErrorIs(t, err, chat.ErrInvalidRecipient)
	_, err = h.sender.Send(context.Background(), "", "hello", nil)
	require.ErrorIs(t, err, chat.ErrInvalidRecipient)

	pending, err := h.db.ListOutbox(store.OutboxQueued)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, h.visible(t))
}

func TestSendWithAttachmentUploads(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connected = false
	h.start(t)

	path := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o600))

	m, err := h.sender.Send(context.Background(), "f1", "look", []string{path})
	require.NoError(t, err)
	require.Len(t, m.Attachments, 1)
	assert.Equal(t, chat.MediaImage, m.Attachments[0].Kind)
	assert.Equal(t, int64(3), m.Attachments[0].Size)

	h.waitStatus(t, m.ClientTempID, store.OutboxSent)
	msgs := h.visible(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-upload", msgs[0].ID)
	assert.Equal(t, "/uploads/x", msgs[0].Attachments[0].URL)
	assert.Zero(t, h.emitter.callCount())
}

func TestSendMissingAttachment(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.sender.Send(context.Background(), "f1", "", []string{filepath.Join(t.TempDir(), "nope.png")})
	require.Error(t, err)
	assert.Empty(t, h.visible(t))
}

func TestStartFailsInterruptedSends(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.db.QueueOutbox(store.OutboxEntry{ClientTempID: "temp-old", Receiver: "f1", Body: "hi", CreatedAt: time.Now()}))
	require.NoError(t, h.db.MarkOutboxSending("temp-old"))

	h.start(t)

	e, err := h.db.GetOutbox("temp-old")
	require.NoError(t, err)
	assert.Equal(t, store.OutboxFailed, e.Status)
	assert.Zero(t, h.emitter.callCount())
}

func TestSendKeepsOrder(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.reply = `{"ok":true}`
	h.start(t)

	for _, text := range []string{"one", "two", "three"} {
		_, err := h.sender.Send(context.Background(), "f1", text, nil)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return h.emitter.callCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	h.emitter.mu.Lock()
	defer h.emitter.mu.Unlock()
	for i, text := range []string{"one", "two", "three"} {
		assert.Equal(t, text, h.emitter.calls[i]["text"])
	}
}
