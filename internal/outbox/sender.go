// Package outbox delivers outgoing messages. Every send is recorded in the
// store before it touches the network, drained by a single worker under a
// rate limit, and confirmed or failed through the reconciler.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/palaver/internal/bus"
	"github.com/matheus3301/palaver/internal/chat"
	"github.com/matheus3301/palaver/internal/normalize"
	"github.com/matheus3301/palaver/internal/reconcile"
	"github.com/matheus3301/palaver/internal/store"
	"github.com/matheus3301/palaver/internal/transport"
)

// Bus event kinds.
const (
	KindSendAck    = "outbox.send_ack"
	KindSendFailed = "outbox.send_failed"
)

// Emitter is the socket side used for text messages.
type Emitter interface {
	Connected() bool
	Call(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

// Uploader is the REST side used for messages with attachments.
type Uploader interface {
	UploadMessage(ctx context.Context, to chat.UserID, text, clientTempID string, paths []string) (chat.Message, error)
}

// Config tunes delivery.
type Config struct {
	RatePerSecond float64
	Burst         int
	MaxAttempts   int
	AckTimeout    time.Duration
	PollInterval  time.Duration
}

// SendAck is the payload of KindSendAck.
type SendAck struct {
	ClientTempID string
	ServerMsgID  string
}

// SendFailure is the payload of KindSendFailed.
type SendFailure struct {
	ClientTempID string
	Error        string
}

// Sender queues and delivers outgoing messages.
type Sender struct {
	db      *store.DB
	rec     *reconcile.Reconciler
	emitter Emitter
	upload  Uploader
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config
	limiter *rate.Limiter

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, rec *reconcile.Reconciler, emitter Emitter, upload Uploader, b *bus.Bus, logger *zap.Logger, cfg Config) *Sender {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Sender{
		db:      db,
		rec:     rec,
		emitter: emitter,
		upload:  upload,
		bus:     b,
		logger:  logger.Named("outbox"),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		kick:    make(chan struct{}, 1),
	}
}

// Start fails entries a previous run left in flight, then begins draining the
// queue.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.FailInterrupted("interrupted before delivery"); err != nil {
		s.logger.Error("failed to reset interrupted sends", zap.Error(err))
	} else if n > 0 {
		s.logger.Warn("marked interrupted sends as failed", zap.Int64("count", n))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop stops the sender loop and waits for it to exit.
func (s *Sender) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Send creates the optimistic entry for a message and queues it. It returns
// as soon as the message is recorded. Text-only messages need the socket:
// while it is down the entry is created, marked failed and ErrNotConnected is
// returned with it.
func (s *Sender) Send(ctx context.Context, to chat.UserID, text string, paths []string) (chat.Message, error) {
	atts, err := describe(paths)
	if err != nil {
		return chat.Message{}, err
	}
	if text == "" && len(atts) == 0 {
		return chat.Message{}, errors.New("message has no text or attachments")
	}
	m, err := s.rec.CreateOptimistic(text, atts, to, "")
	if err != nil {
		return chat.Message{}, err
	}
	entry := store.OutboxEntry{
		ClientTempID: m.ClientTempID,
		Receiver:     to,
		Body:         text,
		Attachments:  slices.Clone(paths),
		CreatedAt:    m.CreatedAt,
	}
	offline := len(paths) == 0 && !s.emitter.Connected()
	if offline {
		entry.Status = store.OutboxFailed
		entry.ErrorMessage = chat.ErrNotConnected.Error()
	}
	if err := s.db.QueueOutbox(entry); err != nil {
		s.rec.FailConfirmation(to, m.ClientTempID, err.Error())
		return m, fmt.Errorf("queue outbox: %w", err)
	}
	if offline {
		s.fail(m.ClientTempID, to, chat.ErrNotConnected)
		m.State = chat.StateFailed
		m.Error = chat.ErrNotConnected.Error()
		return m, chat.ErrNotConnected
	}
	s.wake()
	return m, nil
}

// Retry requeues a failed send. It fails with chat.ErrUnknownMessage for ids
// that are not failed outbox entries and with chat.ErrRetryExhausted once the
// attempt budget is spent.
func (s *Sender) Retry(ctx context.Context, clientTempID string) error {
	e, err := s.db.GetOutbox(clientTempID)
	if err != nil {
		return err
	}
	if e == nil || e.Status != store.OutboxFailed {
		return fmt.Errorf("%w: %s is not a failed send", chat.ErrUnknownMessage, clientTempID)
	}
	if e.Attempts >= s.cfg.MaxAttempts {
		return fmt.Errorf("%w: %d of %d attempts used", chat.ErrRetryExhausted, e.Attempts, s.cfg.MaxAttempts)
	}
	if len(e.Attachments) == 0 && !s.emitter.Connected() {
		return chat.ErrNotConnected
	}
	if err := s.db.RequeueOutbox(clientTempID); err != nil {
		return err
	}
	s.rec.MarkPending(e.Receiver, clientTempID)
	s.wake()
	return nil
}

func (s *Sender) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sender) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.kick:
			s.processPending(ctx)
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	for _, entry := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		s.deliver(ctx, entry)
	}
}

func (s *Sender) deliver(ctx context.Context, entry store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.ClientTempID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_temp_id", entry.ClientTempID))
		return
	}

	confirmed, err := s.dispatch(ctx, entry)
	if err != nil {
		s.logger.Warn("send failed", zap.Error(err), zap.String("client_temp_id", entry.ClientTempID))
		s.fail(entry.ClientTempID, entry.Receiver, err)
		return
	}

	if _, err := s.rec.ReconcileConfirmation(entry.ClientTempID, confirmed); err != nil {
		s.logger.Warn("confirmation not applied", zap.Error(err), zap.String("client_temp_id", entry.ClientTempID))
	}
	if err := s.db.MarkOutboxSent(entry.ClientTempID, confirmed.ID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_temp_id", entry.ClientTempID))
	}
	s.logger.Info("message sent", zap.String("client_temp_id", entry.ClientTempID), zap.String("server_msg_id", confirmed.ID))
	s.bus.Notify(KindSendAck, SendAck{ClientTempID: entry.ClientTempID, ServerMsgID: confirmed.ID})
}

// dispatch performs one delivery attempt and returns the server's copy,
// filled in with what the client already knows.
func (s *Sender) dispatch(ctx context.Context, entry store.OutboxEntry) (chat.Message, error) {
	self := s.rec.Self().UserID
	confirmed := chat.Message{
		ClientTempID: entry.ClientTempID,
		Text:         entry.Body,
		Sender:       self,
		Receiver:     entry.Receiver,
	}

	if len(entry.Attachments) > 0 {
		saved, err := s.upload.UploadMessage(ctx, entry.Receiver, entry.Body, entry.ClientTempID, entry.Attachments)
		if err != nil {
			return chat.Message{}, fmt.Errorf("%w: %w", chat.ErrSendRejected, err)
		}
		if saved.ID == "" {
			return chat.Message{}, fmt.Errorf("%w: upload response has no message id", chat.ErrSendRejected)
		}
		confirmed.ID = saved.ID
		confirmed.CreatedAt = saved.CreatedAt
		confirmed.Attachments = saved.Attachments
		return confirmed, nil
	}

	actx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
	defer cancel()
	raw, err := s.emitter.Call(actx, transport.EventSendMessage, map[string]string{
		"to":           entry.Receiver.String(),
		"text":         entry.Body,
		"clientTempId": entry.ClientTempID,
	})
	switch {
	case errors.Is(err, transport.ErrNotConnected):
		return chat.Message{}, chat.ErrNotConnected
	case errors.Is(err, transport.ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
		return chat.Message{}, fmt.Errorf("%w: %w", chat.ErrSendRejected, transport.ErrAckTimeout)
	case err != nil:
		return chat.Message{}, err
	}
	ack, err := normalize.Ack(raw)
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: %w", chat.ErrSendRejected, err)
	}
	if !ack.OK {
		reason := ack.Message
		if reason == "" {
			reason = "server refused the message"
		}
		return chat.Message{}, fmt.Errorf("%w: %s", chat.ErrSendRejected, reason)
	}
	confirmed.ID = ack.ID
	confirmed.CreatedAt = ack.CreatedAt
	if confirmed.ID == "" {
		confirmed.ID = entry.ClientTempID
	}
	return confirmed, nil
}

func (s *Sender) fail(tempID string, to chat.UserID, cause error) {
	reason := cause.Error()
	if s.rec.FailConfirmation(to, tempID, reason) == reconcile.OutcomeAlreadyConfirmed {
		// The push echo confirmed the message before the ack failed.
		serverID := tempID
		if m, ok := s.rec.Lookup(tempID); ok {
			serverID = m.ID
		}
		s.logger.Info("send confirmed by push, ignoring failure",
			zap.String("client_temp_id", tempID), zap.String("server_msg_id", serverID), zap.Error(cause))
		if err := s.db.MarkOutboxSent(tempID, serverID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_temp_id", tempID))
		}
		s.bus.Notify(KindSendAck, SendAck{ClientTempID: tempID, ServerMsgID: serverID})
		return
	}
	if err := s.db.MarkOutboxFailed(tempID, reason); err != nil {
		s.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_temp_id", tempID))
	}
	s.bus.Notify(KindSendFailed, SendFailure{ClientTempID: tempID, Error: reason})
}

// describe builds attachment descriptors for local files.
func describe(paths []string) ([]chat.Attachment, error) {
	atts := make([]chat.Attachment, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", p, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("attachment %s is a directory", p)
		}
		name := filepath.Base(p)
		atts = append(atts, chat.Attachment{Name: name, Kind: normalize.KindFromName(name), Size: info.Size()})
	}
	return atts, nil
}
