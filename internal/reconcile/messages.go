package reconcile

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/palaver/internal/chat"
	"github.com/matheus3301/palaver/internal/normalize"
)

// CreateOptimistic builds a provisional outgoing message whose id is its
// client temp id. It is appended when receiver's conversation is open. The
// caller is responsible for delivering it.
func (r *Reconciler) CreateOptimistic(text string, atts []chat.Attachment, receiver, sender chat.UserID) (chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.self.UserID.IsZero() {
		return chat.Message{}, ErrNoSession
	}
	if sender.IsZero() {
		sender = r.self.UserID
	}
	if receiver.IsZero() || receiver == sender {
		return chat.Message{}, chat.ErrInvalidRecipient
	}

	tempID := r.nextTempID()
	m := chat.Message{
		ID:           tempID,
		ClientTempID: tempID,
		Text:         text,
		Attachments:  slices.Clone(atts),
		Sender:       sender,
		Receiver:     receiver,
		CreatedAt:    r.now(),
		State:        chat.StatePending,
	}

	visible := receiver == r.open
	if visible {
		r.messages = append(r.messages, m.Clone())
	}
	r.touchPreviewLocked(receiver, &m)
	r.bus.Notify(KindMessageUpserted, MessageEvent{Partner: receiver, Message: m.Clone(), Visible: visible})
	return m, nil
}

// ReconcileConfirmation folds the server's copy of an outgoing message into
// its optimistic entry. If the confirmed id is already listed the optimistic
// entry is dropped; otherwise it is overwritten in place.
func (r *Reconciler) ReconcileConfirmation(tempID string, confirmed chat.Message) (Outcome, error) {
	if tempID == "" {
		return OutcomeNotVisible, fmt.Errorf("%w: empty temp id", chat.ErrUnknownMessage)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.self.UserID.IsZero() {
		return OutcomeNotVisible, ErrNoSession
	}

	if confirmed.ID == "" {
		confirmed.ID = tempID
	}
	i := r.pendingIndexLocked(tempID)
	if i < 0 {
		if j := r.optimisticIndexLocked(tempID, ""); j >= 0 {
			// Already confirmed, by an earlier ack or by the push echo. A
			// message is confirmed once.
			if r.messages[j].ID == confirmed.ID {
				return OutcomeAlreadyPresent, nil
			}
			return OutcomeAlreadyConfirmed, nil
		}
	}
	r.seen.add(idKey(confirmed.ID))

	if confirmed.ID != tempID && r.indexByIDLocked(confirmed.ID) >= 0 {
		if i < 0 {
			return OutcomeAlreadyPresent, nil
		}
		removed := r.messages[i]
		r.messages = slices.Delete(r.messages, i, i+1)
		r.bus.Notify(KindMessageRemoved, MessageEvent{Partner: removed.Partner(r.self.UserID), Message: removed.Clone(), Visible: true})
		return OutcomeRemoved, nil
	}

	if i < 0 {
		// The conversation was closed or switched; report the confirmation
		// so persistence still sees it.
		confirmed.ClientTempID = tempID
		confirmed.State = chat.StateConfirmed
		partner := confirmed.Partner(r.self.UserID)
		r.bus.Notify(KindMessageUpserted, MessageEvent{Partner: partner, Message: confirmed.Clone(), ReplacedID: tempID})
		return OutcomeNotVisible, nil
	}
	replaced := r.messages[i].ID
	mergeInto(&r.messages[i], confirmed)
	m := r.messages[i]
	r.touchPreviewLocked(m.Partner(r.self.UserID), &m)
	r.bus.Notify(KindMessageUpserted, MessageEvent{Partner: m.Partner(r.self.UserID), Message: m.Clone(), Visible: true, ReplacedID: replaced})
	return OutcomeMerged, nil
}

// FailConfirmation marks an optimistic entry sent to partner as failed. The
// entry stays in the list. When it is not in the open conversation only the
// state change is published. An entry that is already confirmed is left
// alone and OutcomeAlreadyConfirmed is returned.
func (r *Reconciler) FailConfirmation(partner chat.UserID, tempID, reason string) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.optimisticIndexLocked(tempID, "")
	if i >= 0 && r.messages[i].State == chat.StateConfirmed {
		return OutcomeAlreadyConfirmed
	}
	if i < 0 {
		r.bus.Notify(KindMessageStateChanged, MessageStateEvent{Partner: partner, ID: tempID, State: chat.StateFailed, Error: reason})
		return OutcomeNotVisible
	}
	r.messages[i].State = chat.StateFailed
	r.messages[i].Error = reason
	m := r.messages[i]
	r.bus.Notify(KindMessageUpserted, MessageEvent{Partner: m.Receiver, Message: m.Clone(), Visible: true})
	return OutcomeMerged
}

// MarkPending flips a failed entry sent to partner back to pending before a
// retry. It reports false when the entry is not in the open conversation, in
// which case only the state change is published, or when it is confirmed.
func (r *Reconciler) MarkPending(partner chat.UserID, tempID string) (chat.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.optimisticIndexLocked(tempID, "")
	if i < 0 {
		r.bus.Notify(KindMessageStateChanged, MessageStateEvent{Partner: partner, ID: tempID, State: chat.StatePending})
		return chat.Message{}, false
	}
	if r.messages[i].State == chat.StateConfirmed {
		return chat.Message{}, false
	}
	r.messages[i].State = chat.StatePending
	r.messages[i].Error = ""
	m := r.messages[i]
	r.bus.Notify(KindMessageUpserted, MessageEvent{Partner: m.Receiver, Message: m.Clone(), Visible: true})
	return m.Clone(), true
}

// Lookup returns the open-conversation entry whose id or client temp id is
// id.
func (r *Reconciler) Lookup(id string) (chat.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.optimisticIndexLocked(id, "")
	if i < 0 {
		return chat.Message{}, false
	}
	return r.messages[i].Clone(), true
}

// IngestPush normalizes a raw message push and merges it.
func (r *Reconciler) IngestPush(raw []byte) (Outcome, error) {
	m, err := normalize.Message(raw)
	if err != nil {
		r.logger.Warn("discarding malformed message push", zap.Error(err))
		return OutcomeIgnored, err
	}
	return r.IngestMessage(m)
}

// IngestMessage merges a normalized pushed message. Replaying the same
// message is a no-op.
func (r *Reconciler) IngestMessage(m chat.Message) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	self := r.self.UserID
	if self.IsZero() {
		return OutcomeIgnored, ErrNoSession
	}
	key := dedupKey(&m)
	if key == "" {
		r.logger.Warn("discarding message push without identifier",
			zap.String("sender", m.Sender.String()))
		return OutcomeIgnored, fmt.Errorf("%w: no id, temp id or sender timestamp", chat.ErrMalformedPush)
	}
	if r.seen.has(key) {
		return OutcomeDuplicate, nil
	}
	if !m.Involves(self) {
		return OutcomeIgnored, nil
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now()
	}
	m.State = chat.StateConfirmed
	partner := m.Partner(self)

	if partner == r.open && !partner.IsZero() {
		outcome := r.mergeVisibleLocked(m)
		r.seen.add(key)
		return outcome, nil
	}

	f := r.friendLocked(partner)
	if f == nil {
		r.logger.Debug("message from unknown partner", zap.String("partner", partner.String()))
		return OutcomeUnknownPartner, nil
	}
	r.seen.add(key)
	if m.Sender != self {
		f.UnreadCount++
	}
	r.touchPreviewLocked(partner, &m)
	r.bus.Notify(KindMessageUpserted, MessageEvent{Partner: partner, Message: m.Clone()})
	return OutcomeRoutedToRoster, nil
}

func (r *Reconciler) mergeVisibleLocked(m chat.Message) Outcome {
	partner := m.Partner(r.self.UserID)
	if m.ID != "" && r.indexByIDLocked(m.ID) >= 0 {
		return OutcomeAlreadyPresent
	}

	i := -1
	if m.ClientTempID != "" {
		if j := r.optimisticIndexLocked(m.ClientTempID, ""); j >= 0 && r.messages[j].State == chat.StateConfirmed {
			return OutcomeAlreadyPresent
		}
		i = r.pendingIndexLocked(m.ClientTempID)
	}
	if i < 0 {
		i = r.heuristicIndexLocked(&m)
	}
	if i >= 0 {
		replaced := r.messages[i].ID
		mergeInto(&r.messages[i], m)
		merged := r.messages[i]
		r.touchPreviewLocked(partner, &merged)
		r.bus.Notify(KindMessageUpserted, MessageEvent{Partner: partner, Message: merged.Clone(), Visible: true, ReplacedID: replaced})
		return OutcomeMerged
	}

	if m.ID == "" {
		m.ID = m.ClientTempID
	}
	r.messages = append(r.messages, m.Clone())
	r.touchPreviewLocked(partner, &m)
	r.bus.Notify(KindMessageUpserted, MessageEvent{Partner: partner, Message: m.Clone(), Visible: true})
	return OutcomeAppended
}

// heuristicIndexLocked finds an unconfirmed optimistic entry with the same
// direction and text whose timestamp is within the match window.
func (r *Reconciler) heuristicIndexLocked(m *chat.Message) int {
	for i := range r.messages {
		e := &r.messages[i]
		if e.ClientTempID == "" || e.State == chat.StateConfirmed {
			continue
		}
		if e.Sender != m.Sender || e.Receiver != m.Receiver || e.Text != m.Text {
			continue
		}
		if absDuration(e.CreatedAt.Sub(m.CreatedAt)) <= r.window {
			return i
		}
	}
	return -1
}

// SetOpenConversation switches the visible conversation, empties its list
// until history arrives, and clears the friend's unread counter. The returned
// ticket must accompany the history page. An empty id closes the conversation.
func (r *Reconciler) SetOpenConversation(friendID chat.UserID) (Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.self.UserID.IsZero() {
		return Ticket{}, ErrNoSession
	}
	if friendID == r.self.UserID {
		return Ticket{}, chat.ErrInvalidRecipient
	}
	r.generation++
	r.open = friendID
	r.messages = nil
	t := Ticket{FriendID: friendID, Generation: r.generation}
	if f := r.friendLocked(friendID); f != nil && f.UnreadCount != 0 {
		f.UnreadCount = 0
		r.publishFriendLocked(friendID)
	}
	r.bus.Notify(KindConversationOpened, ConversationEvent{FriendID: friendID, Ticket: t})
	return t, nil
}

// ApplyHistory replaces the open conversation with a fetched page. Duplicate
// ids in the page keep the position of their first occurrence and the content
// of their last. Entries added since the conversation was opened and absent
// from the page are kept after it. A ticket for a conversation that is no
// longer open yields chat.ErrFetchSuperseded and changes nothing.
func (r *Reconciler) ApplyHistory(t Ticket, page []chat.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Generation != r.generation || t.FriendID != r.open || r.open.IsZero() {
		return fmt.Errorf("%w: history for %s", chat.ErrFetchSuperseded, t.FriendID)
	}

	self := r.self.UserID
	next := make([]chat.Message, 0, len(page)+len(r.messages))
	pos := make(map[string]int, len(page))
	temps := make(map[string]struct{})
	for _, m := range page {
		if m.ID == "" || !m.Involves(t.FriendID) || !m.Involves(self) {
			continue
		}
		m = m.Clone()
		provisional := m.ClientTempID != "" && m.ID == m.ClientTempID
		switch {
		case !provisional:
			m.State = chat.StateConfirmed
			m.Error = ""
		case m.State == "" || m.State == chat.StateConfirmed:
			// Cached sends that never got a server id are not confirmed.
			m.State = chat.StatePending
		}
		if m.ClientTempID != "" {
			temps[m.ClientTempID] = struct{}{}
		}
		if i, ok := pos[m.ID]; ok {
			next[i] = m
			continue
		}
		pos[m.ID] = len(next)
		next = append(next, m)
		if !provisional {
			r.seen.add(idKey(m.ID))
		}
	}
	for _, m := range r.messages {
		if _, ok := pos[m.ID]; ok {
			continue
		}
		if _, ok := temps[m.ClientTempID]; ok && m.ClientTempID != "" {
			continue
		}
		next = append(next, m)
	}
	r.messages = next
	r.bus.Notify(KindHistoryLoaded, HistoryEvent{FriendID: t.FriendID, Messages: cloneMessages(next)})
	return nil
}

// OpenConversation returns the id of the open friend, if any.
func (r *Reconciler) OpenConversation() chat.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// OpenTicket returns the ticket of the open conversation, for refetching its
// history without reopening it.
func (r *Reconciler) OpenTicket() (Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open.IsZero() {
		return Ticket{}, false
	}
	return Ticket{FriendID: r.open, Generation: r.generation}, true
}

func (r *Reconciler) indexByIDLocked(id string) int {
	return slices.IndexFunc(r.messages, func(m chat.Message) bool { return m.ID == id })
}

// optimisticIndexLocked finds the entry whose id or client temp id is
// tempID, skipping the entry whose id is skipID.
func (r *Reconciler) optimisticIndexLocked(tempID, skipID string) int {
	return slices.IndexFunc(r.messages, func(m chat.Message) bool {
		if skipID != "" && m.ID == skipID {
			return false
		}
		return m.ID == tempID || (m.ClientTempID != "" && m.ClientTempID == tempID)
	})
}

// pendingIndexLocked finds the unconfirmed entry whose id or client temp id
// is tempID.
func (r *Reconciler) pendingIndexLocked(tempID string) int {
	return slices.IndexFunc(r.messages, func(m chat.Message) bool {
		if m.State == chat.StateConfirmed {
			return false
		}
		return m.ID == tempID || (m.ClientTempID != "" && m.ClientTempID == tempID)
	})
}

// touchPreviewLocked moves the partner's preview forward to m unless it
// already shows something newer, then publishes the roster entry.
func (r *Reconciler) touchPreviewLocked(partner chat.UserID, m *chat.Message) {
	f := r.friendLocked(partner)
	if f == nil {
		return
	}
	if f.LastMessage == nil || !f.LastMessage.CreatedAt.After(m.CreatedAt) {
		f.LastMessage = &chat.Preview{Text: chat.PreviewText(m), CreatedAt: m.CreatedAt}
	}
	r.publishFriendLocked(partner)
}

// mergeInto overwrites the server-owned fields of an optimistic entry,
// keeping its text and client temp id.
func mergeInto(dst *chat.Message, src chat.Message) {
	if src.ID != "" {
		dst.ID = src.ID
	}
	if !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
	if len(src.Attachments) > 0 {
		dst.Attachments = slices.Clone(src.Attachments)
	}
	dst.State = chat.StateConfirmed
	dst.Error = ""
}

func dedupKey(m *chat.Message) string {
	switch {
	case m.ID != "":
		return idKey(m.ID)
	case m.ClientTempID != "":
		return "tmp:" + m.ClientTempID
	case !m.Sender.IsZero() && !m.CreatedAt.IsZero():
		return "at:" + m.Sender.String() + ":" + strconv.FormatInt(m.CreatedAt.UnixMilli(), 10)
	}
	return ""
}

func idKey(id string) string { return "id:" + id }

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
