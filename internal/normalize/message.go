package normalize

import (
	"fmt"
	"path"
	"time"

	"github.com/matheus3301/palaver/internal/chat"
	"github.com/tidwall/gjson"
)

// Message normalizes a single message payload. The CreatedAt field is left
// zero when the payload carries no usable timestamp; callers decide the
// default.
func Message(raw []byte) (chat.Message, error) {
	if !gjson.ValidBytes(raw) {
		return chat.Message{}, fmt.Errorf("%w: invalid json", chat.ErrMalformedPush)
	}
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return chat.Message{}, fmt.Errorf("%w: not an object", chat.ErrMalformedPush)
	}
	return MessageFrom(r), nil
}

// MessageFrom normalizes an already parsed message object.
func MessageFrom(r gjson.Result) chat.Message {
	m := chat.Message{
		ID:           firstString(r, idFields),
		ClientTempID: firstString(r, tempIDFields),
		Text:         first(r, textFields).String(),
		Sender:       UserID(first(r, senderFields)),
		Receiver:     UserID(first(r, receiverFields)),
	}
	if t, ok := Time(first(r, createdAtFields)); ok {
		m.CreatedAt = t
	}
	for _, a := range first(r, attachmentFields).Array() {
		m.Attachments = append(m.Attachments, Attachment(a))
	}
	return m
}

// Attachment normalizes an attachment descriptor. Bare strings are treated
// as locators.
func Attachment(r gjson.Result) chat.Attachment {
	if r.Type == gjson.String {
		return chat.Attachment{Name: path.Base(r.Str), Kind: KindFromName(r.Str), URL: r.Str}
	}
	a := chat.Attachment{
		Name: firstString(r, attachmentNameFields),
		Size: first(r, attachmentSizeFields).Int(),
		URL:  firstString(r, attachmentURLFields),
	}
	if k := firstString(r, attachmentKindFields); k != "" {
		a.Kind = mediaKind(k)
	} else {
		a.Kind = KindFromName(a.Name)
	}
	if a.Name == "" && a.URL != "" {
		a.Name = path.Base(a.URL)
	}
	return a
}

// MessageList normalizes a history page: a bare array or one wrapped in
// "messages" or "data".
func MessageList(raw []byte) []chat.Message {
	if !gjson.ValidBytes(raw) {
		return nil
	}
	items, _ := unwrapArray(gjson.ParseBytes(raw), messageListWrappers)
	msgs := make([]chat.Message, 0, len(items))
	for _, it := range items {
		if it.IsObject() {
			msgs = append(msgs, MessageFrom(it))
		}
	}
	return msgs
}

// Record normalizes a single saved message returned by the REST API, either
// bare or wrapped in "data" or "message".
func Record(raw []byte) (chat.Message, error) {
	if !gjson.ValidBytes(raw) {
		return chat.Message{}, fmt.Errorf("invalid json record")
	}
	r := gjson.ParseBytes(raw)
	for _, w := range recordWrappers {
		if v := r.Get(w); v.IsObject() {
			return MessageFrom(v), nil
		}
	}
	if !r.IsObject() {
		return chat.Message{}, fmt.Errorf("record is not an object")
	}
	return MessageFrom(r), nil
}

// AckResult is the normalized acknowledgment of a sendMessage emit.
type AckResult struct {
	OK        bool
	ID        string
	CreatedAt time.Time
	Message   string
}

// Ack normalizes {ok, data:{id, createdAt}} / {ok:false, message}. A missing
// "ok" counts as success when a message id is present.
func Ack(raw []byte) (AckResult, error) {
	if !gjson.ValidBytes(raw) {
		return AckResult{}, fmt.Errorf("invalid ack payload")
	}
	r := gjson.ParseBytes(raw)
	data := r
	for _, w := range recordWrappers {
		if v := r.Get(w); v.IsObject() {
			data = v
			break
		}
	}
	res := AckResult{
		ID:      firstString(data, idFields),
		Message: firstString(r, errorMessageFields),
	}
	if t, ok := Time(first(data, createdAtFields)); ok {
		res.CreatedAt = t
	}
	if ok := r.Get("ok"); ok.Exists() {
		res.OK = ok.Bool()
	} else {
		res.OK = res.ID != ""
	}
	return res, nil
}
