package normalize

import (
	"fmt"

	"github.com/matheus3301/palaver/internal/chat"
	"github.com/tidwall/gjson"
)

// PresenceSnapshot normalizes the list of online users: a bare array of ids
// or user objects, or an object holding that array.
func PresenceSnapshot(raw []byte) ([]chat.UserID, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid presence snapshot", chat.ErrMalformedPush)
	}
	r := gjson.ParseBytes(raw)
	if !r.IsArray() && !r.IsObject() {
		return nil, fmt.Errorf("%w: presence snapshot is not a list", chat.ErrMalformedPush)
	}
	items, _ := unwrapArray(r, presenceSnapshotFields)
	ids := make([]chat.UserID, 0, len(items))
	for _, it := range items {
		if id := UserID(it); !id.IsZero() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// PresenceDelta normalizes {id|userId, online|isOnline}. implied supplies the
// online value for event names that carry it themselves (userOnline).
func PresenceDelta(raw []byte, implied *bool) (chat.UserID, bool, error) {
	if !gjson.ValidBytes(raw) {
		return "", false, fmt.Errorf("%w: invalid presence delta", chat.ErrMalformedPush)
	}
	r := gjson.ParseBytes(raw)
	var id chat.UserID
	if r.IsObject() {
		id = UserID(first(r, presenceIDFields))
	} else {
		id = UserID(r)
	}
	if id.IsZero() {
		return "", false, fmt.Errorf("%w: presence delta without user id", chat.ErrMalformedPush)
	}
	if v := first(r, presenceOnlineFields); v.Exists() {
		return id, v.Bool(), nil
	}
	if implied != nil {
		return id, *implied, nil
	}
	return "", false, fmt.Errorf("%w: presence delta without online flag", chat.ErrMalformedPush)
}
