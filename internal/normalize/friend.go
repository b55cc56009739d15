package normalize

import (
	"github.com/matheus3301/palaver/internal/chat"
	"github.com/tidwall/gjson"
)

// Friend normalizes a roster entry. The user may be embedded under "user" or
// "friend" next to per-friendship fields such as lastMessage.
func Friend(r gjson.Result) chat.Friend {
	user := r
	for _, w := range friendWrapperFields {
		if v := r.Get(w); v.IsObject() {
			user = v
			break
		}
	}
	f := chat.Friend{
		ID:          UserID(first(user, userIDFields)),
		Name:        firstString(user, friendNameFields),
		Email:       user.Get("email").String(),
		UnreadCount: int(first(r, unreadFields).Int()),
	}
	if f.Name == "" {
		f.Name = unknownUserName
	}
	if f.UnreadCount < 0 {
		f.UnreadCount = 0
	}
	if lm := first(r, lastMessageFields); lm.Exists() {
		f.LastMessage = preview(lm)
	}
	return f
}

func preview(r gjson.Result) *chat.Preview {
	if r.Type == gjson.String {
		return &chat.Preview{Text: r.Str}
	}
	if !r.IsObject() {
		return nil
	}
	p := &chat.Preview{Text: first(r, textFields).String()}
	if t, ok := Time(first(r, createdAtFields)); ok {
		p.CreatedAt = t
	}
	return p
}

// FriendList normalizes a roster response: a bare array or one wrapped in
// "friends", "data" or "users". Entries without an id are dropped.
func FriendList(raw []byte) []chat.Friend {
	if !gjson.ValidBytes(raw) {
		return nil
	}
	items, _ := unwrapArray(gjson.ParseBytes(raw), friendListWrappers)
	friends := make([]chat.Friend, 0, len(items))
	for _, it := range items {
		f := Friend(it)
		if f.ID.IsZero() {
			continue
		}
		friends = append(friends, f)
	}
	return friends
}

// User normalizes a single user object, optionally wrapped in "user".
func User(raw []byte) chat.Friend {
	if !gjson.ValidBytes(raw) {
		return chat.Friend{}
	}
	return Friend(gjson.ParseBytes(raw))
}

// UserList normalizes user search results.
func UserList(raw []byte) []chat.Friend {
	return FriendList(raw)
}
