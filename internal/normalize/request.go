package normalize

import (
	"fmt"

	"github.com/matheus3301/palaver/internal/chat"
	"github.com/tidwall/gjson"
)

// RequestNotice is a normalized friend-request lifecycle notification.
// Exactly one of the shapes is populated.
type RequestNotice struct {
	Count  *int
	List   []chat.FriendRequest
	IsList bool
	Single *chat.FriendRequest
}

// FriendRequestNotice accepts a numeric count, an array of requests or a
// single request object. Objects carrying only a count field are counts.
func FriendRequestNotice(raw []byte) (RequestNotice, error) {
	if !gjson.ValidBytes(raw) {
		return RequestNotice{}, fmt.Errorf("%w: invalid request notice", chat.ErrMalformedPush)
	}
	r := gjson.ParseBytes(raw)
	switch {
	case r.Type == gjson.Number:
		n := max(int(r.Int()), 0)
		return RequestNotice{Count: &n}, nil
	case r.IsArray():
		return RequestNotice{List: requestList(r.Array()), IsList: true}, nil
	case r.IsObject():
		if items, ok := unwrapArray(r, requestListWrappers); ok {
			return RequestNotice{List: requestList(items), IsList: true}, nil
		}
		req := FriendRequest(r)
		if req.From.IsZero() {
			if c := first(r, requestCountFields); c.Type == gjson.Number {
				n := max(int(c.Int()), 0)
				return RequestNotice{Count: &n}, nil
			}
			return RequestNotice{}, fmt.Errorf("%w: request notice without requester", chat.ErrMalformedPush)
		}
		return RequestNotice{Single: &req}, nil
	}
	return RequestNotice{}, fmt.Errorf("%w: unsupported request notice", chat.ErrMalformedPush)
}

// FriendRequest normalizes {from, name, email}; the requester may also be an
// embedded user object.
func FriendRequest(r gjson.Result) chat.FriendRequest {
	if r.Type == gjson.String || r.Type == gjson.Number {
		return chat.FriendRequest{From: UserID(r)}
	}
	user := r
	for _, w := range friendWrapperFields {
		if v := r.Get(w); v.IsObject() {
			user = v
			break
		}
	}
	from := first(r, requestFromFields)
	switch {
	case from.IsObject():
		user = from
	case !from.Exists():
		from = first(user, userIDFields)
	}
	return chat.FriendRequest{
		From:  UserID(from),
		Name:  firstString(user, friendNameFields),
		Email: user.Get("email").String(),
	}
}

// RequestList normalizes the pending-request listing of the REST API,
// dropping duplicates by requester.
func RequestList(raw []byte) []chat.FriendRequest {
	if !gjson.ValidBytes(raw) {
		return nil
	}
	items, _ := unwrapArray(gjson.ParseBytes(raw), requestListWrappers)
	return requestList(items)
}

func requestList(items []gjson.Result) []chat.FriendRequest {
	seen := make(map[chat.UserID]bool, len(items))
	out := make([]chat.FriendRequest, 0, len(items))
	for _, it := range items {
		req := FriendRequest(it)
		if req.From.IsZero() || seen[req.From] {
			continue
		}
		seen[req.From] = true
		out = append(out, req)
	}
	return out
}

// RequesterID extracts the requester of a friendAccepted/friendRejected event.
func RequesterID(raw []byte) (chat.UserID, error) {
	if !gjson.ValidBytes(raw) {
		return "", fmt.Errorf("%w: invalid request event", chat.ErrMalformedPush)
	}
	req := FriendRequest(gjson.ParseBytes(raw))
	if req.From.IsZero() {
		return "", fmt.Errorf("%w: request event without requester", chat.ErrMalformedPush)
	}
	return req.From, nil
}
