// Package normalize maps the heterogeneous JSON shapes produced by the chat
// server onto the canonical types in package chat. Every accepted field name
// and wrapper lives in the alias tables below; the functions only walk them.
package normalize

import (
	"mime"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/palaver/internal/chat"
	"github.com/tidwall/gjson"
)

// Alias tables, most preferred first.
var (
	idFields         = []string{"_id", "id"}
	userIDFields     = []string{"_id", "id", "userId", "user_id"}
	tempIDFields     = []string{"clientTempId", "client_temp_id", "tempId"}
	textFields       = []string{"text", "content"}
	senderFields     = []string{"sender", "senderId", "sender_id"}
	receiverFields   = []string{"receiver", "receiverId", "receiver_id", "to"}
	createdAtFields  = []string{"createdAt", "created_at", "timestamp"}
	attachmentFields = []string{"attachments", "files"}

	attachmentNameFields = []string{"name", "filename", "fileName", "originalName"}
	attachmentKindFields = []string{"kind", "type", "mediaType", "mimetype", "mimeType"}
	attachmentSizeFields = []string{"size", "bytes"}
	attachmentURLFields  = []string{"url", "fileUrl", "path", "locator"}

	friendWrapperFields = []string{"user", "friend"}
	friendNameFields    = []string{"name", "username"}
	lastMessageFields   = []string{"lastMessage", "last_message"}
	unreadFields        = []string{"unreadCount", "unread_count"}

	friendListWrappers  = []string{"friends", "data", "users"}
	messageListWrappers = []string{"messages", "data"}
	recordWrappers      = []string{"data", "message"}
	requestListWrappers = []string{"requests", "data"}

	presenceIDFields       = []string{"id", "userId", "user_id", "_id"}
	presenceOnlineFields   = []string{"online", "isOnline", "is_online"}
	presenceSnapshotFields = []string{"online", "users", "onlineUsers", "data"}

	requestFromFields  = []string{"from", "requesterId", "_id", "id"}
	requestCountFields = []string{"count", "pending", "total"}

	errorMessageFields = []string{"message", "error"}
)

const unknownUserName = "Unknown User"

// first returns the first alias present with a non-null value.
func first(r gjson.Result, fields []string) gjson.Result {
	for _, f := range fields {
		v := r.Get(gjson.Escape(f))
		if v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// firstString is like first but also skips empty strings.
func firstString(r gjson.Result, fields []string) string {
	for _, f := range fields {
		v := r.Get(gjson.Escape(f))
		if v.Exists() && v.Type != gjson.Null && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// UserID converts an identifier that may be a string, a number or an
// embedded user object into its canonical form. It is the only place where
// wire identifiers become chat.UserID values.
func UserID(r gjson.Result) chat.UserID {
	switch {
	case r.IsObject():
		return UserID(first(r, userIDFields))
	case r.Type == gjson.String:
		return chat.ParseUserID(r.Str)
	case r.Type == gjson.Number:
		return chat.ParseUserID(r.Raw)
	default:
		return ""
	}
}

// Time parses RFC 3339 strings and unix timestamps (seconds or milliseconds).
func Time(r gjson.Result) (time.Time, bool) {
	switch r.Type {
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixTime(n), true
		}
	case gjson.Number:
		return unixTime(r.Int()), true
	}
	return time.Time{}, false
}

func unixTime(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

// ErrorMessage extracts the human readable error text of a failed response.
func ErrorMessage(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return strings.TrimSpace(string(raw))
	}
	return firstString(gjson.ParseBytes(raw), errorMessageFields)
}

// unwrapArray returns the array held directly by r or under one of wrappers.
// ok is false when no array was found.
func unwrapArray(r gjson.Result, wrappers []string) (items []gjson.Result, ok bool) {
	if r.IsArray() {
		return r.Array(), true
	}
	for _, w := range wrappers {
		if v := r.Get(gjson.Escape(w)); v.IsArray() {
			return v.Array(), true
		}
	}
	return nil, false
}

func mediaKind(s string) chat.MediaKind {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "image" || strings.HasPrefix(s, "image/"):
		return chat.MediaImage
	case s == "video" || strings.HasPrefix(s, "video/"):
		return chat.MediaVideo
	default:
		return chat.MediaFile
	}
}

// KindFromName guesses the media kind of a file from its extension.
func KindFromName(name string) chat.MediaKind {
	return mediaKind(mime.TypeByExtension(strings.ToLower(path.Ext(name))))
}
