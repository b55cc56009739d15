package session

import (
	"errors"

	"github.com/matheus3301/palaver/internal/chat"
)

// Identity is the authenticated user a daemon acts for. It is created at
// login and handed to the components that need it; nothing reads it from
// global state.
type Identity struct {
	UserID chat.UserID `json:"user_id"`
	Name   string      `json:"name,omitempty"`
	Email  string      `json:"email,omitempty"`
	Token  string      `json:"-"`
}

var errNoUser = errors.New("identity has no user id")

// Validate checks that the identity can be used to start a session.
func (id Identity) Validate() error {
	if id.UserID.IsZero() {
		return errNoUser
	}
	return nil
}
