package session

import (
	"fmt"
	"regexp"
)

// Names become directory names and appear after --session, so they must
// not start with a dash.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName rejects session names that are not safe directory names.
func ValidateName(name string) error {
	if nameRegexp.MatchString(name) {
		return nil
	}
	return fmt.Errorf("invalid session name %q: 1-64 of [a-z0-9_-], starting with a letter or digit", name)
}
