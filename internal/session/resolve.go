package session

import (
	"os"

	"github.com/matheus3301/palaver/internal/config"
)

const DefaultSessionName = "main"

// Resolve picks the active session name. The --session flag wins, then
// $PALAVER_SESSION, then default_session from config.toml, then "main".
func Resolve(flagOverride string) string {
	for _, candidate := range []string{flagOverride, os.Getenv("PALAVER_SESSION")} {
		if candidate != "" {
			return candidate
		}
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
