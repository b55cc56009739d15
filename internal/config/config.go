package config

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const defaultAPIURL = "http://localhost:5000"

// Config represents the global ~/.palaver/config.toml.
type Config struct {
	DefaultSession string       `toml:"default_session"`
	Server         ServerConfig `toml:"server"`
	Auth           AuthConfig   `toml:"auth"`
	Send           SendConfig   `toml:"send"`
}

// ServerConfig locates the chat server.
type ServerConfig struct {
	APIURL    string `toml:"api_url"`
	SocketURL string `toml:"socket_url"`
}

// AuthConfig holds credentials. A token skips the login call.
type AuthConfig struct {
	Token    string `toml:"token,omitempty"`
	Email    string `toml:"email,omitempty"`
	Password string `toml:"password,omitempty"`
}

// SendConfig tunes the outgoing message pipeline.
type SendConfig struct {
	RatePerSecond     float64 `toml:"rate_per_second"`
	Burst             int     `toml:"burst"`
	MaxAttempts       int     `toml:"max_attempts"`
	AckTimeoutSeconds int     `toml:"ack_timeout_seconds"`
}

// AckTimeout returns the ack timeout as a duration.
func (s SendConfig) AckTimeout() time.Duration {
	return time.Duration(s.AckTimeoutSeconds) * time.Second
}

// Load reads config from the given path. Returns nil config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve loads path if it exists, applies .env and environment overrides,
// then fills defaults. A missing file is not an error.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = &Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyEnv overrides file values with PALAVER_* environment variables.
func (c *Config) ApplyEnv() {
	overrides := []struct {
		key string
		dst *string
	}{
		{"PALAVER_API_URL", &c.Server.APIURL},
		{"PALAVER_SOCKET_URL", &c.Server.SocketURL},
		{"PALAVER_TOKEN", &c.Auth.Token},
		{"PALAVER_EMAIL", &c.Auth.Email},
		{"PALAVER_PASSWORD", &c.Auth.Password},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.dst = v
		}
	}
	if v, err := strconv.Atoi(os.Getenv("PALAVER_MAX_ATTEMPTS")); err == nil && v > 0 {
		c.Send.MaxAttempts = v
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Server.APIURL == "" {
		c.Server.APIURL = defaultAPIURL
	}
	c.Server.APIURL = strings.TrimRight(c.Server.APIURL, "/")
	if c.Server.SocketURL == "" {
		c.Server.SocketURL = SocketURLFor(c.Server.APIURL)
	}
	if c.Send.RatePerSecond <= 0 {
		c.Send.RatePerSecond = 5
	}
	if c.Send.Burst <= 0 {
		c.Send.Burst = 10
	}
	if c.Send.MaxAttempts <= 0 {
		c.Send.MaxAttempts = 3
	}
	if c.Send.AckTimeoutSeconds <= 0 {
		c.Send.AckTimeoutSeconds = 15
	}
}

// SocketURLFor derives the WebSocket endpoint from the REST base URL:
// http(s)://host[/prefix] becomes ws(s)://host[/prefix]/ws.
func SocketURLFor(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
