package session

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// BaseDir returns ~/.palaver, or $PALAVER_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("PALAVER_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".palaver")
}

func sessionsDir() string { return filepath.Join(BaseDir(), "sessions") }

// Dir returns the directory holding everything a session owns.
func Dir(name string) string { return filepath.Join(sessionsDir(), name) }

func SocketPath(name string) string { return filepath.Join(Dir(name), "palaverd.sock") }
func LockPath(name string) string { return filepath.Join(Dir(name), "palaverd.lock") }
func CacheDBPath(name string) string { return filepath.Join(Dir(name), "cache.db") }
func LogDir(name string) string { return filepath.Join(Dir(name), "logs") }
func LogPath(name string) string { return filepath.Join(LogDir(name), "palaverd.log") }

// ConfigPath returns the config file shared by all sessions.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree, private to the user.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// Info describes a session found on disk.
type Info struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
	Cached  bool   `json:"cached"`
}

// List returns the sessions under BaseDir sorted by name. Running means the
// daemon socket exists; it can be stale after a crash.
func List() ([]Info, error) {
	entries, err := os.ReadDir(sessionsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		out = append(out, Info{
			Name:    e.Name(),
			Path:    Dir(e.Name()),
			Running: exists(SocketPath(e.Name())),
			Cached:  exists(CacheDBPath(e.Name())),
		})
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
