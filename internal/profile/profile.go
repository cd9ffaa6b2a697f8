// Package profile lays out the per-user state of the engine on disk. A
// profile is named after the user id it signs in as.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/matheus3301/msgsync/internal/config"
)

var nameRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Validate checks that name is usable as a profile directory and user id.
func Validate(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match %s", name, nameRegexp)
	}
	return nil
}

// Layout locates profiles under a base directory.
type Layout struct {
	Base string
}

// DefaultLayout is rooted at ~/.msgsync, or $MSGSYNC_HOME when set.
func DefaultLayout() Layout {
	if dir := os.Getenv("MSGSYNC_HOME"); dir != "" {
		return Layout{Base: dir}
	}
	home, _ := os.UserHomeDir()
	return Layout{Base: filepath.Join(home, ".msgsync")}
}

func (l Layout) ConfigPath() string { return filepath.Join(l.Base, "config.toml") }

// Dir is the profile's directory.
func (l Layout) Dir(name string) string { return filepath.Join(l.Base, "profiles", name) }

func (l Layout) DBPath(name string) string     { return filepath.Join(l.Dir(name), "msgsync.db") }
func (l Layout) LockDir(name string) string    { return l.Dir(name) }
func (l Layout) SocketPath(name string) string { return filepath.Join(l.Dir(name), "engine.sock") }
func (l Layout) LogDir(name string) string     { return filepath.Join(l.Dir(name), "logs") }
func (l Layout) LogPath(name string) string    { return filepath.Join(l.LogDir(name), "msgsyncd.log") }

// Ensure creates the profile directory tree.
func (l Layout) Ensure(name string) error {
	for _, d := range []string{l.Dir(name), l.LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// Resolve picks the active profile: the flag, then the config file's
// default_profile, then config.Default.
func (l Layout) Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(l.ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return config.Default().DefaultProfile
}
