package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadableApplied is passed to the reload callback so callers can
// react to setting changes (e.g. broadcast a notice when the message
// length limit moved).
type ReloadableApplied struct {
	Old Settings
	New Settings
}

// Store holds the active settings and applies the hot-reloadable subset
// when the backing file changes. The safe subset is the security, admin,
// and data sections; server bind settings only apply at startup.
type Store struct {
	mu       sync.RWMutex
	path     string
	settings Settings
	lastMod  time.Time
}

// NewStore loads path, falling back to defaults when the file is
// missing.
func NewStore(path string) *Store {
	st := &Store{path: path, settings: Default()}

	settings, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("config file not found, using defaults", "path", path)
		} else {
			slog.Error("config file unusable, using defaults", "path", path, "err", err)
		}
		return st
	}

	st.settings = settings
	if info, err := os.Stat(path); err == nil {
		st.lastMod = info.ModTime()
	}
	return st
}

// Current returns a copy of the active settings.
func (st *Store) Current() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.settings
}

// Reload re-reads the backing file if its modification time advanced and
// applies the hot-reloadable subset. Malformed content is logged and the
// previous settings are kept. Returns whether anything was applied.
func (st *Store) Reload() (ReloadableApplied, bool) {
	info, err := os.Stat(st.path)
	if err != nil {
		slog.Warn("config file missing, skipping reload", "path", st.path)
		return ReloadableApplied{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !info.ModTime().After(st.lastMod) {
		return ReloadableApplied{}, false
	}
	st.lastMod = info.ModTime()

	fresh, err := Load(st.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous settings", "path", st.path, "err", err)
		return ReloadableApplied{}, false
	}

	old := st.settings
	st.settings.Security = fresh.Security
	st.settings.Admin = fresh.Admin
	st.settings.Data = fresh.Data

	slog.Info("configuration hot-reloaded", "path", st.path)
	return ReloadableApplied{Old: old, New: st.settings}, true
}

// Watch polls the backing file every interval and invokes onApplied for
// each successful reload, until ctx is canceled.
func (st *Store) Watch(ctx context.Context, interval time.Duration, onApplied func(ReloadableApplied)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if applied, ok := st.Reload(); ok && onApplied != nil {
				onApplied(applied)
			}
		}
	}
}
