// Package core holds the server's shared mutable state: the client
// registry with its name reverse index, the ban and mute sets, the
// uploaded-file index, and the running flag. One exclusive lock guards
// all of it; the lock is held for data-structure work only, never across
// network or disk I/O. Callers snapshot under the lock, release, then
// perform I/O.
package core

import (
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// State is the single server-context object passed to every component.
type State struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	names    map[string]*Session

	banned     map[string]struct{}
	muted      map[string]struct{}
	globalMute bool

	uploads map[string]*UploadedFile

	running atomic.Bool
}

// NewState returns an empty state with the running flag set.
func NewState() *State {
	st := &State{
		sessions: make(map[*Session]struct{}),
		names:    make(map[string]*Session),
		banned:   make(map[string]struct{}),
		muted:    make(map[string]struct{}),
		uploads:  make(map[string]*UploadedFile),
	}
	st.running.Store(true)
	return st
}

// Running reports whether the server is still accepting and serving.
func (st *State) Running() bool { return st.running.Load() }

// Stop clears the running flag; per-connection workers and background
// loops observe it and exit.
func (st *State) Stop() { st.running.Store(false) }

// Add registers a freshly accepted connection with the sentinel name and
// a current heartbeat.
func (st *State) Add(conn net.Conn) *Session {
	sess := newSession(conn, time.Now())

	st.mu.Lock()
	st.sessions[sess] = struct{}{}
	count := len(st.sessions)
	st.mu.Unlock()

	slog.Info("session added", "addr", sess.ip, "total", count)
	return sess
}

// Remove deletes a session from both registry indices. It returns the
// name the session held and whether it had one assigned. The caller
// closes the connection and rebroadcasts the user list.
func (st *State) Remove(sess *Session) (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.removeLocked(sess)
}

func (st *State) removeLocked(sess *Session) (string, bool) {
	if _, ok := st.sessions[sess]; !ok {
		return "", false
	}
	delete(st.sessions, sess)
	name := sess.name
	// The allocation rule makes reassignment impossible, but only drop
	// the reverse-index entry if it still points at this session.
	if cur, ok := st.names[name]; ok && cur == sess {
		delete(st.names, name)
	}
	slog.Info("session removed", "addr", sess.ip, "name", name, "remaining", len(st.sessions))
	return name, name != Unnamed
}

// Touch refreshes a session's heartbeat timestamp.
func (st *State) Touch(sess *Session) {
	st.mu.Lock()
	if _, ok := st.sessions[sess]; ok {
		sess.lastHeartbeat = time.Now()
	}
	st.mu.Unlock()
}

// Name returns the session's currently assigned name.
func (st *State) Name(sess *Session) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return sess.name
}

// Resolve looks up a live session by assigned name.
func (st *State) Resolve(name string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.names[name]
	if !ok {
		return nil, false
	}
	if _, live := st.sessions[sess]; !live {
		return nil, false
	}
	return sess, true
}

// Snapshot returns every live session. Safe to iterate after the lock is
// released; entries may die concurrently and sends to them just fail.
func (st *State) Snapshot(exclude *Session) []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]*Session, 0, len(st.sessions))
	for sess := range st.sessions {
		if sess == exclude {
			continue
		}
		out = append(out, sess)
	}
	return out
}

// NamedUsers returns the sorted, de-duplicated list of assigned names,
// omitting sessions still carrying the sentinel.
func (st *State) NamedUsers() []string {
	st.mu.Lock()
	seen := make(map[string]struct{}, len(st.sessions))
	for sess := range st.sessions {
		if sess.name != Unnamed {
			seen[sess.name] = struct{}{}
		}
	}
	st.mu.Unlock()

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Sessions returns an admin-view snapshot of every session.
func (st *State) Sessions() []SessionInfo {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]SessionInfo, 0, len(st.sessions))
	for sess := range st.sessions {
		out = append(out, SessionInfo{IP: sess.ip, Port: sess.port, Name: sess.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SessionCount returns the number of live sessions.
func (st *State) SessionCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// LiveCount returns the number of live sessions from one address.
func (st *State) LiveCount(addr string) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	n := 0
	for sess := range st.sessions {
		if sess.ip == addr {
			n++
		}
	}
	return n
}

// RemoveByIP removes every session from addr from both indices and
// returns them for the caller to notify and close outside the lock.
func (st *State) RemoveByIP(addr string) []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []*Session
	for sess := range st.sessions {
		if sess.ip == addr {
			out = append(out, sess)
		}
	}
	for _, sess := range out {
		st.removeLocked(sess)
	}
	return out
}

// EvictExpired removes every session whose heartbeat lapsed past timeout
// and returns them for closing outside the lock.
func (st *State) EvictExpired(timeout time.Duration, now time.Time) []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []*Session
	for sess := range st.sessions {
		if now.Sub(sess.lastHeartbeat) > timeout {
			out = append(out, sess)
		}
	}
	for _, sess := range out {
		slog.Warn("heartbeat timeout", "addr", sess.ip, "name", sess.name)
		st.removeLocked(sess)
	}
	return out
}

// CloseAll removes and returns every session; used on shutdown.
func (st *State) CloseAll() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]*Session, 0, len(st.sessions))
	for sess := range st.sessions {
		out = append(out, sess)
	}
	for _, sess := range out {
		st.removeLocked(sess)
	}
	return out
}

// Ban/mute set management. Mutation happens only through the admin
// engine; persistence is the caller's concern.

func (st *State) Ban(addr string) {
	st.mu.Lock()
	st.banned[addr] = struct{}{}
	st.mu.Unlock()
}

func (st *State) Unban(addr string) {
	st.mu.Lock()
	delete(st.banned, addr)
	st.mu.Unlock()
}

func (st *State) IsBanned(addr string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.banned[addr]
	return ok
}

func (st *State) Mute(addr string) {
	st.mu.Lock()
	st.muted[addr] = struct{}{}
	st.mu.Unlock()
}

func (st *State) Unmute(addr string) {
	st.mu.Lock()
	delete(st.muted, addr)
	st.mu.Unlock()
}

// IsMuted reports whether addr may not speak, either individually or
// because global mute is on.
func (st *State) IsMuted(addr string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.globalMute {
		return true
	}
	_, ok := st.muted[addr]
	return ok
}

func (st *State) SetGlobalMute(on bool) {
	st.mu.Lock()
	st.globalMute = on
	st.mu.Unlock()
}

func (st *State) GlobalMute() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.globalMute
}

// BanList returns the sorted ban set.
func (st *State) BanList() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return sortedKeys(st.banned)
}

// MuteList returns the sorted mute set.
func (st *State) MuteList() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return sortedKeys(st.muted)
}

// ReplaceBanList swaps the ban set wholesale; used when loading
// persisted state and on config hot reload.
func (st *State) ReplaceBanList(addrs []string) {
	st.mu.Lock()
	st.banned = toSet(addrs)
	st.mu.Unlock()
}

// ReplaceMuteList swaps the mute set wholesale.
func (st *State) ReplaceMuteList(addrs []string) {
	st.mu.Lock()
	st.muted = toSet(addrs)
	st.mu.Unlock()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, addr := range list {
		set[addr] = struct{}{}
	}
	return set
}
