package core

import (
	"net"
	"sync"
	"time"

	"relayd/internal/protocol"
)

// Unnamed is the sentinel name a session carries between accept and its
// first non-heartbeat packet.
const Unnamed = "unnamed"

// Session binds one live connection to its identity and liveness state.
// All fields except conn are guarded by the owning State's lock; the
// connection itself is written through Send, which serializes frames
// with a per-session mutex so broadcasts and directed sends cannot
// interleave on the wire.
type Session struct {
	conn net.Conn
	ip   string
	port string

	writeMu sync.Mutex

	// Guarded by State.mu.
	name          string
	lastHeartbeat time.Time
}

func newSession(conn net.Conn, now time.Time) *Session {
	ip, port, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		// Non host:port transports (net.Pipe in tests) expose an opaque
		// address; use it verbatim.
		ip = conn.RemoteAddr().String()
		port = ""
	}
	return &Session{
		conn:          conn,
		ip:            ip,
		port:          port,
		name:          Unnamed,
		lastHeartbeat: now,
	}
}

// Conn returns the underlying stream. Prefer Send for writes.
func (s *Session) Conn() net.Conn { return s.conn }

// IP returns the session's source address.
func (s *Session) IP() string { return s.ip }

// Send writes one packet to this session's connection. Never call while
// holding the State lock.
func (s *Session) Send(p protocol.Packet) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.Write(s.conn, p)
}

// LastName returns the name the session held. Only safe to call once
// the session has been removed from the registry, when nothing can
// still be mutating it.
func (s *Session) LastName() string { return s.name }

// Close closes the underlying connection, unblocking its reader.
func (s *Session) Close() error { return s.conn.Close() }

// SessionInfo is a point-in-time snapshot of one session, safe to use
// after the registry lock has been released.
type SessionInfo struct {
	IP   string
	Port string
	Name string
}
