// Package admission decides, at accept time, whether a new connection
// from a source address may proceed. It tracks a 60-second trailing
// window of connection attempts per address and enforces a concurrent
// session cap. Rejections never touch the client registry.
package admission

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Defaults mirror the documented abuse-control policy.
const (
	DefaultWindow        = 60 * time.Second
	DefaultMaxAttempts   = 10
	DefaultMaxConcurrent = 5
)

// ErrRateLimited is returned when an address exceeds the per-window
// connection-attempt ceiling.
var ErrRateLimited = errors.New("too many connection attempts, try again later")

// ErrConnectionCap is returned when an address already has the maximum
// number of concurrent live sessions.
var ErrConnectionCap = errors.New("connection limit for this address reached")

// Limiter windows connection attempts per source address.
type Limiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time

	window        time.Duration
	maxAttempts   int
	maxConcurrent int

	// liveCount reports current live sessions for an address.
	liveCount func(addr string) int
	// now is replaceable in tests.
	now func() time.Time
}

// New creates a limiter with the default policy. liveCount must be safe
// for concurrent use.
func New(liveCount func(addr string) int) *Limiter {
	return &Limiter{
		attempts:      make(map[string][]time.Time),
		window:        DefaultWindow,
		maxAttempts:   DefaultMaxAttempts,
		maxConcurrent: DefaultMaxConcurrent,
		liveCount:     liveCount,
		now:           time.Now,
	}
}

// Admit records one connection attempt from addr and reports whether it
// may proceed. The attempt is only recorded when admitted.
func (l *Limiter) Admit(addr string) error {
	now := l.now()

	l.mu.Lock()
	recent := pruneBefore(l.attempts[addr], now.Add(-l.window))
	l.attempts[addr] = recent
	if len(recent) >= l.maxAttempts {
		l.mu.Unlock()
		slog.Warn("connection rate limited", "addr", addr, "attempts", len(recent))
		return ErrRateLimited
	}
	l.mu.Unlock()

	// The live-session count lives behind the registry lock; never call
	// out to it while holding ours.
	if l.liveCount != nil && l.liveCount(addr) >= l.maxConcurrent {
		slog.Warn("concurrent connection cap reached", "addr", addr)
		return ErrConnectionCap
	}

	l.mu.Lock()
	l.attempts[addr] = append(l.attempts[addr], now)
	l.mu.Unlock()
	return nil
}

// Prune drops window entries that have aged out and removes addresses
// with no remaining entries. Returns the number of addresses removed.
func (l *Limiter) Prune() int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for addr, stamps := range l.attempts {
		recent := pruneBefore(stamps, cutoff)
		if len(recent) == 0 {
			delete(l.attempts, addr)
			removed++
			continue
		}
		l.attempts[addr] = recent
	}
	if removed > 0 {
		slog.Debug("pruned stale attempt windows", "addresses", removed)
	}
	return removed
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	out := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	return out
}
