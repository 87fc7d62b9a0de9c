package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"relayd/internal/admission"
	"relayd/internal/config"
	"relayd/internal/core"
	"relayd/internal/files"
)

const (
	minCheckInterval = 5 * time.Second
	maxCheckInterval = 30 * time.Second
	sweepInterval    = 5 * time.Minute
)

// Monitor evicts sessions whose heartbeats have gone stale and runs the
// periodic maintenance sweeps over uploads and the admission windows.
type Monitor struct {
	state   *core.State
	router  *Router
	files   *files.Manager
	limiter *admission.Limiter
	conf    func() config.Settings
}

func NewMonitor(state *core.State, router *Router, fm *files.Manager, limiter *admission.Limiter, conf func() config.Settings) *Monitor {
	return &Monitor{state: state, router: router, files: fm, limiter: limiter, conf: conf}
}

// Run blocks until ctx is cancelled. The check cadence tracks the
// configured timeout so hot reloads take effect without a restart.
func (m *Monitor) Run(ctx context.Context) {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	timer := time.NewTimer(m.checkInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			m.files.SweepExpired(ctx)
			m.limiter.Prune()
		case <-timer.C:
			m.evictStale()
			timer.Reset(m.checkInterval())
		}
	}
}

func (m *Monitor) checkInterval() time.Duration {
	iv := m.conf().HeartbeatTimeout() / 10
	if iv < minCheckInterval {
		iv = minCheckInterval
	}
	if iv > maxCheckInterval {
		iv = maxCheckInterval
	}
	return iv
}

func (m *Monitor) evictStale() {
	timeout := m.conf().HeartbeatTimeout()
	expired := m.state.EvictExpired(timeout, time.Now())
	if len(expired) == 0 {
		return
	}
	for _, sess := range expired {
		name := sess.LastName()
		slog.Info("evicting silent session", "name", name, "ip", sess.IP(), "timeout", timeout)
		_ = sess.Close()
		if name != core.Unnamed {
			m.router.Announce(fmt.Sprintf("%s timed out.", name))
		}
	}
	m.router.BroadcastUserList()
}
