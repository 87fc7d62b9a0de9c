package relay

import (
	"fmt"
	"log/slog"

	"relayd/internal/config"
	"relayd/internal/core"
	"relayd/internal/filter"
	"relayd/internal/protocol"
)

// SystemName is the sender stamped on server-generated notices.
const SystemName = "System"

// Router fans messages out to sessions. Delivery works on a snapshot of
// the registry; peers whose sockets fail during a pass are removed
// afterwards so a slow disconnect never blocks the others.
type Router struct {
	state  *core.State
	filter *filter.Filter
	conf   func() config.Settings
}

func NewRouter(state *core.State, f *filter.Filter, conf func() config.Settings) *Router {
	return &Router{state: state, filter: f, conf: conf}
}

// HandleText filters a chat message and routes it to its target. The
// filter runs before the mute check, so a muted sender's rejection
// notice never leaks the raw text back unprocessed.
func (rt *Router) HandleText(sess *core.Session, p protocol.Packet) {
	settings := rt.conf()
	if rt.filter != nil && settings.Security.EnableMessageFilter {
		p.Msg = rt.filter.Apply(p.Msg, settings.Security.MaxMessageLength)
	} else if max := settings.Security.MaxMessageLength; max > 0 && len([]rune(p.Msg)) > max {
		p.Msg = string([]rune(p.Msg)[:max]) + "..."
	}

	if rt.state.IsMuted(sess.IP()) {
		rt.SendSystem(sess, "You are muted and cannot send messages.")
		return
	}

	p.From = rt.state.Name(sess)
	if p.Target == "" || p.Target == protocol.TargetEveryone {
		p.Target = protocol.TargetEveryone
		// The sender already has the message; only directed delivery
		// echoes a confirmation copy back.
		rt.Broadcast(p, sess)
		return
	}
	rt.direct(sess, p)
}

// direct delivers a message to one named recipient and echoes it back
// to the sender so both sides see the exchange.
func (rt *Router) direct(sess *core.Session, p protocol.Packet) {
	target, ok := rt.state.Resolve(p.Target)
	if !ok {
		rt.SendSystem(sess, fmt.Sprintf("%s is not online.", p.Target))
		return
	}

	out := p
	out.Target = protocol.TargetYou
	if err := target.Send(out); err != nil {
		rt.dropDead([]*core.Session{target})
		rt.SendSystem(sess, fmt.Sprintf("%s is not online.", p.Target))
		return
	}
	if target != sess {
		_ = sess.Send(p)
	}
}

// Broadcast sends a packet to every session except exclude. Dead peers
// are cleaned up after the pass; the departure announcements are left
// to the read loops, which notice their own sockets closing.
func (rt *Router) Broadcast(p protocol.Packet, exclude *core.Session) {
	var dead []*core.Session
	for _, sess := range rt.state.Snapshot(exclude) {
		if err := sess.Send(p); err != nil {
			dead = append(dead, sess)
		}
	}
	rt.dropDead(dead)
}

// BroadcastUserList pushes the current roster to every session.
func (rt *Router) BroadcastUserList() {
	rt.Broadcast(protocol.Packet{
		Type:   protocol.TypeUserList,
		From:   SystemName,
		Target: protocol.TargetEveryone,
		Users:  rt.state.NamedUsers(),
	}, nil)
}

// Announce broadcasts a system notice to everyone.
func (rt *Router) Announce(msg string) {
	rt.Broadcast(protocol.Packet{
		Type:   protocol.TypeText,
		From:   SystemName,
		Target: protocol.TargetEveryone,
		Msg:    msg,
	}, nil)
}

// SendSystem delivers a system notice to a single session.
func (rt *Router) SendSystem(sess *core.Session, msg string) {
	err := sess.Send(protocol.Packet{
		Type:   protocol.TypeText,
		From:   SystemName,
		Target: protocol.TargetYou,
		Msg:    msg,
	})
	if err != nil {
		rt.dropDead([]*core.Session{sess})
	}
}

func (rt *Router) dropDead(dead []*core.Session) {
	for _, sess := range dead {
		name, had := rt.state.Remove(sess)
		_ = sess.Close()
		if had {
			slog.Info("dropped unresponsive session", "name", name, "ip", sess.IP())
		}
	}
}
