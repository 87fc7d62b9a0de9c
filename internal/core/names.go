package core

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"
)

// MaxNameLength caps display names, in runes.
const MaxNameLength = 20

// GuestName is the fallback base when a proposed name is unusable.
const GuestName = "Guest"

// reservedNames may never be claimed by a client; they are used by the
// server as sender or target identities.
var reservedNames = map[string]struct{}{
	"system":       {},
	"server":       {},
	"everyone":     {},
	"you":          {},
	"announcement": {},
	Unnamed:        {},
}

// SanitizeName trims s, strips control and escape characters, and caps
// it at MaxNameLength runes. Returns "" when nothing usable remains.
func SanitizeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	var b strings.Builder
	for _, r := range s {
		if !unicode.IsPrint(r) || r == '\x1b' {
			continue
		}
		b.WriteRune(r)
	}
	s = strings.TrimSpace(b.String())

	runes := []rune(s)
	if len(runes) > MaxNameLength {
		s = string(runes[:MaxNameLength])
	}
	return s
}

// AssignName gives sess a permanent display name derived from the
// client's proposal, exactly once. Later packets cannot change it, which
// blocks identity spoofing via the from field. Returns the effective
// name, whether this call assigned it, and a one-time notice for the
// client when the result differs from its proposal.
func (st *State) AssignName(sess *Session, proposed string) (name string, assigned bool, notice string) {
	clean := SanitizeName(proposed)

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, live := st.sessions[sess]; !live {
		return Unnamed, false, ""
	}
	if sess.name != Unnamed {
		return sess.name, false, ""
	}

	_, reserved := reservedNames[strings.ToLower(clean)]
	switch {
	case clean == "" || reserved:
		name = st.allocateLocked(GuestName)
		notice = fmt.Sprintf("That name is unavailable; you are now %q", name)
	case st.names[clean] != nil && st.names[clean] != sess:
		name = st.allocateLocked(clean)
		notice = fmt.Sprintf("Name %q is taken; you are now %q", clean, name)
	default:
		name = clean
	}

	sess.name = name
	st.names[name] = sess
	slog.Info("name assigned", "addr", sess.ip, "name", name, "proposed", proposed)
	return name, true, notice
}

// allocateLocked finds a free name by appending _2, _3, ... to base,
// keeping the result within MaxNameLength runes.
func (st *State) allocateLocked(base string) string {
	if _, taken := st.names[base]; !taken {
		return base
	}

	baseRunes := []rune(base)
	for idx := 2; ; idx++ {
		suffix := fmt.Sprintf("_%d", idx)
		keep := MaxNameLength - len(suffix)
		if keep > len(baseRunes) {
			keep = len(baseRunes)
		}
		candidate := string(baseRunes[:keep]) + suffix
		if _, taken := st.names[candidate]; !taken {
			return candidate
		}
	}
}
