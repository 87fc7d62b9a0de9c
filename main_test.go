package main

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"relayd/internal/admission"
	"relayd/internal/core"
	"relayd/internal/protocol"
)

func TestAdmitConnRejectsBannedAddress(t *testing.T) {
	t.Parallel()

	state := core.NewState()
	limiter := admission.New(state.LiveCount)
	state.Ban("203.0.113.9")

	reason, ok := admitConn(state, limiter, "203.0.113.9", 10)
	if ok {
		t.Fatal("banned address was admitted")
	}
	if !strings.Contains(reason, "banned") {
		t.Fatalf("unexpected rejection reason: %q", reason)
	}
	if state.SessionCount() != 0 {
		t.Fatalf("rejection registered a session: %d", state.SessionCount())
	}
}

func TestAdmitConnRateWindowPrecedesBanCheck(t *testing.T) {
	t.Parallel()

	state := core.NewState()
	limiter := admission.New(state.LiveCount)
	state.Ban("203.0.113.9")

	// Exhaust the attempt window; the rate rejection must win even for
	// a banned address.
	for i := 0; i < admission.DefaultMaxAttempts; i++ {
		if _, ok := admitConn(state, limiter, "203.0.113.9", 10); ok {
			t.Fatal("banned address was admitted")
		}
	}
	reason, ok := admitConn(state, limiter, "203.0.113.9", 10)
	if ok {
		t.Fatal("address admitted past the attempt ceiling")
	}
	if reason != admission.ErrRateLimited.Error() {
		t.Fatalf("expected rate-limit rejection first, got %q", reason)
	}
}

func TestAdmitConnRejectsWhenFull(t *testing.T) {
	t.Parallel()

	state := core.NewState()
	limiter := admission.New(state.LiveCount)

	reason, ok := admitConn(state, limiter, "203.0.113.9", 0)
	if ok {
		t.Fatal("connection admitted past the capacity limit")
	}
	if !strings.Contains(reason, "full") {
		t.Fatalf("unexpected rejection reason: %q", reason)
	}
}

func TestRejectConnSendsNoticeAndCloses(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	go rejectConn(server, "You are banned from this server.")

	p, err := protocol.Read(client)
	if err != nil {
		t.Fatalf("read rejection notice: %v", err)
	}
	if p.Type != protocol.TypeText || !strings.Contains(p.Msg, "banned") {
		t.Fatalf("unexpected notice: %#v", p)
	}
	if _, err := protocol.Read(client); !errors.Is(err, io.EOF) {
		t.Fatalf("expected closed connection after notice, got %v", err)
	}
}
