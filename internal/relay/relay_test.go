package relay

import (
	"context"
	"encoding/base64"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"relayd/internal/admission"
	"relayd/internal/config"
	"relayd/internal/core"
	"relayd/internal/files"
	"relayd/internal/filter"
	"relayd/internal/protocol"
)

type testEnv struct {
	state    *core.State
	router   *Router
	handler  *Handler
	manager  *files.Manager
	settings config.Settings
}

func newTestEnv(t *testing.T, terms []string) *testEnv {
	t.Helper()

	env := &testEnv{state: core.NewState(), settings: config.Default()}
	conf := func() config.Settings { return env.settings }

	var err error
	env.manager, err = files.NewManager(filepath.Join(t.TempDir(), "uploads"), env.state, nil, func() time.Duration { return 24 * time.Hour })
	if err != nil {
		t.Fatalf("new file manager: %v", err)
	}

	var f *filter.Filter
	if len(terms) > 0 {
		f = filter.New(terms)
	}
	env.router = NewRouter(env.state, f, conf)
	env.handler = NewHandler(env.state, env.router, env.manager)
	return env
}

type testClient struct {
	conn net.Conn
	in   chan protocol.Packet
}

// dial connects a pipe-backed client to the handler and starts draining
// its inbound packets into a channel.
func (env *testEnv) dial(t *testing.T) *testClient {
	t.Helper()

	server, client := net.Pipe()
	go env.handler.Serve(context.Background(), server)

	c := &testClient{conn: client, in: make(chan protocol.Packet, 64)}
	go func() {
		defer close(c.in)
		for {
			p, err := protocol.Read(client)
			if err != nil {
				return
			}
			c.in <- p
		}
	}()
	t.Cleanup(func() { _ = client.Close() })

	c.expectType(t, protocol.TypeText) // welcome
	return c
}

func (c *testClient) send(t *testing.T, p protocol.Packet) {
	t.Helper()
	if err := protocol.Write(c.conn, p); err != nil {
		t.Fatalf("send %s packet: %v", p.Type, err)
	}
}

func (c *testClient) next(t *testing.T) protocol.Packet {
	t.Helper()
	select {
	case p, ok := <-c.in:
		if !ok {
			t.Fatal("connection closed while waiting for packet")
		}
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
	return protocol.Packet{}
}

// expectType reads packets until one of the wanted type arrives.
func (c *testClient) expectType(t *testing.T, typ string) protocol.Packet {
	t.Helper()
	for {
		p := c.next(t)
		if p.Type == typ {
			return p
		}
	}
}

func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	for {
		select {
		case _, ok := <-c.in:
			if !ok {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for connection close")
		}
	}
}

// join names the session by sending its first text packet and drains
// the resulting announcement and roster.
func (c *testClient) join(t *testing.T, name string) {
	t.Helper()
	c.send(t, protocol.Packet{Type: protocol.TypeText, From: name, Msg: "hi"})
	c.expectType(t, protocol.TypeUserList)
}

func TestFirstPacketAssignsNameAndAnnounces(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	alice := env.dial(t)

	alice.send(t, protocol.Packet{Type: protocol.TypeText, From: "alice", Msg: "hello"})

	joined := alice.expectType(t, protocol.TypeText)
	if !strings.Contains(joined.Msg, "alice joined") {
		t.Fatalf("expected join announcement, got %q", joined.Msg)
	}
	roster := alice.expectType(t, protocol.TypeUserList)
	if len(roster.Users) != 1 || roster.Users[0] != "alice" {
		t.Fatalf("expected roster [alice], got %v", roster.Users)
	}

	bob := env.dial(t)
	bob.join(t, "bob")
	alice.expectType(t, protocol.TypeUserList) // bob joining

	alice.send(t, protocol.Packet{Type: protocol.TypeText, Msg: "second"})
	got := bob.expectType(t, protocol.TypeText)
	if got.From != "alice" || got.Target != protocol.TargetEveryone || got.Msg != "second" {
		t.Fatalf("unexpected broadcast: %#v", got)
	}
	if got.MsgID == "" || got.ProtocolVersion != protocol.Version {
		t.Fatalf("broadcast missing envelope fields: %#v", got)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	alice := env.dial(t)
	alice.join(t, "alice")
	bob := env.dial(t)
	bob.join(t, "bob")
	alice.expectType(t, protocol.TypeUserList)
	alice.expectType(t, protocol.TypeText) // bob's first message

	bob.send(t, protocol.Packet{Type: protocol.TypeText, Msg: "mine"})
	if got := alice.expectType(t, protocol.TypeText); got.Msg != "mine" {
		t.Fatalf("expected bob's broadcast, got %#v", got)
	}

	// The next text bob sees must be alice's, never his own copy.
	alice.send(t, protocol.Packet{Type: protocol.TypeText, Msg: "marker"})
	if got := bob.expectType(t, protocol.TypeText); got.Msg != "marker" {
		t.Fatalf("sender received its own broadcast: %#v", got)
	}
}

func TestRosterRebroadcastAfterDeadPeer(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	alice := env.dial(t)
	alice.join(t, "alice")
	bob := env.dial(t)
	bob.join(t, "bob")
	alice.expectType(t, protocol.TypeUserList)

	_ = bob.conn.Close()
	alice.send(t, protocol.Packet{Type: protocol.TypeText, Msg: "are you there"})

	// However bob's departure is noticed, the survivors must converge
	// on the shrunken roster.
	for {
		roster := alice.expectType(t, protocol.TypeUserList)
		if len(roster.Users) == 1 && roster.Users[0] == "alice" {
			break
		}
	}
}

func TestDirectMessageDelivery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	alice := env.dial(t)
	alice.join(t, "alice")
	bob := env.dial(t)
	bob.join(t, "bob")
	alice.expectType(t, protocol.TypeUserList) // bob joining
	alice.expectType(t, protocol.TypeText)     // bob's first message

	alice.send(t, protocol.Packet{Type: protocol.TypeText, Target: "bob", Msg: "psst"})

	got := bob.expectType(t, protocol.TypeText)
	if got.From != "alice" || got.Target != protocol.TargetYou || got.Msg != "psst" {
		t.Fatalf("unexpected delivery to recipient: %#v", got)
	}
	echo := alice.expectType(t, protocol.TypeText)
	if echo.Target != "bob" || echo.Msg != "psst" {
		t.Fatalf("unexpected sender echo: %#v", echo)
	}
}

func TestDirectMessageToOfflineUser(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	alice := env.dial(t)
	alice.join(t, "alice")

	alice.send(t, protocol.Packet{Type: protocol.TypeText, Target: "bob", Msg: "anyone?"})

	reply := alice.expectType(t, protocol.TypeText)
	if reply.From != SystemName || !strings.Contains(reply.Msg, "not online") {
		t.Fatalf("expected offline notice, got %#v", reply)
	}
}

func TestMutedSenderGetsNoticeOnly(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	alice := env.dial(t)
	alice.join(t, "alice")

	env.state.SetGlobalMute(true)
	alice.send(t, protocol.Packet{Type: protocol.TypeText, Msg: "can anyone hear me"})

	reply := alice.expectType(t, protocol.TypeText)
	if reply.From != SystemName || !strings.Contains(reply.Msg, "muted") {
		t.Fatalf("expected mute notice, got %#v", reply)
	}
}

func TestFilterMasksBroadcastText(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, []string{"badword"})
	alice := env.dial(t)
	alice.join(t, "alice")
	bob := env.dial(t)
	bob.join(t, "bob")

	alice.send(t, protocol.Packet{Type: protocol.TypeText, Msg: "this badword stays out"})

	got := bob.expectType(t, protocol.TypeText)
	if got.Msg != "this ******* stays out" {
		t.Fatalf("expected masked broadcast, got %q", got.Msg)
	}
}

func TestInvalidPacketGetsNotice(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	alice := env.dial(t)
	alice.join(t, "alice")

	alice.send(t, protocol.Packet{Type: protocol.TypeFileRequest})

	reply := alice.expectType(t, protocol.TypeText)
	if reply.From != SystemName || !strings.Contains(reply.Msg, "Invalid packet") {
		t.Fatalf("expected validation notice, got %#v", reply)
	}
}

func TestFileRoundTripThroughHandler(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	alice := env.dial(t)
	alice.join(t, "alice")
	bob := env.dial(t)
	bob.join(t, "bob")
	alice.expectType(t, protocol.TypeUserList)

	payload := []byte("meeting notes")
	alice.send(t, protocol.Packet{
		Type:     protocol.TypeFileUpload,
		Filename: "notes.txt",
		Data:     base64.StdEncoding.EncodeToString(payload),
	})

	notify := bob.expectType(t, protocol.TypeFileNotify)
	if notify.Filename != "notes.txt" || notify.FileID == "" {
		t.Fatalf("unexpected notify: %#v", notify)
	}
	if !strings.Contains(notify.Msg, "alice shared") {
		t.Fatalf("expected uploader in notify, got %q", notify.Msg)
	}

	bob.send(t, protocol.Packet{Type: protocol.TypeFileRequest, FileID: notify.FileID})
	resp := bob.expectType(t, protocol.TypeFileResponse)
	got, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		t.Fatalf("decode response payload: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
}

func TestUploadRejectionNotice(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	alice := env.dial(t)
	alice.join(t, "alice")

	alice.send(t, protocol.Packet{
		Type:     protocol.TypeFileUpload,
		Filename: "tool.exe",
		Data:     base64.StdEncoding.EncodeToString([]byte("MZ")),
	})

	reply := alice.expectType(t, protocol.TypeText)
	if !strings.Contains(reply.Msg, "Upload rejected") {
		t.Fatalf("expected rejection notice, got %#v", reply)
	}
}

func TestStaleSessionEviction(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.settings.Security.HeartbeatTimeout = 1

	monitor := NewMonitor(env.state, env.router, env.manager, admission.New(env.state.LiveCount), func() config.Settings { return env.settings })

	alice := env.dial(t)
	alice.join(t, "alice")
	bob := env.dial(t)
	bob.join(t, "bob")
	alice.expectType(t, protocol.TypeUserList)

	// Let alice's heartbeat lapse past the timeout while bob stays fresh.
	time.Sleep(1100 * time.Millisecond)
	env.state.Touch(bobSession(t, env.state, "bob"))

	monitor.evictStale()

	alice.expectClosed(t)
	note := bob.expectType(t, protocol.TypeText)
	if !strings.Contains(note.Msg, "timed out") {
		t.Fatalf("expected timeout announcement, got %#v", note)
	}
	bob.expectType(t, protocol.TypeUserList)
	if env.state.SessionCount() != 1 {
		t.Fatalf("expected one surviving session, got %d", env.state.SessionCount())
	}
}

func bobSession(t *testing.T, state *core.State, name string) *core.Session {
	t.Helper()
	sess, ok := state.Resolve(name)
	if !ok {
		t.Fatalf("session %q not registered", name)
	}
	return sess
}
