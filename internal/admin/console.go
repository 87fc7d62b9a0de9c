package admin

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"relayd/internal/config"
	"relayd/internal/core"
	"relayd/internal/protocol"
	"relayd/internal/relay"
)

// maxAuthAttempts failed passwords lock the console for the rest of the
// process lifetime; the relay itself keeps running.
const maxAuthAttempts = 3

// Console is the interactive operator interface. It reads commands from
// in and writes replies to out, so tests can drive it through buffers.
type Console struct {
	state  *core.State
	router *relay.Router
	store  *config.Store

	// One scanner for the console's lifetime: authentication and the
	// command loop must share buffered input.
	in  *bufio.Scanner
	out io.Writer

	// shutdown stops the accept loop; wired by main.
	shutdown func()
}

func NewConsole(state *core.State, router *relay.Router, store *config.Store, in io.Reader, out io.Writer, shutdown func()) *Console {
	return &Console{
		state:    state,
		router:   router,
		store:    store,
		in:       bufio.NewScanner(in),
		out:      out,
		shutdown: shutdown,
	}
}

type command struct {
	args  int // exact argument count, -1 for variadic
	usage string
	run   func(c *Console, args []string)
}

// commands is populated in init to break the initialization cycle
// between the map literal and cmdHelp, which iterates the map.
var commands map[string]command

func init() {
	commands = map[string]command{
		"help":     {0, "help", (*Console).cmdHelp},
		"status":   {0, "status", (*Console).cmdStatus},
		"list":     {0, "list", (*Console).cmdList},
		"say":      {-1, "say <message>", (*Console).cmdSay},
		"kick":     {1, "kick <ip>", (*Console).cmdKick},
		"ban":      {1, "ban <ip>", (*Console).cmdBan},
		"unban":    {1, "unban <ip>", (*Console).cmdUnban},
		"banlist":  {0, "banlist", (*Console).cmdBanlist},
		"mute":     {1, "mute <ip>", (*Console).cmdMute},
		"unmute":   {1, "unmute <ip>", (*Console).cmdUnmute},
		"gmute":    {0, "gmute", (*Console).cmdGmute},
		"ungmute":  {0, "ungmute", (*Console).cmdUngmute},
		"files":    {0, "files", (*Console).cmdFiles},
		"save":     {0, "save", (*Console).cmdSave},
		"reload":   {0, "reload", (*Console).cmdReload},
		"clear":    {0, "clear", (*Console).cmdClear},
		"shutdown": {0, "shutdown", (*Console).cmdShutdown},
	}
}

// Run authenticates the operator and then processes commands until the
// input closes or shutdown is issued.
func (c *Console) Run() {
	if !c.authenticate() {
		return
	}

	fmt.Fprintln(c.out, "Admin console ready. Type 'help' for commands.")
	for c.state.Running() {
		fmt.Fprint(c.out, "> ")
		if !c.in.Scan() {
			return
		}
		fields := strings.Fields(c.in.Text())
		if len(fields) == 0 {
			continue
		}
		verb, args := strings.ToLower(fields[0]), fields[1:]

		cmd, ok := commands[verb]
		if !ok {
			fmt.Fprintf(c.out, "Unknown command %q. Type 'help' for commands.\n", verb)
			continue
		}
		if cmd.args >= 0 && len(args) != cmd.args || cmd.args == -1 && len(args) == 0 {
			fmt.Fprintf(c.out, "Usage: %s\n", cmd.usage)
			continue
		}
		cmd.run(c, args)
		if verb == "shutdown" {
			return
		}
	}
}

// authenticate prompts for the admin password. A bcrypt hash in the
// config wins over the plaintext fallback.
func (c *Console) authenticate() bool {
	settings := c.store.Current()
	if !settings.Admin.PasswordEnabled {
		return true
	}

	for attempt := 1; attempt <= maxAuthAttempts; attempt++ {
		fmt.Fprint(c.out, "Password: ")
		if !c.in.Scan() {
			return false
		}
		if c.checkPassword(c.in.Text()) {
			return true
		}
		fmt.Fprintf(c.out, "Wrong password (%d/%d).\n", attempt, maxAuthAttempts)
	}
	fmt.Fprintln(c.out, "Too many failed attempts; console locked.")
	slog.Warn("admin console locked after failed authentication")
	return false
}

func (c *Console) checkPassword(input string) bool {
	admin := c.store.Current().Admin
	if admin.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(input)) == nil
	}
	return input == admin.Password
}

func (c *Console) cmdHelp(args []string) {
	verbs := make([]string, 0, len(commands))
	for verb := range commands {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)
	fmt.Fprintln(c.out, "Commands:")
	for _, verb := range verbs {
		fmt.Fprintf(c.out, "  %s\n", commands[verb].usage)
	}
}

func (c *Console) cmdStatus(args []string) {
	fmt.Fprintf(c.out, "Sessions: %d\n", c.state.SessionCount())
	fmt.Fprintf(c.out, "Files: %d\n", c.state.UploadCount())
	fmt.Fprintf(c.out, "Banned IPs: %d\n", len(c.state.BanList()))
	fmt.Fprintf(c.out, "Muted IPs: %d\n", len(c.state.MuteList()))
	fmt.Fprintf(c.out, "Global mute: %v\n", c.state.GlobalMute())
}

func (c *Console) cmdList(args []string) {
	sessions := c.state.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No connected clients.")
		return
	}
	for _, s := range sessions {
		fmt.Fprintf(c.out, "  %s  %s:%s\n", s.Name, s.IP, s.Port)
	}
}

func (c *Console) cmdSay(args []string) {
	c.router.Announce("[Announcement] " + strings.Join(args, " "))
	fmt.Fprintln(c.out, "Sent.")
}

// disconnectByIP removes every session from addr, tells each one why,
// and closes it. Registry removal happens first so the victims cannot
// receive the roster update that follows.
func (c *Console) disconnectByIP(addr, reason string) int {
	victims := c.state.RemoveByIP(addr)
	for _, sess := range victims {
		c.notifyAndClose(sess, reason)
	}
	if len(victims) > 0 {
		c.router.BroadcastUserList()
	}
	return len(victims)
}

func (c *Console) notifyAndClose(sess *core.Session, reason string) {
	_ = sess.Send(protocol.Packet{
		Type:   protocol.TypeText,
		From:   relay.SystemName,
		Target: protocol.TargetYou,
		Msg:    reason,
	})
	_ = sess.Close()
}

func (c *Console) cmdKick(args []string) {
	n := c.disconnectByIP(args[0], "You have been kicked by the administrator.")
	fmt.Fprintf(c.out, "Kicked %d session(s) from %s.\n", n, args[0])
}

func (c *Console) cmdBan(args []string) {
	c.state.Ban(args[0])
	n := c.disconnectByIP(args[0], "You have been banned by the administrator.")
	c.saveBanList()
	fmt.Fprintf(c.out, "Banned %s (%d session(s) disconnected).\n", args[0], n)
}

func (c *Console) cmdUnban(args []string) {
	c.state.Unban(args[0])
	c.saveBanList()
	fmt.Fprintf(c.out, "Unbanned %s.\n", args[0])
}

func (c *Console) cmdBanlist(args []string) {
	banned := c.state.BanList()
	if len(banned) == 0 {
		fmt.Fprintln(c.out, "No banned IPs.")
		return
	}
	for _, addr := range banned {
		fmt.Fprintf(c.out, "  %s\n", addr)
	}
}

func (c *Console) cmdMute(args []string) {
	c.state.Mute(args[0])
	c.saveMuteList()
	fmt.Fprintf(c.out, "Muted %s.\n", args[0])
}

func (c *Console) cmdUnmute(args []string) {
	c.state.Unmute(args[0])
	c.saveMuteList()
	fmt.Fprintf(c.out, "Unmuted %s.\n", args[0])
}

func (c *Console) cmdGmute(args []string) {
	c.state.SetGlobalMute(true)
	c.router.Announce("The administrator has muted the chat.")
	fmt.Fprintln(c.out, "Global mute on.")
}

func (c *Console) cmdUngmute(args []string) {
	c.state.SetGlobalMute(false)
	c.router.Announce("The administrator has unmuted the chat.")
	fmt.Fprintln(c.out, "Global mute off.")
}

func (c *Console) cmdFiles(args []string) {
	uploads := c.state.Uploads()
	if len(uploads) == 0 {
		fmt.Fprintln(c.out, "No stored files.")
		return
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].UploadedAt.Before(uploads[j].UploadedAt) })
	for _, f := range uploads {
		fmt.Fprintf(c.out, "  %s  %s  %dB  by %s  downloads=%d\n", f.ID, f.Filename, f.Size, f.Uploader, f.Downloads)
	}
}

func (c *Console) cmdSave(args []string) {
	c.saveBanList()
	c.saveMuteList()
	fmt.Fprintln(c.out, "Saved.")
}

func (c *Console) cmdReload(args []string) {
	applied, ok := c.store.Reload()
	if !ok {
		fmt.Fprintln(c.out, "Config unchanged.")
		return
	}

	if banned, err := config.LoadAddressList(applied.New.Data.BannedIPsFile); err == nil {
		c.state.ReplaceBanList(banned)
	} else {
		fmt.Fprintf(c.out, "Failed to reload ban list: %v\n", err)
	}
	if muted, err := config.LoadAddressList(applied.New.Data.MutedIPsFile); err == nil {
		c.state.ReplaceMuteList(muted)
	} else {
		fmt.Fprintf(c.out, "Failed to reload mute list: %v\n", err)
	}
	if applied.Old.Security.MaxMessageLength != applied.New.Security.MaxMessageLength {
		c.router.Announce(fmt.Sprintf("Message length limit is now %d characters.", applied.New.Security.MaxMessageLength))
	}

	fmt.Fprintf(c.out, "Config reloaded: filter=%v max_len=%d heartbeat_timeout=%ds\n",
		applied.New.Security.EnableMessageFilter,
		applied.New.Security.MaxMessageLength,
		applied.New.Security.HeartbeatTimeout)
}

func (c *Console) cmdClear(args []string) {
	fmt.Fprint(c.out, "\033[2J\033[H")
}

func (c *Console) cmdShutdown(args []string) {
	fmt.Fprintln(c.out, "Shutting down.")
	c.router.Announce("Server is shutting down.")
	c.cmdSave(nil)
	c.state.Stop()
	for _, sess := range c.state.CloseAll() {
		_ = sess.Close()
	}
	if c.shutdown != nil {
		c.shutdown()
	}
}

func (c *Console) saveBanList() {
	path := c.store.Current().Data.BannedIPsFile
	if err := config.SaveAddressList(path, c.state.BanList()); err != nil {
		fmt.Fprintf(c.out, "Failed to save ban list: %v\n", err)
		slog.Error("save ban list", "path", path, "err", err)
	}
}

func (c *Console) saveMuteList() {
	path := c.store.Current().Data.MutedIPsFile
	if err := config.SaveAddressList(path, c.state.MuteList()); err != nil {
		fmt.Fprintf(c.out, "Failed to save mute list: %v\n", err)
		slog.Error("save mute list", "path", path, "err", err)
	}
}
