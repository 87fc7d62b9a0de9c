package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-envconfig"

	"relayd/internal/admin"
	"relayd/internal/admission"
	"relayd/internal/config"
	"relayd/internal/core"
	"relayd/internal/files"
	"relayd/internal/filter"
	"relayd/internal/httpapi"
	"relayd/internal/protocol"
	"relayd/internal/relay"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

// bannedTerms is the fixed list the content filter is built from; the
// filter also registers a separator-stripped variant of each term.
var bannedTerms = []string{"fuck", "shit", "傻逼", "操你妈", "去死", "垃圾"}

const configWatchInterval = 5 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var env config.Env
	if err := envconfig.Process(ctx, &env); err != nil {
		slog.Error("read environment", "err", err)
		os.Exit(1)
	}

	configPath := flag.String("config", env.ConfigPath, "Configuration file path")
	dataDir := flag.String("data-dir", env.DataDir, "Directory for uploads and metadata")
	httpAddr := flag.String("http", env.HTTPAddr, "HTTP API listen address (empty disables)")
	debug := flag.Bool("debug", env.Debug, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	store := config.NewStore(*configPath)
	settings := store.Current()

	logSink, closeSink, err := openLogSink(settings.Logging.File)
	if err != nil {
		slog.Error("open log file", "path", settings.Logging.File, "err", err)
		os.Exit(1)
	}
	defer closeSink()

	level := logLevel(settings.Logging.Level)
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logSink, &slog.HandlerOptions{Level: level})))

	slog.Info("starting relayd", "version", Version, "config", *configPath, "data_dir", *dataDir)

	state := core.NewState()
	limiter := admission.New(state.LiveCount)

	meta, err := files.OpenMetaStore(filepath.Join(*dataDir, "files.db"))
	if err != nil {
		slog.Error("open file metadata store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := meta.Close(); closeErr != nil {
			slog.Error("close file metadata store", "err", closeErr)
		}
	}()

	manager, err := files.NewManager(filepath.Join(*dataDir, "uploads"), state, meta, func() time.Duration {
		return store.Current().FileExpiry()
	})
	if err != nil {
		slog.Error("initialize file manager", "err", err)
		os.Exit(1)
	}
	if err := manager.CleanupStartup(ctx); err != nil {
		slog.Error("clean leftover uploads", "err", err)
		os.Exit(1)
	}

	loadAddressLists(state, settings)

	router := relay.NewRouter(state, filter.New(bannedTerms), store.Current)
	handler := relay.NewHandler(state, router, manager)
	monitor := relay.NewMonitor(state, router, manager, limiter, store.Current)

	addr := net.JoinHostPort(settings.Server.Host, strconv.Itoa(settings.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("bind relay listener", "addr", addr, "err", err)
		os.Exit(1)
	}

	shutdown := func() {
		state.Stop()
		_ = listener.Close()
		cancel()
	}

	go monitor.Run(ctx)
	go store.Watch(ctx, configWatchInterval, func(applied config.ReloadableApplied) {
		applyReload(state, router, applied)
	})
	go admin.NewConsole(state, router, store, os.Stdin, os.Stdout, shutdown).Run()

	if *httpAddr != "" {
		api := httpapi.New(state, manager, router)
		go func() {
			if err := api.Run(ctx, *httpAddr); err != nil {
				slog.Error("http api", "err", err)
			}
		}()
		slog.Info("http api listening", "addr", *httpAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		router.Announce("Server is shutting down.")
		shutdown()
		for _, sess := range state.CloseAll() {
			_ = sess.Close()
		}
	}()

	slog.Info("listening", "addr", addr, "max_connections", settings.Server.MaxConnections)
	acceptLoop(listener, state, limiter, store, handler)

	// Uploads do not survive the process; persisted moderation state does.
	saveAddressLists(state, store.Current())
	if err := manager.RemoveAll(); err != nil {
		slog.Error("remove stored uploads", "err", err)
	}
	slog.Info("server stopped")
}

// acceptLoop admits connections until the listener closes.
func acceptLoop(listener net.Listener, state *core.State, limiter *admission.Limiter, store *config.Store, handler *relay.Handler) {
	for state.Running() {
		conn, err := listener.Accept()
		if err != nil {
			if !state.Running() {
				return
			}
			slog.Warn("accept failed", "err", err)
			continue
		}

		ip := remoteIP(conn)
		if reason, ok := admitConn(state, limiter, ip, store.Current().Server.MaxConnections); !ok {
			slog.Info("rejected connection", "ip", ip, "reason", reason)
			rejectConn(conn, reason)
			continue
		}
		go handler.Serve(context.Background(), conn)
	}
}

// admitConn decides whether a new connection from ip may proceed. The
// rate window is consulted first, then the ban set, then capacity; a
// rejection returns the notice to send before closing.
func admitConn(state *core.State, limiter *admission.Limiter, ip string, maxConns int) (string, bool) {
	if err := limiter.Admit(ip); err != nil {
		return err.Error(), false
	}
	if state.IsBanned(ip) {
		return "You are banned from this server.", false
	}
	if state.SessionCount() >= maxConns {
		return "Server is full, try again later.", false
	}
	return "", true
}

// rejectConn tells the peer why it is being turned away, then closes.
// The write is best effort under a short deadline.
func rejectConn(conn net.Conn, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = protocol.Write(conn, protocol.Packet{
		Type:   protocol.TypeText,
		From:   relay.SystemName,
		Target: protocol.TargetYou,
		Msg:    reason,
	})
	_ = conn.Close()
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// applyReload finishes a hot reload: refresh the persisted moderation
// sets and tell clients when the message cap changed.
func applyReload(state *core.State, router *relay.Router, applied config.ReloadableApplied) {
	loadAddressLists(state, applied.New)
	oldMax, newMax := applied.Old.Security.MaxMessageLength, applied.New.Security.MaxMessageLength
	if oldMax != newMax {
		router.Announce(fmt.Sprintf("Message length limit is now %d characters.", newMax))
	}
	slog.Info("configuration reloaded",
		"filter", applied.New.Security.EnableMessageFilter,
		"max_message_length", newMax,
		"heartbeat_timeout", applied.New.Security.HeartbeatTimeout)
}

func loadAddressLists(state *core.State, settings config.Settings) {
	if banned, err := config.LoadAddressList(settings.Data.BannedIPsFile); err != nil {
		slog.Error("load ban list", "path", settings.Data.BannedIPsFile, "err", err)
	} else {
		state.ReplaceBanList(banned)
	}
	if muted, err := config.LoadAddressList(settings.Data.MutedIPsFile); err != nil {
		slog.Error("load mute list", "path", settings.Data.MutedIPsFile, "err", err)
	} else {
		state.ReplaceMuteList(muted)
	}
}

func saveAddressLists(state *core.State, settings config.Settings) {
	if err := config.SaveAddressList(settings.Data.BannedIPsFile, state.BanList()); err != nil {
		slog.Error("save ban list", "path", settings.Data.BannedIPsFile, "err", err)
	}
	if err := config.SaveAddressList(settings.Data.MutedIPsFile, state.MuteList()); err != nil {
		slog.Error("save mute list", "path", settings.Data.MutedIPsFile, "err", err)
	}
}

func logLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openLogSink returns stderr, or stderr duplicated into the configured
// log file when one is set.
func openLogSink(path string) (io.Writer, func(), error) {
	if strings.TrimSpace(path) == "" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return io.MultiWriter(os.Stderr, f), func() { _ = f.Close() }, nil
}
