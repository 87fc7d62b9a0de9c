package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"relayd/internal/core"
	"relayd/internal/files"
	"relayd/internal/protocol"
)

// Handler runs the per-connection read loop. One goroutine per client;
// session state and routing live in the shared registry and router.
type Handler struct {
	state  *core.State
	router *Router
	files  *files.Manager
}

func NewHandler(state *core.State, router *Router, fm *files.Manager) *Handler {
	return &Handler{state: state, router: router, files: fm}
}

// Serve registers the connection, greets it, and processes packets until
// the peer hangs up, violates the framing rules, or the server shuts
// down. It always cleans up the session and notifies the others on exit.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	sess := h.state.Add(conn)
	log := slog.With("ip", sess.IP())
	log.Info("session opened")

	// The roster rebroadcast is unconditional: when delivery failure
	// already removed this session from the registry, this defer is the
	// only remaining place that tells the survivors.
	defer func() {
		name, had := h.state.Remove(sess)
		if !had {
			name = sess.LastName()
		}
		_ = sess.Close()
		slog.Info("session closed", "ip", sess.IP(), "name", name)
		if had && name != core.Unnamed {
			h.router.Announce(fmt.Sprintf("%s left the chat.", name))
		}
		h.router.BroadcastUserList()
	}()

	h.router.SendSystem(sess, "Welcome! You are now connected.")

	for h.state.Running() {
		p, err := protocol.Read(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Debug("peer disconnected")
			case errors.Is(err, protocol.ErrProtocol):
				log.Warn("dropping session after protocol violation", "err", err)
			default:
				if h.state.Running() {
					log.Warn("read failed", "err", err)
				}
			}
			return
		}
		h.state.Touch(sess)

		if p.Type == protocol.TypeHeartbeat {
			continue
		}

		if name, assigned, notice := h.state.AssignName(sess, p.From); assigned {
			log = slog.With("ip", sess.IP(), "name", name)
			log.Info("session named")
			if notice != "" {
				h.router.SendSystem(sess, notice)
			}
			h.router.Announce(fmt.Sprintf("%s joined the chat.", name))
			h.router.BroadcastUserList()
		}

		if err := p.Validate(); err != nil {
			h.router.SendSystem(sess, fmt.Sprintf("Invalid packet: %v", err))
			continue
		}

		switch p.Type {
		case protocol.TypeText:
			h.router.HandleText(sess, p)
		case protocol.TypeFileUpload:
			h.handleUpload(ctx, sess, p)
		case protocol.TypeFileRequest:
			h.handleRequest(ctx, sess, p)
		default:
			h.router.SendSystem(sess, fmt.Sprintf("Unsupported packet type %q.", p.Type))
		}
	}
}

func (h *Handler) handleUpload(ctx context.Context, sess *core.Session, p protocol.Packet) {
	uploader := h.state.Name(sess)
	entry, err := h.files.UploadBase64(ctx, uploader, p.Filename, p.Data)
	if err != nil {
		h.router.SendSystem(sess, fmt.Sprintf("Upload rejected: %v", err))
		return
	}

	h.router.SendSystem(sess, fmt.Sprintf("File %s uploaded.", entry.Filename))
	h.router.Broadcast(protocol.Packet{
		Type:     protocol.TypeFileNotify,
		From:     uploader,
		Target:   protocol.TargetEveryone,
		FileID:   entry.ID,
		Filename: entry.Filename,
		Size:     entry.Size,
		Msg:      fmt.Sprintf("%s shared a file: %s", uploader, entry.Filename),
	}, nil)
}

func (h *Handler) handleRequest(ctx context.Context, sess *core.Session, p protocol.Packet) {
	entry, payload, err := h.files.Read(ctx, p.FileID)
	if err != nil {
		h.router.SendSystem(sess, fmt.Sprintf("Download failed: %v", err))
		return
	}

	err = sess.Send(protocol.Packet{
		Type:     protocol.TypeFileResponse,
		From:     SystemName,
		Target:   protocol.TargetYou,
		FileID:   entry.ID,
		Filename: entry.Filename,
		Size:     entry.Size,
		Data:     base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		slog.Warn("file response send failed", "file_id", entry.ID, "err", err)
	}
}
