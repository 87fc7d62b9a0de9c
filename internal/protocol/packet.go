package protocol

import "fmt"

// Packet types exchanged on the wire.
const (
	TypeText         = "text"
	TypeHeartbeat    = "heartbeat"
	TypeFileUpload   = "file_upload"
	TypeFileRequest  = "file_request"
	TypeFileNotify   = "file_notify"
	TypeFileResponse = "file_response"
	TypeUserList     = "user_list"
)

// Version is stamped into every outgoing packet as protocol_version.
const Version = "1.0.0"

// TargetEveryone addresses a text packet to every connected client.
const TargetEveryone = "everyone"

// TargetYou is the target written on a directed message as delivered to
// its recipient.
const TargetYou = "you"

// Packet is the JSON envelope for every wire message. The Type field
// selects which of the remaining fields are meaningful; Validate enforces
// that before any component logic runs.
type Packet struct {
	Type            string   `json:"type"`
	MsgID           string   `json:"msg_id,omitempty"`
	ProtocolVersion string   `json:"protocol_version,omitempty"`
	From            string   `json:"from,omitempty"`
	Target          string   `json:"target,omitempty"`
	Msg             string   `json:"msg,omitempty"`
	Filename        string   `json:"filename,omitempty"`
	Data            string   `json:"data,omitempty"` // base64 payload
	Size            int64    `json:"size,omitempty"`
	FileID          string   `json:"file_id,omitempty"`
	Users           []string `json:"users,omitempty"`
}

// Validate checks that the packet carries the fields its type requires.
// It does not inspect field contents beyond presence.
func (p Packet) Validate() error {
	switch p.Type {
	case TypeText:
		if p.Msg == "" {
			return fmt.Errorf("text packet requires msg")
		}
	case TypeHeartbeat:
		// No payload.
	case TypeFileUpload:
		if p.Filename == "" {
			return fmt.Errorf("file_upload packet requires filename")
		}
		if p.Data == "" {
			return fmt.Errorf("file_upload packet requires data")
		}
	case TypeFileRequest:
		if p.FileID == "" {
			return fmt.Errorf("file_request packet requires file_id")
		}
	case TypeFileNotify:
		if p.FileID == "" || p.Filename == "" {
			return fmt.Errorf("file_notify packet requires file_id and filename")
		}
	case TypeFileResponse:
		if p.FileID == "" || p.Data == "" {
			return fmt.Errorf("file_response packet requires file_id and data")
		}
	case TypeUserList:
		// Users may legitimately be empty.
	case "":
		return fmt.Errorf("packet type is required")
	default:
		return fmt.Errorf("unknown packet type %q", p.Type)
	}
	return nil
}
