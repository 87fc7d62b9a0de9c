package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxBodyBytes is the hard ceiling on a single packet body. A length
// prefix above this is treated as a protocol violation before any body
// bytes are read.
const MaxBodyBytes = 50 << 20

// ErrProtocol marks an unrecoverable wire-level violation: a bad length
// prefix or a malformed body. Callers should drop the offending
// connection. A clean end of stream is reported as io.EOF instead.
var ErrProtocol = errors.New("protocol violation")

// Encode serializes a packet as a 4-byte big-endian length prefix
// followed by the UTF-8 JSON body. Missing msg_id and protocol_version
// fields are filled in.
func Encode(p Packet) ([]byte, error) {
	if p.MsgID == "" {
		p.MsgID = NewMessageID()
	}
	if p.ProtocolVersion == "" {
		p.ProtocolVersion = Version
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode packet body: %w", err)
	}
	if len(body) > MaxBodyBytes {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds limit", ErrProtocol, len(body))
	}

	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// Write encodes p and writes the full frame to w.
func Write(w io.Writer, p Packet) error {
	frame, err := Encode(p)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// Read reads exactly one packet from r. It loops on short reads until
// the declared byte count is obtained. A stream that closes cleanly
// before or during a packet yields io.EOF ("no message"); a zero or
// oversized length prefix, or a body that is not valid JSON, yields an
// error wrapping ErrProtocol.
func Read(r io.Reader) (Packet, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Packet{}, eofOr(err, "read packet header")
	}

	n := binary.BigEndian.Uint32(header[:])
	if n == 0 || n > MaxBodyBytes {
		return Packet{}, fmt.Errorf("%w: declared body length %d", ErrProtocol, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Packet{}, eofOr(err, "read packet body")
	}

	var p Packet
	if err := json.Unmarshal(body, &p); err != nil {
		return Packet{}, fmt.Errorf("%w: malformed body: %v", ErrProtocol, err)
	}
	return p, nil
}

func eofOr(err error, op string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return fmt.Errorf("%s: %w", op, err)
}
