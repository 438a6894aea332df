package xstream

import (
	"fmt"
	"io"
)

// HeaderSize is the fixed, positional wire size of a substream header:
// 16 bytes of big-endian stream ID followed by 1 role byte. There is no
// framing and no length prefix.
const HeaderSize = 17

// Header is the 17-byte handshake every substream carries before
// payload bytes: which logical stream it belongs to, and which half
// (Main or Error) it is.
type Header struct {
	StreamID ID
	Role     SubstreamRole
}

// Encode writes the header to w. Role must be RoleMain or RoleError.
func (h Header) Encode(w io.Writer) error {
	if h.Role != RoleMain && h.Role != RoleError {
		return fmt.Errorf("xstream: invalid role %d: %w", h.Role, errInvalidRole)
	}
	var buf [HeaderSize]byte
	idBytes := h.StreamID.Bytes()
	copy(buf[0:16], idBytes[:])
	buf[16] = byte(h.Role)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("xstream: write header: %w", err)
	}
	return nil
}

// DecodeHeader reads exactly HeaderSize bytes from r and decodes them. A
// short read (including a clean EOF before 17 bytes) or an out-of-range
// role byte is a decode failure.
func DecodeHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("xstream: read header: %w", err)
	}
	var idBytes [16]byte
	copy(idBytes[:], buf[0:16])
	role := SubstreamRole(buf[16])
	if role != RoleMain && role != RoleError {
		return Header{}, fmt.Errorf("xstream: decoded invalid role %d: %w", role, errInvalidRole)
	}
	return Header{StreamID: idFromBytes(idBytes), Role: role}, nil
}

var errInvalidRole = fmt.Errorf("role must be 0 (main) or 1 (error)")
