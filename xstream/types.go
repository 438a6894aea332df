// Package xstream implements paired-substream byte channels ("XStreams")
// atop a libp2p host: a header-based handshake, a pending-substream
// matcher, a directional half-close state machine, and the public byte
// API applications read and write against.
package xstream

import (
	"fmt"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// ProtocolID is the substream protocol both the Main and Error halves of
// an XStream negotiate.
const ProtocolID protocol.ID = "/xnetwork/xstream/1.0.0"

// ID is a 128-bit stream identifier, unique within the scope of one end
// of one connection. It is never reused within a connection.
type ID struct {
	hi, lo uint64
}

// IDFromUint64 builds an ID from its high and low 64-bit halves, used for tests and for
// direction-tagged counters where the high bits stay zero or carry a
// direction marker.
func IDFromUint64(hi, lo uint64) ID {
	return ID{hi: hi, lo: lo}
}

func (id ID) String() string {
	return fmt.Sprintf("%016x%016x", id.hi, id.lo)
}

// Bytes returns the big-endian 16-byte encoding of the ID.
func (id ID) Bytes() [16]byte {
	var b [16]byte
	putUint64BE(b[0:8], id.hi)
	putUint64BE(b[8:16], id.lo)
	return b
}

func idFromBytes(b [16]byte) ID {
	return ID{hi: uint64BE(b[0:8]), lo: uint64BE(b[8:16])}
}

func putUint64BE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
}

func uint64BE(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// idCounter generates monotonically increasing, node-local stream IDs.
// One counter is shared by all outbound XStream opens on a Node; the low
// bits increase monotonically and the high bits are left free for a
// caller to stamp a direction marker into if desired — this module does
// not use that reservation itself.
type idCounter struct {
	next atomic.Uint64
}

func newIDCounter() *idCounter {
	return &idCounter{}
}

func (c *idCounter) Next() ID {
	return ID{hi: 0, lo: c.next.Add(1)}
}

// SubstreamRole distinguishes the payload half of an XStream (Main) from
// its out-of-band failure-reporting half (Error). Exactly one substream
// of each role makes up one logical XStream.
type SubstreamRole uint8

const (
	RoleMain SubstreamRole = iota
	RoleError
)

func (r SubstreamRole) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleError:
		return "error"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Direction records whether an XStream was opened locally (Outbound,
// headers are written) or received (Inbound, headers are read).
type Direction uint8

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// SubstreamKey identifies the logical stream a raw substream belongs to,
// before the two halves (Main, Error) have been paired by the matcher.
type SubstreamKey struct {
	Direction    Direction
	Peer         peer.ID
	ConnectionID uint64
	StreamID     ID
}

// rawStream is the subset of network.Stream this package touches. No
// test substitutes it: the error-reader tests use their own errSubstream
// type, and the matcher has no tests of its own.
type rawStream interface {
	network.Stream
}
