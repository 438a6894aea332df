package xstream

import (
	"github.com/libp2p/go-libp2p/core/peer"
)

// Decision is sent back on an IncomingStreamRequest's channel to approve
// or reject the pending inbound stream.
type Decision struct {
	Approve bool
	Reason  string // populated when Approve is false
}

// DecisionSender is the one-shot channel an application uses to approve
// or reject an inbound stream request raised under ApproveViaEvent
// policy.
type DecisionSender chan<- Decision

// Event is the union of everything the Service surfaces to its caller.
// Exactly one of the typed fields is non-zero/non-nil per Event value;
// callers switch on Kind.
type Event struct {
	Kind EventKind

	Peer     peer.ID
	StreamID ID

	// Populated for KindIncomingStream.
	Stream *XStream

	// Populated for KindIncomingStreamRequest.
	Decision DecisionSender

	// Populated for KindStreamError.
	Err error
}

// EventKind discriminates Event values.
type EventKind uint8

const (
	KindIncomingStreamRequest EventKind = iota
	KindIncomingStream
	KindStreamEstablished
	KindStreamError
	KindStreamClosed
)

func (k EventKind) String() string {
	switch k {
	case KindIncomingStreamRequest:
		return "incoming-stream-request"
	case KindIncomingStream:
		return "incoming-stream"
	case KindStreamEstablished:
		return "stream-established"
	case KindStreamError:
		return "stream-error"
	case KindStreamClosed:
		return "stream-closed"
	default:
		return "unknown"
	}
}
