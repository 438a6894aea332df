package xauth

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// VerificationResult is what the application sends back in response to
// a VerifyPorRequest event: accept with (possibly adjusted) metadata, or
// reject with a human-readable reason.
type VerificationResult struct {
	Ok       bool
	Metadata Metadata
	Reason   string
}

// ResultSender is the one-shot channel a VerifyPorRequest event carries;
// exactly one VerificationResult must be sent on it.
type ResultSender chan<- VerificationResult

// EventKind discriminates Event values the Service emits.
type EventKind uint8

const (
	KindVerifyPorRequest EventKind = iota
	KindMutualAuthSuccess
	KindAuthTimeout
	KindInboundAuthFailure
	KindOutboundAuthFailure
)

func (k EventKind) String() string {
	switch k {
	case KindVerifyPorRequest:
		return "verify-por-request"
	case KindMutualAuthSuccess:
		return "mutual-auth-success"
	case KindAuthTimeout:
		return "auth-timeout"
	case KindInboundAuthFailure:
		return "inbound-auth-failure"
	case KindOutboundAuthFailure:
		return "outbound-auth-failure"
	default:
		return "unknown"
	}
}

// Event is the union of everything a Service surfaces to its
// application; callers switch on Kind and read the fields it documents.
type Event struct {
	Kind EventKind

	Peer         peer.ID
	ConnectionID uint64
	Address      multiaddr.Multiaddr

	// Populated for KindVerifyPorRequest.
	Por      *ProofOfRepresentation
	Metadata Metadata
	Result   ResultSender

	// Populated for KindAuthTimeout.
	Direction AuthDirection

	// Populated for KindInboundAuthFailure/KindOutboundAuthFailure.
	Reason string
}
