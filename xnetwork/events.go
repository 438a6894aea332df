package xnetwork

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/solarw/xnetwork/xauth"
	"github.com/solarw/xnetwork/xstream"
)

// EventKind discriminates NodeEvent values across every composed
// sub-behaviour: connection lifecycle, authentication, streams, and
// discovery.
type EventKind uint8

const (
	KindPeerConnected EventKind = iota
	KindPeerDisconnected
	KindConnectionError
	KindListening
	KindListenClosed
	KindExternalAddrConfirmed
	KindExternalAddrExpired

	KindVerifyPorRequest
	KindMutualAuthSuccess
	KindAuthTimeout
	KindInboundAuthFailure
	KindOutboundAuthFailure

	KindIncomingStreamRequest
	KindIncomingStream
	KindStreamEstablished
	KindStreamError
	KindStreamClosed

	KindMdnsPeerDiscovered
	KindMdnsPeerExpired
	KindKadRoutingUpdated
	KindKadPeerDiscovered
)

func (k EventKind) String() string {
	switch k {
	case KindPeerConnected:
		return "peer-connected"
	case KindPeerDisconnected:
		return "peer-disconnected"
	case KindConnectionError:
		return "connection-error"
	case KindListening:
		return "listening"
	case KindListenClosed:
		return "listen-closed"
	case KindExternalAddrConfirmed:
		return "external-addr-confirmed"
	case KindExternalAddrExpired:
		return "external-addr-expired"
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
	case KindMdnsPeerDiscovered:
		return "mdns-peer-discovered"
	case KindMdnsPeerExpired:
		return "mdns-peer-expired"
	case KindKadRoutingUpdated:
		return "kad-routing-updated"
	case KindKadPeerDiscovered:
		return "kad-peer-discovered"
	default:
		return "unknown"
	}
}

// NodeEvent is the union of every event the Node's broadcast channel
// carries. Exactly one cluster of fields is meaningful per Kind;
// consumers switch on Kind to decide which fields to read.
type NodeEvent struct {
	Kind EventKind
	At   time.Time

	Peer    peer.ID
	Address multiaddr.Multiaddr
	Err     error

	// Populated for connection-error events without a known peer.
	HasPeer bool

	// Populated for auth-kind events.
	ConnectionID uint64
	Direction    xauth.AuthDirection
	Por          *xauth.ProofOfRepresentation
	Metadata     xauth.Metadata
	AuthResult   xauth.ResultSender
	Reason       string

	// Populated for stream-kind events.
	StreamID       xstream.ID
	Stream         *xstream.XStream
	StreamDecision xstream.DecisionSender
}

// Bus is a fan-out broadcaster for NodeEvent: every Subscribe call gets
// its own buffered channel, and Publish sends to all of them without
// blocking on a slow subscriber. A slow subscriber simply misses events
// once its channel fills rather than stalling every other subscriber or
// getting disconnected.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan NodeEvent
	nextID      int
	bufferSize  int
}

// NewBus creates an event bus whose subscriber channels are buffered to
// bufferSize.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[int]chan NodeEvent),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a new receive channel and an unsubscribe function.
func (b *Bus) Subscribe() (<-chan NodeEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan NodeEvent, b.bufferSize)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Publish sends ev to every current subscriber, dropping it for any
// subscriber whose channel is full instead of blocking.
func (b *Bus) Publish(ev NodeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close unsubscribes and closes every subscriber channel. Safe to call
// more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
