package xstream

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/peer"
)

// State is one of the seven lifecycle states an XStream can be in. It is
// stored as a single atomic value so reads never take a lock.
type State uint32

const (
	Open State = iota
	WriteLocalClosed
	ReadRemoteClosed
	LocalClosed
	RemoteClosed
	FullyClosed
	StateError
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case WriteLocalClosed:
		return "write-local-closed"
	case ReadRemoteClosed:
		return "read-remote-closed"
	case LocalClosed:
		return "local-closed"
	case RemoteClosed:
		return "remote-closed"
	case FullyClosed:
		return "fully-closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ClosureEvent is sent to the shared closure notifier at most once per
// stream, on the transition that first makes the peer observe the
// stream as gone; the send is dropped if the notifier channel is full.
type ClosureEvent struct {
	Peer     peer.ID
	StreamID ID
}

// StateManager holds the lifecycle state of one XStream and applies its
// half-close transition table. It is safe for concurrent use.
type StateManager struct {
	state     atomic.Uint32
	streamID  ID
	peerID    peer.ID
	direction Direction
	notifier  chan<- ClosureEvent
	notified  atomic.Bool
}

// NewStateManager returns a manager starting in Open. notifier is a
// (possibly shared, possibly nil) channel that receives at most one
// ClosureEvent for this stream.
func NewStateManager(streamID ID, peerID peer.ID, direction Direction, notifier chan<- ClosureEvent) *StateManager {
	m := &StateManager{
		streamID:  streamID,
		peerID:    peerID,
		direction: direction,
	}
	m.state.Store(uint32(Open))
	m.notifier = notifier
	return m
}

// State returns the current state.
func (m *StateManager) State() State {
	return State(m.state.Load())
}

// transition applies the half-close transition rules and returns the
// resulting state. It is the single place the rules live.
func transition(cur, intent State) State {
	switch {
	case cur == FullyClosed:
		return FullyClosed
	case cur == WriteLocalClosed && intent == ReadRemoteClosed,
		cur == ReadRemoteClosed && intent == WriteLocalClosed:
		return FullyClosed
	case cur == LocalClosed && intent == RemoteClosed,
		cur == RemoteClosed && intent == LocalClosed:
		return FullyClosed
	default:
		return intent
	}
}

// setState applies intent through the transition table, updates the
// atomic state if it changed, and notifies on terminal/remote-visible
// transitions: RemoteClosed, ReadRemoteClosed, FullyClosed, Error.
func (m *StateManager) setState(intent State) {
	cur := m.State()
	final := transition(cur, intent)
	if cur == final {
		return
	}
	m.state.Store(uint32(final))

	if final == FullyClosed || final == StateError ||
		intent == ReadRemoteClosed || intent == RemoteClosed {
		m.notify()
	}
}

func (m *StateManager) notify() {
	if m.notifier == nil {
		return
	}
	if !m.notified.CompareAndSwap(false, true) {
		return
	}
	select {
	case m.notifier <- ClosureEvent{Peer: m.peerID, StreamID: m.streamID}:
	default:
		// Non-blocking: a full notifier channel must not stall a
		// stream's I/O path. Losing a closure notification to
		// backpressure is acceptable; the stream's own state is
		// still authoritative for IsClosed()/etc.
	}
}

// MarkWriteLocalClosed shuts the write half locally (EOF sent).
func (m *StateManager) MarkWriteLocalClosed() {
	switch m.State() {
	case Open:
		m.setState(WriteLocalClosed)
	case ReadRemoteClosed:
		m.setState(FullyClosed)
	}
}

// MarkReadRemoteClosed records that the remote sent EOF on its write
// half (we've seen the end of our read half).
func (m *StateManager) MarkReadRemoteClosed() {
	switch m.State() {
	case Open:
		m.setState(ReadRemoteClosed)
	case WriteLocalClosed:
		m.setState(FullyClosed)
	}
}

// MarkLocalClosed records a full local close() call.
func (m *StateManager) MarkLocalClosed() {
	switch m.State() {
	case Open, WriteLocalClosed:
		m.setState(LocalClosed)
		// LocalClosed isn't in setState's notify-on-transition list,
		// but a local close must still reach the peer-visible closure
		// path, so notify explicitly here.
		m.notify()
	case RemoteClosed:
		m.setState(FullyClosed)
	}
}

// MarkRemoteClosed records that the remote end closed the connection.
func (m *StateManager) MarkRemoteClosed() {
	switch m.State() {
	case Open:
		m.setState(RemoteClosed)
	case LocalClosed:
		m.setState(FullyClosed)
	}
}

// MarkError transitions to the terminal Error state and notifies.
func (m *StateManager) MarkError() {
	m.setState(StateError)
}

// IsClosed reports whether the stream is closed in any direction.
func (m *StateManager) IsClosed() bool {
	switch m.State() {
	case LocalClosed, RemoteClosed, FullyClosed, StateError:
		return true
	default:
		return false
	}
}

// IsLocalClosed reports whether the stream was fully closed locally.
func (m *StateManager) IsLocalClosed() bool {
	s := m.State()
	return s == LocalClosed || s == FullyClosed
}

// IsWriteLocalClosed reports whether the write half is shut locally.
func (m *StateManager) IsWriteLocalClosed() bool {
	s := m.State()
	return s == WriteLocalClosed || s == LocalClosed || s == FullyClosed
}

// IsReadRemoteClosed reports whether the read half has seen EOF.
func (m *StateManager) IsReadRemoteClosed() bool {
	s := m.State()
	return s == ReadRemoteClosed || s == RemoteClosed || s == FullyClosed
}

// Direction returns the stream's direction.
func (m *StateManager) Direction() Direction { return m.direction }

// StreamID returns the stream's ID.
func (m *StateManager) StreamID() ID { return m.streamID }

// PeerID returns the remote peer's ID.
func (m *StateManager) PeerID() peer.ID { return m.peerID }

// IsConnectionClosedErr reports whether err is one of the I/O errors
// treated as "connection closed": broken pipe, connection reset,
// connection aborted, and also io.EOF, io.ErrClosedPipe and
// net.ErrClosed.
func IsConnectionClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return true
	}
	return isPlatformConnectionClosedErr(err)
}

// HandleConnectionError marks the stream RemoteClosed if err looks like
// a peer-initiated connection closure, and reports whether it did.
func (m *StateManager) HandleConnectionError(err error) bool {
	if !IsConnectionClosedErr(err) {
		return false
	}
	m.MarkRemoteClosed()
	return true
}
