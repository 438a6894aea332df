package xauth

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// AuthState is one of the four states a single direction of a
// connection's mutual authentication can be in.
type AuthState uint8

const (
	NotStarted AuthState = iota
	InProgress
	Completed
	Failed
)

func (s AuthState) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case InProgress:
		return "in-progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// AuthDirection distinguishes verifying the remote's PoR (Inbound) from
// having our own PoR verified by the remote (Outbound).
type AuthDirection uint8

const (
	Inbound AuthDirection = iota
	Outbound
)

func (d AuthDirection) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// DirectionalAuthState is the value of one direction's AuthState plus the
// data that state carries: StartedAt while InProgress, Metadata once
// Completed, Reason once Failed.
type DirectionalAuthState struct {
	State     AuthState
	StartedAt time.Time
	Metadata  Metadata
	Reason    string
}

// ConnectionAuth is the mutual-authentication state of one physical
// connection: one DirectionalAuthState per direction, plus the
// at-most-once timeout flags.
type ConnectionAuth struct {
	PeerID       peer.ID
	ConnectionID uint64
	Address      multiaddr.Multiaddr

	Inbound  DirectionalAuthState
	Outbound DirectionalAuthState

	InboundTimedOut  bool
	OutboundTimedOut bool
}

// NewConnectionAuth returns a ConnectionAuth with both directions
// NotStarted.
func NewConnectionAuth(peerID peer.ID, connectionID uint64, addr multiaddr.Multiaddr) *ConnectionAuth {
	return &ConnectionAuth{PeerID: peerID, ConnectionID: connectionID, Address: addr}
}

func (c *ConnectionAuth) direction(dir AuthDirection) *DirectionalAuthState {
	if dir == Inbound {
		return &c.Inbound
	}
	return &c.Outbound
}

// StartOutbound moves Outbound from NotStarted to InProgress. No-op if
// already started.
func (c *ConnectionAuth) StartOutbound(now time.Time) bool {
	if c.Outbound.State != NotStarted {
		return false
	}
	c.Outbound = DirectionalAuthState{State: InProgress, StartedAt: now}
	return true
}

// StartInbound moves Inbound from NotStarted to InProgress. No-op if
// already started; a connection only ever receives one PoR request per
// direction in this module's scope.
func (c *ConnectionAuth) StartInbound(now time.Time) bool {
	if c.Inbound.State != NotStarted {
		return false
	}
	c.Inbound = DirectionalAuthState{State: InProgress, StartedAt: now}
	return true
}

// Complete moves dir to Completed with the given metadata.
func (c *ConnectionAuth) Complete(dir AuthDirection, metadata Metadata) {
	*c.direction(dir) = DirectionalAuthState{State: Completed, Metadata: metadata.Clone()}
}

// Fail moves dir to Failed with the given reason.
func (c *ConnectionAuth) Fail(dir AuthDirection, reason string) {
	*c.direction(dir) = DirectionalAuthState{State: Failed, Reason: reason}
}

// IsAuthenticated reports whether both directions are Completed.
func (c *ConnectionAuth) IsAuthenticated() bool {
	return c.Inbound.State == Completed && c.Outbound.State == Completed
}

// TimedOutDirection names which direction CheckTimeout found freshly
// expired, for the caller to turn into an AuthTimeout event.
type TimedOutDirection struct {
	Direction AuthDirection
	Reason    string
}

// CheckTimeout inspects both directions against timeout and now, failing
// (at most once per direction, via the TimedOut flags) any direction
// that has been InProgress for longer than timeout. Returns the
// directions that timed out on this call only — repeat calls after a
// direction has already timed out report nothing further for it.
func (c *ConnectionAuth) CheckTimeout(timeout time.Duration, now time.Time) []TimedOutDirection {
	var timedOut []TimedOutDirection

	if c.Inbound.State == InProgress && !c.InboundTimedOut && now.Sub(c.Inbound.StartedAt) > timeout {
		c.Fail(Inbound, "timeout")
		c.InboundTimedOut = true
		timedOut = append(timedOut, TimedOutDirection{Direction: Inbound, Reason: "timeout"})
	}
	if c.Outbound.State == InProgress && !c.OutboundTimedOut && now.Sub(c.Outbound.StartedAt) > timeout {
		c.Fail(Outbound, "timeout")
		c.OutboundTimedOut = true
		timedOut = append(timedOut, TimedOutDirection{Direction: Outbound, Reason: "timeout"})
	}
	return timedOut
}
