package xnetwork

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// ConnectionID is a locally-synthesized identifier for one connection,
// stable for the connection's lifetime. It has no relation to any
// transport-level identifier; it only needs to be unique within this
// process.
type ConnectionID uint64

// ConnectionInfo describes a single tracked connection.
type ConnectionInfo struct {
	ID            ConnectionID
	Peer          peer.ID
	LocalAddr     multiaddr.Multiaddr
	RemoteAddr    multiaddr.Multiaddr
	EstablishedAt time.Time
}

// PeerConnections holds every connection and every address ever seen
// for one peer. The address set is retained after the last connection
// closes so history survives a disconnect/reconnect cycle; connection
// entries are dropped on close.
type PeerConnections struct {
	Peer        peer.ID
	Addrs       map[string]multiaddr.Multiaddr
	Connections map[ConnectionID]*ConnectionInfo
}

func newPeerConnections(p peer.ID) *PeerConnections {
	return &PeerConnections{
		Peer:        p,
		Addrs:       make(map[string]multiaddr.Multiaddr),
		Connections: make(map[ConnectionID]*ConnectionInfo),
	}
}

// IsConnected reports whether the peer has at least one live connection.
func (pc *PeerConnections) IsConnected() bool {
	return len(pc.Connections) > 0
}

// ConnectionStats summarizes tracker-wide counters.
type ConnectionStats struct {
	TotalPeers             int
	TotalConnections       int
	ListenAddressesCount   int
	ExternalAddressesCount int
}

// ConnectionTracker is a network.Notifiee that maintains a live map of
// every peer's connections and addresses, plus the local node's listen
// and externally-confirmed addresses. It carries no behavior of its own
// beyond bookkeeping; GetConnectionsForPeer/GetConnectedPeers and the
// rest of Commander's introspection methods read directly from it.
type ConnectionTracker struct {
	localPeer peer.ID

	mu                sync.RWMutex
	peerConnections   map[peer.ID]*PeerConnections
	listenAddresses   []multiaddr.Multiaddr
	externalAddresses []multiaddr.Multiaddr

	nextID atomic.Uint64

	// onEvent, if set, is called with a NodeEvent for every connection
	// and listen-address transition the tracker observes, so the Node's
	// bus carries the connection-lifecycle portion of the event
	// taxonomy (NewListenAddr/ConnectionEstablished/ConnectionClosed/
	// ExternalAddrConfirmed/ExternalAddrExpired) without the tracker
	// itself knowing about Bus.
	onEvent func(NodeEvent)
}

// SetEventSink wires the tracker's connection/listen transitions to a
// publish function. Intended to be called once, right after
// NewConnectionTracker, before the tracker is registered as a
// network.Notifiee.
func (t *ConnectionTracker) SetEventSink(f func(NodeEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvent = f
}

func (t *ConnectionTracker) publish(ev NodeEvent) {
	t.mu.RLock()
	f := t.onEvent
	t.mu.RUnlock()
	if f != nil {
		ev.At = time.Now()
		f(ev)
	}
}

// NewConnectionTracker creates a tracker for the given local peer ID.
func NewConnectionTracker(local peer.ID) *ConnectionTracker {
	return &ConnectionTracker{
		localPeer:       local,
		peerConnections: make(map[peer.ID]*PeerConnections),
	}
}

var _ network.Notifiee = (*ConnectionTracker)(nil)

func (t *ConnectionTracker) Connected(_ network.Network, c network.Conn) {
	p := c.RemotePeer()

	t.mu.Lock()
	pc, ok := t.peerConnections[p]
	if !ok {
		pc = newPeerConnections(p)
		t.peerConnections[p] = pc
	}

	id := ConnectionID(t.nextID.Add(1))
	remote := c.RemoteMultiaddr()
	pc.Connections[id] = &ConnectionInfo{
		ID:            id,
		Peer:          p,
		LocalAddr:     c.LocalMultiaddr(),
		RemoteAddr:    remote,
		EstablishedAt: time.Now(),
	}
	if remote != nil {
		pc.Addrs[remote.String()] = remote
	}
	t.mu.Unlock()

	t.publish(NodeEvent{Kind: KindPeerConnected, Peer: p, Address: remote, ConnectionID: uint64(id)})
}

func (t *ConnectionTracker) Disconnected(_ network.Network, c network.Conn) {
	p := c.RemotePeer()

	t.mu.Lock()
	pc, ok := t.peerConnections[p]
	if !ok {
		t.mu.Unlock()
		return
	}
	remote := c.RemoteMultiaddr()
	for id, info := range pc.Connections {
		if remote != nil && info.RemoteAddr != nil && info.RemoteAddr.Equal(remote) {
			delete(pc.Connections, id)
		}
	}
	// The peer entry (and its address history) is kept even once
	// Connections is empty; GetConnectedPeers filters on IsConnected.
	t.mu.Unlock()

	t.publish(NodeEvent{Kind: KindPeerDisconnected, Peer: p, Address: remote})
}

func (t *ConnectionTracker) Listen(_ network.Network, a multiaddr.Multiaddr) {
	t.mu.Lock()
	t.listenAddresses = append(t.listenAddresses, a)
	t.mu.Unlock()

	t.publish(NodeEvent{Kind: KindListening, Address: a})
}

func (t *ConnectionTracker) ListenClose(_ network.Network, a multiaddr.Multiaddr) {
	t.mu.Lock()
	for i, addr := range t.listenAddresses {
		if addr.Equal(a) {
			t.listenAddresses = append(t.listenAddresses[:i], t.listenAddresses[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	t.publish(NodeEvent{Kind: KindListenClosed, Address: a})
}

// AddExternalAddress records an address the application has confirmed
// as externally reachable (e.g. via AutoNAT), per the
// add_external_address Commander method.
func (t *ConnectionTracker) AddExternalAddress(a multiaddr.Multiaddr) {
	t.mu.Lock()
	for _, addr := range t.externalAddresses {
		if addr.Equal(a) {
			t.mu.Unlock()
			return
		}
	}
	t.externalAddresses = append(t.externalAddresses, a)
	t.mu.Unlock()

	t.publish(NodeEvent{Kind: KindExternalAddrConfirmed, Address: a})
}

// RemoveExternalAddress drops a previously confirmed external address.
func (t *ConnectionTracker) RemoveExternalAddress(a multiaddr.Multiaddr) {
	t.mu.Lock()
	removed := false
	for i, addr := range t.externalAddresses {
		if addr.Equal(a) {
			t.externalAddresses = append(t.externalAddresses[:i], t.externalAddresses[i+1:]...)
			removed = true
			break
		}
	}
	t.mu.Unlock()

	if removed {
		t.publish(NodeEvent{Kind: KindExternalAddrExpired, Address: a})
	}
}

// GetPeerConnections returns the tracked state for a single peer.
func (t *ConnectionTracker) GetPeerConnections(p peer.ID) (*PeerConnections, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pc, ok := t.peerConnections[p]
	return pc, ok
}

// GetConnection finds a single connection by ID across all peers.
func (t *ConnectionTracker) GetConnection(id ConnectionID) (*ConnectionInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, pc := range t.peerConnections {
		if info, ok := pc.Connections[id]; ok {
			return info, true
		}
	}
	return nil, false
}

// GetConnectedPeers returns every peer with at least one live
// connection.
func (t *ConnectionTracker) GetConnectedPeers() []peer.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]peer.ID, 0, len(t.peerConnections))
	for p, pc := range t.peerConnections {
		if pc.IsConnected() {
			out = append(out, p)
		}
	}
	return out
}

// GetConnectionsForPeer returns the known addresses for a peer (the
// connection-tracker-backed half of Commander.GetConnectionsForPeer).
func (t *ConnectionTracker) GetConnectionsForPeer(p peer.ID) []multiaddr.Multiaddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pc, ok := t.peerConnections[p]
	if !ok {
		return nil
	}
	out := make([]multiaddr.Multiaddr, 0, len(pc.Addrs))
	for _, a := range pc.Addrs {
		out = append(out, a)
	}
	return out
}

// GetAllConnections returns every tracked connection across all peers,
// live or not yet garbage-collected by a Disconnected notification.
func (t *ConnectionTracker) GetAllConnections() []*ConnectionInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*ConnectionInfo
	for _, pc := range t.peerConnections {
		for _, info := range pc.Connections {
			out = append(out, info)
		}
	}
	return out
}

// GetListenAddresses returns the local node's current listen addresses.
func (t *ConnectionTracker) GetListenAddresses() []multiaddr.Multiaddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]multiaddr.Multiaddr, len(t.listenAddresses))
	copy(out, t.listenAddresses)
	return out
}

// GetExternalAddresses returns the local node's confirmed external
// addresses.
func (t *ConnectionTracker) GetExternalAddresses() []multiaddr.Multiaddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]multiaddr.Multiaddr, len(t.externalAddresses))
	copy(out, t.externalAddresses)
	return out
}

// GetConnectionStats summarizes tracker-wide counts.
func (t *ConnectionTracker) GetConnectionStats() ConnectionStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0
	for _, pc := range t.peerConnections {
		total += len(pc.Connections)
	}
	return ConnectionStats{
		TotalPeers:             len(t.peerConnections),
		TotalConnections:       total,
		ListenAddressesCount:   len(t.listenAddresses),
		ExternalAddressesCount: len(t.externalAddresses),
	}
}
