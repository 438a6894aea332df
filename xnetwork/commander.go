package xnetwork

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/solarw/xnetwork/discovery"
	"github.com/solarw/xnetwork/xauth"
	"github.com/solarw/xnetwork/xnetwork/xerrs"
	"github.com/solarw/xnetwork/xstream"
)

// Commander is the public, thin command-sending handle applications use
// to drive a Node: every method here builds a command struct, sends it
// on the dispatcher's channel, and blocks on a one-shot response. It
// carries no state of its own beyond a reference back to the Node that
// owns the real channel.
type Commander struct {
	n *Node
}

// ListenOn starts listening on addr and returns once Listen() succeeds
// (not once a NewListenAddr confirmation has propagated — use
// ListenAndWait for that).
func (c *Commander) ListenOn(ctx context.Context, addr multiaddr.Multiaddr) (multiaddr.Multiaddr, error) {
	resp := newRespCh[multiaddr.Multiaddr]()
	return send(c.n, ctx, listenOnCmd{addr: addr, resp: resp}, resp)
}

// ListenAndWait starts listening on addr and waits up to timeout for the
// next Listening event, returning the address it carries: the bound
// address, so a request for port 0 comes back with the real port.
func (c *Commander) ListenAndWait(ctx context.Context, addr multiaddr.Multiaddr, timeout time.Duration) (multiaddr.Multiaddr, error) {
	sub, unsub := c.n.bus.Subscribe()
	defer unsub()

	if _, err := c.ListenOn(ctx, addr); err != nil {
		return nil, err
	}

	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub:
			if ev.Kind == KindListening && ev.Address != nil {
				return ev.Address, nil
			}
		case <-deadline:
			return nil, fmt.Errorf("listen_and_wait: %w waiting for %s", context.DeadlineExceeded, addr)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Dial connects to p at addr. addr is added to the peerstore before
// dialing so a caller doesn't need a separate AddAddr call.
func (c *Commander) Dial(ctx context.Context, p peer.ID, addr multiaddr.Multiaddr) error {
	resp := newRespCh[struct{}]()
	_, err := send(c.n, ctx, dialCmd{peer: p, addr: addr, resp: resp}, resp)
	return err
}

// DialAndWait dials p at addr and waits up to timeout for a
// PeerConnected event for p before returning.
func (c *Commander) DialAndWait(ctx context.Context, p peer.ID, addr multiaddr.Multiaddr, timeout time.Duration) error {
	sub, unsub := c.n.bus.Subscribe()
	defer unsub()

	if err := c.Dial(ctx, p, addr); err != nil {
		return err
	}

	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub:
			if ev.Kind == KindPeerConnected && ev.Peer == p {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("dial_and_wait: %w waiting for %s", context.DeadlineExceeded, p)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect closes every connection to p.
func (c *Commander) Disconnect(ctx context.Context, p peer.ID) error {
	resp := newRespCh[struct{}]()
	_, err := send(c.n, ctx, disconnectCmd{peer: p, resp: resp}, resp)
	return err
}

// OpenStream opens a new logical XStream to p.
func (c *Commander) OpenStream(ctx context.Context, p peer.ID) (*xstream.XStream, error) {
	resp := newRespCh[*xstream.XStream]()
	return send(c.n, ctx, openStreamCmd{peer: p, resp: resp}, resp)
}

// SubmitPorVerification resolves an outstanding VerifyPorRequest for
// (p, connID) with result.
func (c *Commander) SubmitPorVerification(ctx context.Context, p peer.ID, connID uint64, result xauth.VerificationResult) error {
	resp := newRespCh[struct{}]()
	_, err := send(c.n, ctx, submitPorVerificationCmd{peer: p, connID: connID, result: result, resp: resp}, resp)
	return err
}

// StartAuthentication begins the outbound auth direction for
// (p, connID); only meaningful under xauth.ManualStart.
func (c *Commander) StartAuthentication(ctx context.Context, p peer.ID, connID uint64) error {
	resp := newRespCh[struct{}]()
	_, err := send(c.n, ctx, startAuthenticationCmd{peer: p, connID: connID, resp: resp}, resp)
	return err
}

// IsPeerAuthenticated reports whether both auth directions for p have
// completed.
func (c *Commander) IsPeerAuthenticated(ctx context.Context, p peer.ID) (bool, error) {
	resp := newRespCh[bool]()
	return send(c.n, ctx, isPeerAuthenticatedCmd{peer: p, resp: resp}, resp)
}

// GetPeerMetadata returns the metadata the application accepted for p
// when it last approved p's inbound PoR.
func (c *Commander) GetPeerMetadata(ctx context.Context, p peer.ID) (xauth.Metadata, error) {
	resp := newRespCh[xauth.Metadata]()
	return send(c.n, ctx, getPeerMetadataCmd{peer: p, resp: resp}, resp)
}

// FindPeerAddresses resolves addresses for p. timeoutSecs is three-way:
// 0 = local-only, >0 = bounded DHT query, -1 = unbounded (use
// CancelPeerSearch to resolve it early).
func (c *Commander) FindPeerAddresses(ctx context.Context, p peer.ID, timeoutSecs int) ([]multiaddr.Multiaddr, error) {
	resp := newRespCh[[]multiaddr.Multiaddr]()
	return send(c.n, ctx, findPeerAddressesCmd{peer: p, timeoutSecs: timeoutSecs, resp: resp}, resp)
}

// CancelPeerSearch cancels any in-flight find_peer_addresses search for
// p, resolving every waiter with a cancellation error.
func (c *Commander) CancelPeerSearch(ctx context.Context, p peer.ID) (bool, error) {
	resp := newRespCh[bool]()
	return send(c.n, ctx, cancelPeerSearchCmd{peer: p, resp: resp}, resp)
}

// GetActiveSearches returns introspection for every in-flight peer-find
// search.
func (c *Commander) GetActiveSearches(ctx context.Context) ([]discovery.ActiveSearch, error) {
	resp := newRespCh[[]discovery.ActiveSearch]()
	return send(c.n, ctx, getActiveSearchesCmd{resp: resp}, resp)
}

// GetConnectionsForPeer returns the known addresses for p.
func (c *Commander) GetConnectionsForPeer(ctx context.Context, p peer.ID) ([]multiaddr.Multiaddr, error) {
	resp := newRespCh[[]multiaddr.Multiaddr]()
	return send(c.n, ctx, getConnectionsForPeerCmd{peer: p, resp: resp}, resp)
}

// GetConnectedPeers returns every peer with at least one live
// connection.
func (c *Commander) GetConnectedPeers(ctx context.Context) ([]peer.ID, error) {
	resp := newRespCh[[]peer.ID]()
	return send(c.n, ctx, getConnectedPeersCmd{resp: resp}, resp)
}

// ConnectToBootstrapNode dials addr (which must end in /p2p/<id>) and
// returns the remote's peer ID and the protocols the peerstore knows for
// it. The remote's Kad mode is not checked: Role is always reported as
// XRouteRoleServer and AgentVersion as "unknown".
func (c *Commander) ConnectToBootstrapNode(ctx context.Context, addr multiaddr.Multiaddr, timeout time.Duration) (BootstrapNodeInfo, error) {
	resp := newRespCh[BootstrapNodeInfo]()
	return send(c.n, ctx, connectToBootstrapNodeCmd{addr: addr, timeout: timeout, resp: resp}, resp)
}

// SetXRouteRole toggles the local node's Kad participation mode between
// client and server.
func (c *Commander) SetXRouteRole(ctx context.Context, role XRouteRole) error {
	resp := newRespCh[struct{}]()
	_, err := send(c.n, ctx, setXRouteRoleCmd{role: role, resp: resp}, resp)
	return err
}

// GetXRouteRole returns the local node's current Kad participation
// mode.
func (c *Commander) GetXRouteRole(ctx context.Context) (XRouteRole, error) {
	resp := newRespCh[XRouteRole]()
	return send(c.n, ctx, getXRouteRoleCmd{resp: resp}, resp)
}

// GetNetworkState returns a point-in-time snapshot of the node's
// identity, listen addresses, and connected/authenticated peers.
func (c *Commander) GetNetworkState(ctx context.Context) (NetworkState, error) {
	resp := newRespCh[NetworkState]()
	return send(c.n, ctx, getNetworkStateCmd{resp: resp}, resp)
}

// GetXRoutesStatus reports which optional sub-behaviours are enabled.
func (c *Commander) GetXRoutesStatus(ctx context.Context) (XRoutesStatus, error) {
	resp := newRespCh[XRoutesStatus]()
	return send(c.n, ctx, getXRoutesStatusCmd{resp: resp}, resp)
}

// AddExternalAddress records addr as a confirmed externally-reachable
// address (e.g. learned via AutoNAT).
func (c *Commander) AddExternalAddress(ctx context.Context, addr multiaddr.Multiaddr) error {
	resp := newRespCh[struct{}]()
	_, err := send(c.n, ctx, addExternalAddressCmd{addr: addr, resp: resp}, resp)
	return err
}

// EnableIdentify turns on the Identify sub-behaviour if it isn't
// already running.
func (c *Commander) EnableIdentify(ctx context.Context) error {
	resp := newRespCh[struct{}]()
	_, err := send(c.n, ctx, enableSubsystemCmd{subsystem: subsystemIdentify, resp: resp}, resp)
	return err
}

// EnableKad turns on the Kademlia sub-behaviour in the node's current
// XRouteRole if it isn't already running.
func (c *Commander) EnableKad(ctx context.Context) error {
	resp := newRespCh[struct{}]()
	_, err := send(c.n, ctx, enableSubsystemCmd{subsystem: subsystemKad, resp: resp}, resp)
	return err
}

// EnableMdns turns on local-network peer discovery if it isn't already
// running.
func (c *Commander) EnableMdns(ctx context.Context) error {
	resp := newRespCh[struct{}]()
	_, err := send(c.n, ctx, enableSubsystemCmd{subsystem: subsystemMdns, resp: resp}, resp)
	return err
}

// AddAutonatServer adds addr for p to the peerstore with a one-hour TTL;
// a nil addr is a no-op. No AutoNAT client runs in this package, so
// nothing else records p as a probe server.
func (c *Commander) AddAutonatServer(ctx context.Context, p peer.ID, addr multiaddr.Multiaddr) error {
	resp := newRespCh[struct{}]()
	_, err := send(c.n, ctx, addAutonatServerCmd{peer: p, addr: addr, resp: resp}, resp)
	return err
}

// Subscribe returns a NodeEvent stream and an unsubscribe function.
func (c *Commander) Subscribe() (<-chan NodeEvent, func()) {
	return c.n.Subscribe()
}

// Shutdown requests a graceful shutdown and blocks until the dispatcher
// and every background task has stopped. Safe to call more than once.
func (c *Commander) Shutdown(ctx context.Context) error {
	resp := newRespCh[struct{}]()
	_, err := send(c.n, ctx, shutdownCmd{resp: resp}, resp)
	if err != nil && err != context.Canceled && !errors.Is(err, xerrs.ErrCancelled) {
		return err
	}
	c.n.Close()
	return nil
}

// ForceShutdown cancels the dispatcher immediately without waiting for
// the command channel round trip, for use when the dispatcher may
// already be wedged.
func (c *Commander) ForceShutdown() {
	c.n.Close()
}
