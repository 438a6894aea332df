package xnetwork

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	ping "github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/multiformats/go-multiaddr"

	"github.com/solarw/xnetwork/internal/xlog"
	"github.com/solarw/xnetwork/xauth"
	"github.com/solarw/xnetwork/xnetwork/xerrs"
	"github.com/solarw/xnetwork/xstream"
)

var nodeLog = xlog.Logger("xnetwork/node")

// Node owns the host, every composed sub-behaviour, the event bus, and
// the command dispatcher loop. The dispatcher is the single mutator of
// everything it owns, reached only by sending a command and awaiting
// its one-shot response over a channel — no other goroutine touches
// Node's internal state directly.
type Node struct {
	host host.Host

	xstream *xstream.Service
	xauth   *xauth.Service
	ping    *ping.PingService
	tracker *ConnectionTracker
	routes  *xRoutes

	bus *Bus

	authGatedStreams bool

	cmdC chan command

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewNode constructs every sub-behaviour, attaches them to h, and
// starts the dispatcher loop. ownPor is the local node's PoR credential
// for PorAuth; it may be nil if the application never expects to be
// authenticated (xauth.Service still runs, every direction simply never
// starts under ManualStart, or fails immediately under AutoStart).
func NewNode(h host.Host, ownPor *xauth.ProofOfRepresentation, ownMetadata xauth.Metadata, cfg Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	authPolicy := xauth.AutoStart
	if cfg.AuthStartPolicy == AuthManualStart {
		authPolicy = xauth.ManualStart
	}

	n := &Node{
		host: h,
		xstream: xstream.NewService(h),
		xauth: xauth.NewService(h, ownPor, ownMetadata,
			xauth.WithStartPolicy(authPolicy),
			xauth.WithAuthTimeout(cfg.AuthTimeout),
			xauth.WithSweepInterval(cfg.AuthSweepEvery),
		),
		ping:             ping.NewPingService(h),
		tracker:          NewConnectionTracker(h.ID()),
		bus:              NewBus(cfg.EventBusBuffer),
		authGatedStreams: cfg.AuthGatedStreams,
		cmdC:             make(chan command, 64),
		ctx:              ctx,
		cancel:           cancel,
	}

	routes, err := newXRoutes(h, n.bus, cfg.InitialXRoutes)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("construct xroutes: %w", err)
	}
	n.routes = routes

	n.tracker.SetEventSink(n.bus.Publish)
	h.Network().Notify(n.tracker)

	n.xstream.Start()
	// xauth.Service.Start registers itself as a network.Notifiee.
	n.xauth.Start()

	n.wg.Add(3)
	go n.runDispatcher()
	go n.pumpXStreamEvents()
	go n.pumpXAuthEvents()

	return n, nil
}

// Commander returns the public command-sending handle for this Node: a
// thin struct holding the same command channel the dispatcher reads
// from. Every Commander method sends a command struct and blocks on a
// one-shot response channel.
func (n *Node) Commander() *Commander {
	return &Commander{n: n}
}

// Subscribe returns a NodeEvent stream and an unsubscribe function.
func (n *Node) Subscribe() (<-chan NodeEvent, func()) {
	return n.bus.Subscribe()
}

// send submits a command and blocks for its response or ctx expiry.
func send[T any](n *Node, ctx context.Context, cmd command, resp respCh[T]) (T, error) {
	if n.ctx.Err() != nil {
		var zero T
		return zero, xerrs.ErrCancelled
	}
	select {
	case n.cmdC <- cmd:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-n.ctx.Done():
		var zero T
		return zero, xerrs.ErrCancelled
	}
	return resp.wait(ctx)
}

func (n *Node) runDispatcher() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			n.drainCommands()
			return
		case cmd := <-n.cmdC:
			n.handleCommand(cmd)
		}
	}
}

// drainCommands resolves every still-pending command with ErrCancelled
// instead of leaving callers blocked forever after shutdown.
func (n *Node) drainCommands() {
	for {
		select {
		case cmd := <-n.cmdC:
			n.failCommand(cmd)
		default:
			return
		}
	}
}

func (n *Node) handleCommand(cmd command) {
	switch c := cmd.(type) {
	case listenOnCmd:
		err := n.host.Network().Listen(c.addr)
		c.resp.send(c.addr, err)
	case dialCmd:
		if c.addr != nil {
			n.host.Peerstore().AddAddr(c.peer, c.addr, peerstore.TempAddrTTL)
		}
		_, err := n.host.Network().DialPeer(n.ctx, c.peer)
		c.resp.send(struct{}{}, err)
	case disconnectCmd:
		conns := n.host.Network().ConnsToPeer(c.peer)
		if len(conns) == 0 {
			c.resp.send(struct{}{}, fmt.Errorf("not connected to %s", c.peer))
			break
		}
		var lastErr error
		for _, conn := range conns {
			if err := conn.Close(); err != nil {
				lastErr = err
			}
		}
		c.resp.send(struct{}{}, lastErr)
	case openStreamCmd:
		if n.authGatedStreams && !n.xauth.IsPeerAuthenticated(c.peer) {
			c.resp.send(nil, fmt.Errorf("%w: peer %s not yet mutually authenticated", xerrs.ErrServiceUnavailable, c.peer))
			break
		}
		s, err := n.xstream.OpenStream(n.ctx, c.peer)
		c.resp.send(s, err)
	case submitPorVerificationCmd:
		err := n.xauth.SubmitVerificationResult(c.peer, c.connID, c.result)
		c.resp.send(struct{}{}, err)
	case startAuthenticationCmd:
		err := n.xauth.StartAuthentication(c.peer, c.connID)
		c.resp.send(struct{}{}, err)
	case isPeerAuthenticatedCmd:
		c.resp.send(n.xauth.IsPeerAuthenticated(c.peer), nil)
	case getPeerMetadataCmd:
		md, ok := n.xauth.GetPeerMetadata(c.peer)
		var err error
		if !ok {
			err = xerrs.ErrNotFound
		}
		c.resp.send(md, err)
	case findPeerAddressesCmd:
		coord := n.routes.coord
		if coord == nil || c.timeoutSecs == 0 {
			addrs, err := n.routes.findPeerAddresses(n.ctx, c.peer, c.timeoutSecs)
			c.resp.send(addrs, err)
			break
		}
		// A DHT query can run for its whole timeout, or until
		// CancelPeerSearch when timeoutSecs < 0, so it runs off the
		// dispatcher goroutine to keep later commands flowing.
		go func() {
			addrs, err := coord.FindPeerAddresses(n.ctx, c.peer, c.timeoutSecs)
			c.resp.send(addrs, err)
		}()
	case cancelPeerSearchCmd:
		if n.routes.coord == nil {
			c.resp.send(false, xerrs.ErrServiceUnavailable)
			break
		}
		c.resp.send(n.routes.coord.CancelPeerSearch(c.peer), nil)
	case getActiveSearchesCmd:
		if n.routes.coord == nil {
			c.resp.send(nil, xerrs.ErrServiceUnavailable)
			break
		}
		c.resp.send(n.routes.coord.GetActiveSearches(), nil)
	case getConnectionsForPeerCmd:
		c.resp.send(n.tracker.GetConnectionsForPeer(c.peer), nil)
	case getConnectedPeersCmd:
		c.resp.send(n.tracker.GetConnectedPeers(), nil)
	case connectToBootstrapNodeCmd:
		info, err := n.connectToBootstrapNode(c.addr, c.timeout)
		c.resp.send(info, err)
	case setXRouteRoleCmd:
		err := n.routes.setKadRole(c.role)
		c.resp.send(struct{}{}, err)
	case getXRouteRoleCmd:
		c.resp.send(n.routes.kadRole, nil)
	case getNetworkStateCmd:
		c.resp.send(n.networkState(), nil)
	case getXRoutesStatusCmd:
		c.resp.send(n.routes.status(), nil)
	case addExternalAddressCmd:
		n.tracker.AddExternalAddress(c.addr)
		c.resp.send(struct{}{}, nil)
	case enableSubsystemCmd:
		err := n.enableSubsystem(c.subsystem)
		c.resp.send(struct{}{}, err)
	case addAutonatServerCmd:
		if c.addr != nil {
			n.host.Peerstore().AddAddr(c.peer, c.addr, time.Hour)
		}
		c.resp.send(struct{}{}, nil)
	case shutdownCmd:
		c.resp.send(struct{}{}, nil)
		n.cancel()
	default:
		nodeLog.Warnf("dispatcher received unknown command type %T", cmd)
	}
}

func (n *Node) failCommand(cmd command) {
	switch c := cmd.(type) {
	case listenOnCmd:
		c.resp.send(nil, xerrs.ErrCancelled)
	case dialCmd:
		c.resp.send(struct{}{}, xerrs.ErrCancelled)
	case disconnectCmd:
		c.resp.send(struct{}{}, xerrs.ErrCancelled)
	case openStreamCmd:
		c.resp.send(nil, xerrs.ErrCancelled)
	case submitPorVerificationCmd:
		c.resp.send(struct{}{}, xerrs.ErrCancelled)
	case startAuthenticationCmd:
		c.resp.send(struct{}{}, xerrs.ErrCancelled)
	case isPeerAuthenticatedCmd:
		c.resp.send(false, xerrs.ErrCancelled)
	case getPeerMetadataCmd:
		c.resp.send(nil, xerrs.ErrCancelled)
	case findPeerAddressesCmd:
		c.resp.send(nil, xerrs.ErrCancelled)
	case cancelPeerSearchCmd:
		c.resp.send(false, xerrs.ErrCancelled)
	case getActiveSearchesCmd:
		c.resp.send(nil, xerrs.ErrCancelled)
	case getConnectionsForPeerCmd:
		c.resp.send(nil, xerrs.ErrCancelled)
	case getConnectedPeersCmd:
		c.resp.send(nil, xerrs.ErrCancelled)
	case connectToBootstrapNodeCmd:
		c.resp.send(BootstrapNodeInfo{}, xerrs.ErrCancelled)
	case setXRouteRoleCmd:
		c.resp.send(struct{}{}, xerrs.ErrCancelled)
	case getXRouteRoleCmd:
		c.resp.send(XRouteRoleClient, xerrs.ErrCancelled)
	case getNetworkStateCmd:
		c.resp.send(NetworkState{}, xerrs.ErrCancelled)
	case getXRoutesStatusCmd:
		c.resp.send(XRoutesStatus{}, xerrs.ErrCancelled)
	case addExternalAddressCmd:
		c.resp.send(struct{}{}, xerrs.ErrCancelled)
	case enableSubsystemCmd:
		c.resp.send(struct{}{}, xerrs.ErrCancelled)
	case addAutonatServerCmd:
		c.resp.send(struct{}{}, xerrs.ErrCancelled)
	case shutdownCmd:
		c.resp.send(struct{}{}, nil)
	}
}

func (n *Node) enableSubsystem(s subsystemKind) error {
	switch s {
	case subsystemIdentify:
		return n.routes.enableIdentify()
	case subsystemKad:
		return n.routes.enableKad(n.routes.kadRole)
	case subsystemMdns:
		return n.routes.enableMdns()
	default:
		return fmt.Errorf("unknown subsystem")
	}
}

func (n *Node) networkState() NetworkState {
	return NetworkState{
		PeerID:             n.host.ID(),
		Listening:          n.host.Network().ListenAddresses(),
		ConnectedPeers:     n.tracker.GetConnectedPeers(),
		AuthenticatedPeers: n.authenticatedPeers(),
	}
}

func (n *Node) authenticatedPeers() []peer.ID {
	var out []peer.ID
	for _, p := range n.tracker.GetConnectedPeers() {
		if n.xauth.IsPeerAuthenticated(p) {
			out = append(out, p)
		}
	}
	return out
}

func (n *Node) connectToBootstrapNode(addr multiaddr.Multiaddr, timeout time.Duration) (BootstrapNodeInfo, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return BootstrapNodeInfo{}, &BootstrapError{Kind: BootstrapInvalidAddress, Message: err.Error()}
	}

	ctx, cancel := context.WithTimeout(n.ctx, timeout)
	defer cancel()

	if err := n.host.Connect(ctx, *info); err != nil {
		return BootstrapNodeInfo{}, &BootstrapError{Kind: BootstrapConnectionFailed, Message: err.Error()}
	}
	if ctx.Err() != nil {
		return BootstrapNodeInfo{}, &BootstrapError{Kind: BootstrapConnectionTimeout, Message: ctx.Err().Error()}
	}

	protos, _ := n.host.Peerstore().GetProtocols(info.ID)
	protoStrings := make([]string, 0, len(protos))
	for _, p := range protos {
		protoStrings = append(protoStrings, string(p))
	}

	return BootstrapNodeInfo{
		PeerID:       info.ID,
		Role:         XRouteRoleServer,
		Protocols:    protoStrings,
		AgentVersion: "unknown",
	}, nil
}

func (n *Node) pumpXStreamEvents() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-n.xstream.Events():
			if !ok {
				return
			}
			n.bus.Publish(xstreamToNodeEvent(ev))
		}
	}
}

func (n *Node) pumpXAuthEvents() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-n.xauth.Events():
			if !ok {
				return
			}
			if ev.Kind == xauth.KindMutualAuthSuccess {
				// Protect authenticated peers' connections from the
				// connection manager's idle-prune sweep.
				n.host.ConnManager().Protect(ev.Peer, "xnetwork/xauth")
			}
			n.bus.Publish(xauthToNodeEvent(ev))
		}
	}
}

func xstreamToNodeEvent(ev xstream.Event) NodeEvent {
	out := NodeEvent{Peer: ev.Peer, StreamID: ev.StreamID, At: time.Now()}
	switch ev.Kind {
	case xstream.KindIncomingStreamRequest:
		out.Kind = KindIncomingStreamRequest
		out.StreamDecision = ev.Decision
	case xstream.KindIncomingStream:
		out.Kind = KindIncomingStream
		out.Stream = ev.Stream
	case xstream.KindStreamEstablished:
		out.Kind = KindStreamEstablished
	case xstream.KindStreamError:
		out.Kind = KindStreamError
		out.Err = ev.Err
	case xstream.KindStreamClosed:
		out.Kind = KindStreamClosed
	}
	return out
}

func xauthToNodeEvent(ev xauth.Event) NodeEvent {
	out := NodeEvent{
		Peer:         ev.Peer,
		ConnectionID: ev.ConnectionID,
		Address:      ev.Address,
		Por:          ev.Por,
		Metadata:     ev.Metadata,
		Direction:    ev.Direction,
		Reason:       ev.Reason,
		AuthResult:   ev.Result,
		At:           time.Now(),
	}
	switch ev.Kind {
	case xauth.KindVerifyPorRequest:
		out.Kind = KindVerifyPorRequest
	case xauth.KindMutualAuthSuccess:
		out.Kind = KindMutualAuthSuccess
	case xauth.KindAuthTimeout:
		out.Kind = KindAuthTimeout
	case xauth.KindInboundAuthFailure:
		out.Kind = KindInboundAuthFailure
	case xauth.KindOutboundAuthFailure:
		out.Kind = KindOutboundAuthFailure
	}
	return out
}

// Close performs graceful shutdown: stops accepting new commands,
// drains pending ones, stops every sub-behaviour, and closes the event
// bus. Safe to call more than once.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.cancel()
		n.wg.Wait()
		n.xstream.Close()
		// xauth.Service.Close deregisters its own notifiee.
		n.xauth.Close()
		n.routes.close()
		n.host.Network().StopNotify(n.tracker)
		n.bus.Close()
	})
}
