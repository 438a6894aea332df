package xauth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/solarw/xnetwork/internal/clockutil"
	"github.com/solarw/xnetwork/internal/xlog"
	"github.com/solarw/xnetwork/xnetwork/xerrs"
)

var log = xlog.Logger("xnetwork/xauth")

// ProtocolID is the dedicated request-response substream protocol PoR
// exchanges run on.
const ProtocolID protocol.ID = "/xnetwork/xauth/1.0.0"

// DefaultAuthTimeout is how long a direction may sit InProgress before
// it is failed with reason "timeout".
const DefaultAuthTimeout = 30 * time.Second

// DefaultSweepInterval is how often the Service checks every tracked
// connection for timed-out directions.
const DefaultSweepInterval = 5 * time.Second

// peerMetadataCacheSize bounds the remembered-peer-metadata cache so a
// node that churns through many short-lived connections over its
// lifetime doesn't grow this map without limit.
const peerMetadataCacheSize = 4096

// StartPolicy controls when the outbound half of authentication begins.
type StartPolicy uint8

const (
	// AutoStart begins outbound authentication as soon as a connection
	// is established.
	AutoStart StartPolicy = iota
	// ManualStart requires an explicit StartAuthentication call.
	ManualStart
)

type connKey struct {
	peer   peer.ID
	connID uint64
}

// Service is the PorAuth behaviour: it runs mutual authentication on
// every connection using a locally-held PoR, tracks per-direction state,
// and surfaces a uniform Event stream. Modeled on the same host-attached
// idService shape xstream.Service uses.
type Service struct {
	h           host.Host
	ownPor      *ProofOfRepresentation
	ownMetadata Metadata
	startPolicy StartPolicy
	authTimeout time.Duration
	sweepEvery  time.Duration
	clock       clockutil.Clock

	events chan Event

	mu             sync.Mutex
	conns          map[connKey]*ConnectionAuth
	pendingInbound map[connKey]network.Stream
	peerMetadata   *lru.Cache[peer.ID, Metadata]

	connMu  sync.Mutex
	connIDs map[network.Conn]uint64
	nextCID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Service at construction.
type Option func(*Service)

// WithStartPolicy overrides the default AutoStart policy.
func WithStartPolicy(p StartPolicy) Option {
	return func(s *Service) { s.startPolicy = p }
}

// WithAuthTimeout overrides DefaultAuthTimeout.
func WithAuthTimeout(d time.Duration) Option {
	return func(s *Service) { s.authTimeout = d }
}

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Service) { s.sweepEvery = d }
}

// WithClock substitutes the clock used for timeouts; tests use a mock
// clock to drive the sweep deterministically.
func WithClock(c clockutil.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// NewService constructs a Service that authenticates every connection
// using ownPor/ownMetadata as this node's credential. Call Start to
// register the protocol handler and begin processing.
func NewService(h host.Host, ownPor *ProofOfRepresentation, ownMetadata Metadata, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	metaCache, _ := lru.New[peer.ID, Metadata](peerMetadataCacheSize)
	s := &Service{
		h:              h,
		ownPor:         ownPor,
		ownMetadata:    ownMetadata.Clone(),
		startPolicy:    AutoStart,
		authTimeout:    DefaultAuthTimeout,
		sweepEvery:     DefaultSweepInterval,
		clock:          clockutil.New(),
		events:         make(chan Event, 256),
		conns:          make(map[connKey]*ConnectionAuth),
		pendingInbound: make(map[connKey]network.Stream),
		peerMetadata:   metaCache,
		connIDs:        make(map[network.Conn]uint64),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the xauth protocol handler, begins watching for new
// connections, and starts the timeout sweep. Safe to call once.
func (s *Service) Start() {
	s.h.SetStreamHandler(ProtocolID, s.handleInbound)
	s.h.Network().Notify(s)
	s.wg.Add(1)
	go s.sweepLoop()
}

// Close deregisters the protocol handler, stops the sweep, and waits for
// internal goroutines to exit.
func (s *Service) Close() {
	s.h.RemoveStreamHandler(ProtocolID)
	s.h.Network().StopNotify(s)
	s.cancel()
	s.wg.Wait()
}

// Events returns the channel applications read Event values from.
func (s *Service) Events() <-chan Event {
	return s.events
}

func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Service) connID(c network.Conn) uint64 {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if id, ok := s.connIDs[c]; ok {
		return id
	}
	id := s.nextCID.Add(1)
	s.connIDs[c] = id
	return id
}

func (s *Service) getOrCreateConn(key connKey, addr multiaddr.Multiaddr) *ConnectionAuth {
	s.mu.Lock()
	defer s.mu.Unlock()
	ca, ok := s.conns[key]
	if !ok {
		ca = NewConnectionAuth(key.peer, key.connID, addr)
		s.conns[key] = ca
	}
	return ca
}

// Connected implements network.Notifiee: a freshly established
// connection gets a ConnectionAuth and, under AutoStart, begins its
// outbound half immediately.
func (s *Service) Connected(net network.Network, conn network.Conn) {
	key := connKey{peer: conn.RemotePeer(), connID: s.connID(conn)}
	s.getOrCreateConn(key, conn.RemoteMultiaddr())
	if s.startPolicy == AutoStart {
		go s.startOutbound(key, conn)
	}
}

// Disconnected implements network.Notifiee: drops the connection's
// ConnectionAuth and, if no other connection to the peer is still
// tracked, the peer's cached metadata too.
func (s *Service) Disconnected(net network.Network, conn network.Conn) {
	key := connKey{peer: conn.RemotePeer(), connID: s.connID(conn)}
	s.mu.Lock()
	delete(s.conns, key)
	delete(s.pendingInbound, key)
	stillPresent := false
	for k := range s.conns {
		if k.peer == key.peer {
			stillPresent = true
			break
		}
	}
	if !stillPresent {
		s.peerMetadata.Remove(key.peer)
	}
	s.mu.Unlock()
}

// Listen, ListenClose are no-ops; Service only cares about connections.
func (s *Service) Listen(network.Network, multiaddr.Multiaddr)      {}
func (s *Service) ListenClose(network.Network, multiaddr.Multiaddr) {}

// StartAuthentication begins the outbound half for connID under
// ManualStart policy. Returns xerrs.ErrNotFound if no connection with
// that ID is tracked.
func (s *Service) StartAuthentication(p peer.ID, connID uint64) error {
	key := connKey{peer: p, connID: connID}
	conns := s.h.Network().ConnsToPeer(p)
	var target network.Conn
	for _, c := range conns {
		if s.connID(c) == connID {
			target = c
			break
		}
	}
	if target == nil {
		return fmt.Errorf("xauth: no connection %d to %s: %w", connID, p, xerrs.ErrNotFound)
	}
	go s.startOutbound(key, target)
	return nil
}

func (s *Service) startOutbound(key connKey, conn network.Conn) {
	ca := s.getOrCreateConn(key, conn.RemoteMultiaddr())
	now := s.clock.Now()
	s.mu.Lock()
	started := ca.StartOutbound(now)
	s.mu.Unlock()
	if !started {
		return
	}
	if s.ownPor == nil {
		s.failDirection(key, Outbound, "no local PoR to present")
		return
	}

	raw, err := s.h.NewStream(s.ctx, key.peer, ProtocolID)
	if err != nil {
		log.Debugw("xauth: open outbound stream failed", "peer", key.peer, "err", err)
		s.failDirection(key, Outbound, fmt.Sprintf("open stream: %v", err))
		return
	}
	defer raw.Close()

	wp, err := encodePor(s.ownPor)
	if err != nil {
		s.failDirection(key, Outbound, fmt.Sprintf("encode por: %v", err))
		return
	}
	if err := writeMessage(raw, porRequest{Por: wp, Metadata: s.ownMetadata}); err != nil {
		s.failDirection(key, Outbound, fmt.Sprintf("write request: %v", err))
		return
	}

	var resp porResponse
	if err := readMessage(newMsgReader(raw), &resp); err != nil {
		s.failDirection(key, Outbound, fmt.Sprintf("read response: %v", err))
		return
	}

	if !resp.Ok {
		s.failDirection(key, Outbound, resp.Reason)
		return
	}
	s.completeDirection(key, Outbound, resp.Metadata)
}

// handleInbound is registered as the xauth stream handler: it reads the
// remote's PoR + metadata, surfaces VerifyPorRequest, and waits for the
// application's verdict via SubmitVerificationResult before replying.
func (s *Service) handleInbound(raw network.Stream) {
	conn := raw.Conn()
	key := connKey{peer: conn.RemotePeer(), connID: s.connID(conn)}
	ca := s.getOrCreateConn(key, conn.RemoteMultiaddr())

	now := s.clock.Now()
	s.mu.Lock()
	started := ca.StartInbound(now)
	if started {
		s.pendingInbound[key] = raw
	}
	s.mu.Unlock()
	if !started {
		_ = raw.Reset()
		return
	}

	var req porRequest
	if err := readMessage(newMsgReader(raw), &req); err != nil {
		log.Debugw("xauth: read inbound request failed", "peer", key.peer, "err", err)
		s.failDirection(key, Inbound, fmt.Sprintf("read request: %v", err))
		_ = raw.Reset()
		return
	}
	por, err := req.Por.decode()
	if err != nil {
		s.failDirection(key, Inbound, fmt.Sprintf("decode por: %v", err))
		_ = raw.Reset()
		return
	}

	resultC := make(chan VerificationResult, 1)
	s.emit(Event{
		Kind:         KindVerifyPorRequest,
		Peer:         key.peer,
		ConnectionID: key.connID,
		Address:      conn.RemoteMultiaddr(),
		Por:          por,
		Metadata:     req.Metadata,
		Result:       resultC,
	})

	select {
	case result := <-resultC:
		s.resolveInbound(key, result)
	case <-s.ctx.Done():
		_ = raw.Reset()
	}
}

// SubmitVerificationResult delivers the application's verdict for the
// pending inbound VerifyPorRequest on (peer, connID). It is the
// out-of-band counterpart to sending on the Event's Result channel
// directly; callers may use either.
func (s *Service) SubmitVerificationResult(p peer.ID, connID uint64, result VerificationResult) error {
	key := connKey{peer: p, connID: connID}
	s.mu.Lock()
	_, ok := s.pendingInbound[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("xauth: no pending verification for connection %d: %w", connID, xerrs.ErrNotFound)
	}
	s.resolveInbound(key, result)
	return nil
}

func (s *Service) resolveInbound(key connKey, result VerificationResult) {
	s.mu.Lock()
	stream, ok := s.pendingInbound[key]
	delete(s.pendingInbound, key)
	s.mu.Unlock()
	if !ok {
		return
	}
	defer stream.Close()

	if result.Ok {
		if err := writeMessage(stream, porResponse{Ok: true, Metadata: s.ownMetadata}); err != nil {
			log.Debugw("xauth: write accept response failed", "peer", key.peer, "err", err)
		}
		s.completeDirection(key, Inbound, result.Metadata)
		return
	}
	if err := writeMessage(stream, porResponse{Ok: false, Reason: result.Reason}); err != nil {
		log.Debugw("xauth: write reject response failed", "peer", key.peer, "err", err)
	}
	s.failDirection(key, Inbound, result.Reason)
}

func (s *Service) completeDirection(key connKey, dir AuthDirection, metadata Metadata) {
	s.mu.Lock()
	ca, ok := s.conns[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	ca.Complete(dir, metadata)
	if dir == Inbound {
		s.peerMetadata.Add(key.peer, metadata.Clone())
	}
	authenticated := ca.IsAuthenticated()
	addr := ca.Address
	s.mu.Unlock()

	if authenticated {
		s.emit(Event{
			Kind:         KindMutualAuthSuccess,
			Peer:         key.peer,
			ConnectionID: key.connID,
			Address:      addr,
			Metadata:     metadata,
		})
	}
}

func (s *Service) failDirection(key connKey, dir AuthDirection, reason string) {
	s.mu.Lock()
	ca, ok := s.conns[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	ca.Fail(dir, reason)
	addr := ca.Address
	s.mu.Unlock()

	kind := KindOutboundAuthFailure
	if dir == Inbound {
		kind = KindInboundAuthFailure
	}
	s.emit(Event{Kind: kind, Peer: key.peer, ConnectionID: key.connID, Address: addr, Reason: reason})
}

// IsPeerAuthenticated reports whether any tracked connection to p has
// completed both directions.
func (s *Service) IsPeerAuthenticated(p peer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, ca := range s.conns {
		if k.peer == p && ca.IsAuthenticated() {
			return true
		}
	}
	return false
}

// GetPeerMetadata returns the metadata carried by the application's
// accepting VerificationResult the last time p's inbound PoR was
// approved, if any.
func (s *Service) GetPeerMetadata(p peer.ID) (Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerMetadata.Get(p)
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepTimeouts()
		}
	}
}

func (s *Service) sweepTimeouts() {
	now := s.clock.Now()
	type firing struct {
		key      connKey
		addr     multiaddr.Multiaddr
		timedOut []TimedOutDirection
	}
	var fired []firing

	s.mu.Lock()
	for key, ca := range s.conns {
		if t := ca.CheckTimeout(s.authTimeout, now); len(t) > 0 {
			fired = append(fired, firing{key: key, addr: ca.Address, timedOut: t})
		}
	}
	s.mu.Unlock()

	for _, f := range fired {
		for _, t := range f.timedOut {
			s.emit(Event{
				Kind:         KindAuthTimeout,
				Peer:         f.key.peer,
				ConnectionID: f.key.connID,
				Address:      f.addr,
				Direction:    t.Direction,
			})
		}
	}
}
