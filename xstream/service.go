package xstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/solarw/xnetwork/xnetwork/xerrs"
)

var svcLog = xlogLogger("xnetwork/xstream/service")

// Policy selects how inbound streams are handled.
type Policy uint8

const (
	// AutoApprove accepts every inbound stream without asking.
	AutoApprove Policy = iota
	// ApproveViaEvent raises an IncomingStreamRequest event and waits
	// for the application to approve or reject it.
	ApproveViaEvent
)

// Service is the swarm-facing XStream behaviour: it accepts inbound
// substreams, pairs them via a Matcher, applies the inbound approval
// policy, opens outbound XStreams on request, and surfaces a uniform
// Event stream.
type Service struct {
	h       host.Host
	matcher *Matcher
	ids     *idCounter
	policy  Policy

	events   chan Event
	closureC chan ClosureEvent

	connMu  sync.Mutex
	connIDs map[network.Conn]uint64
	nextCID atomic.Uint64

	// The matcher notifies both of an inbound pair's two handleInbound
	// goroutines once pairing completes. deliveredMu/delivered dedupes
	// that so only one of the two actually runs onPairReady.
	deliveredMu sync.Mutex
	delivered   map[SubstreamKey]struct{}

	matcherOpts []MatcherOption

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Service at construction.
type Option func(*Service)

// WithPolicy overrides the default AutoApprove policy.
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithMatcherOptions forwards options to the underlying Matcher.
func WithMatcherOptions(opts ...MatcherOption) Option {
	return func(s *Service) { s.matcherOpts = append(s.matcherOpts, opts...) }
}

// NewService constructs a Service attached to h. Call Start to register
// the protocol handler and begin processing.
func NewService(h host.Host, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		h:         h,
		ids:       newIDCounter(),
		policy:    AutoApprove,
		events:    make(chan Event, 256),
		closureC:  make(chan ClosureEvent, 256),
		connIDs:   make(map[network.Conn]uint64),
		delivered: make(map[SubstreamKey]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.matcher = NewMatcher(s.matcherOpts...)
	return s
}

// Start registers the XStream protocol handler on the host and begins
// the closure-event pump. Safe to call once.
func (s *Service) Start() {
	s.h.SetStreamHandler(ProtocolID, s.handleInbound)
	s.wg.Add(1)
	go s.pumpClosures()
}

// Close stops the service: deregisters the protocol handler, stops the
// matcher, and waits for internal goroutines to exit.
func (s *Service) Close() {
	s.h.RemoveStreamHandler(ProtocolID)
	s.cancel()
	s.matcher.Close()
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

func (s *Service) pumpClosures() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ce := <-s.closureC:
			s.emit(Event{Kind: KindStreamClosed, Peer: ce.Peer, StreamID: ce.StreamID})
		}
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

// handleInbound is registered as the stream handler for ProtocolID; it
// hands each raw inbound substream to the matcher and, once a pair
// completes, runs the approval policy before surfacing IncomingStream.
func (s *Service) handleInbound(raw network.Stream) {
	conn := raw.Conn()
	p := conn.RemotePeer()
	cid := s.connID(conn)

	resultC := make(chan matchResult, 1)
	s.matcher.submit(newSubstream{
		stream:       raw,
		direction:    Inbound,
		peer:         p,
		connectionID: cid,
	}, resultC)

	go func() {
		res := <-resultC
		if res.err != nil {
			svcLog.Debugw("inbound substream match failed", "peer", p, "err", res.err)
			s.emit(Event{Kind: KindStreamError, Peer: p, Err: res.err})
			return
		}
		if !s.claimDelivery(res.pair.Key) {
			// The matcher notifies both of this pair's handleInbound
			// goroutines; the other one already claimed it.
			return
		}
		s.onPairReady(*res.pair, Inbound)
	}()
}

// claimDelivery reports whether this call is the first to claim key,
// so a paired inbound substream's two handleInbound goroutines
// deliver exactly one XStream and one KindIncomingStream event
// instead of one each.
func (s *Service) claimDelivery(key SubstreamKey) bool {
	s.deliveredMu.Lock()
	defer s.deliveredMu.Unlock()
	if _, ok := s.delivered[key]; ok {
		// Second and last arrival for this key; nothing else will
		// ever look it up again.
		delete(s.delivered, key)
		return false
	}
	s.delivered[key] = struct{}{}
	return true
}

func (s *Service) onPairReady(pair Pair, direction Direction) {
	if direction == Inbound && s.policy == ApproveViaEvent {
		decisionC := make(chan Decision, 1)
		s.emit(Event{
			Kind:     KindIncomingStreamRequest,
			Peer:     pair.Key.Peer,
			StreamID: pair.Key.StreamID,
			Decision: decisionC,
		})
		decision := <-decisionC
		if !decision.Approve {
			svcLog.Infow("inbound stream rejected", "peer", pair.Key.Peer, "reason", decision.Reason)
			if decision.Reason != "" {
				_, _ = pair.Error.Write([]byte(decision.Reason))
			}
			_ = pair.Main.Reset()
			_ = pair.Error.Reset()
			s.emit(Event{
				Kind: KindStreamError, Peer: pair.Key.Peer, StreamID: pair.Key.StreamID,
				Err: fmt.Errorf("xstream: inbound stream rejected: %s: %w", decision.Reason, xerrs.ErrProtocol),
			})
			return
		}
	}

	stream := New(pair, direction, s.closureC)
	kind := KindIncomingStream
	if direction == Outbound {
		kind = KindStreamEstablished
	}
	s.emit(Event{Kind: kind, Peer: pair.Key.Peer, StreamID: pair.Key.StreamID, Stream: stream})
}

// OpenStream opens a new outbound XStream to p: two substream opens
// (Main, then Error — the order is advisory only, the matcher pairs
// them by key regardless of arrival order), header writes on each, then
// matcher pairing.
func (s *Service) OpenStream(ctx context.Context, p peer.ID) (*XStream, error) {
	id := s.ids.Next()

	conns := s.h.Network().ConnsToPeer(p)
	if len(conns) == 0 {
		return nil, fmt.Errorf("xstream: no connection to %s: %w", p, xerrs.ErrProtocol)
	}
	cid := s.connID(conns[0])

	resultC := make(chan matchResult, 2)

	mainStream, err := s.openRoleSubstream(ctx, p, id, RoleMain, cid, resultC)
	if err != nil {
		return nil, err
	}
	errStream, err := s.openRoleSubstream(ctx, p, id, RoleError, cid, resultC)
	if err != nil {
		_ = mainStream.Reset()
		return nil, err
	}
	_ = errStream

	res := <-resultC
	if res.err != nil {
		return nil, fmt.Errorf("xstream: open stream: %w", res.err)
	}
	return New(*res.pair, Outbound, s.closureC), nil
}

func (s *Service) openRoleSubstream(ctx context.Context, p peer.ID, id ID, role SubstreamRole, cid uint64, resultC chan matchResult) (network.Stream, error) {
	raw, err := s.h.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("xstream: open %s substream: %w", role, err)
	}
	header := Header{StreamID: id, Role: role}
	if err := header.Encode(raw); err != nil {
		_ = raw.Reset()
		return nil, fmt.Errorf("xstream: write %s header: %w", role, err)
	}
	s.matcher.submit(newSubstream{
		stream:       raw,
		direction:    Outbound,
		peer:         p,
		connectionID: cid,
		role:         role,
		streamID:     id,
	}, resultC)
	return raw, nil
}
