package xstream

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/solarw/xnetwork/internal/clockutil"
)

var matcherLog = xlogLogger("xnetwork/xstream/matcher")

// DefaultHeaderReadTimeout bounds how long the matcher waits to read the
// 17-byte header off an inbound substream before giving up on it.
const DefaultHeaderReadTimeout = 15 * time.Second

// DefaultSweepInterval is how often the matcher evicts pending entries
// older than its timeout.
const DefaultSweepInterval = 5 * time.Second

// Pair is two substreams sharing one (direction, peer, connection,
// stream_id) key, one of each role.
type Pair struct {
	Key   SubstreamKey
	Main  network.Stream
	Error network.Stream
}

// MatchError reports why a substream never became part of a Pair.
type MatchError struct {
	Key    SubstreamKey
	Role   SubstreamRole
	Reason MatchErrorReason
	Cause  error
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("xstream matcher: %s for %+v (role %s): %v", e.Reason, e.Key, e.Role, e.Cause)
}

func (e *MatchError) Unwrap() error { return e.Cause }

// MatchErrorReason enumerates the ways the matcher can fail a substream.
type MatchErrorReason string

const (
	ReasonReadHeaderError MatchErrorReason = "read-header-error"
	ReasonSameRole        MatchErrorReason = "same-role"
	ReasonTimeout         MatchErrorReason = "timeout"
)

// newSubstream is what callers feed into the matcher: a raw substream
// plus everything needed to compute its key. For outbound substreams the
// caller already knows role and stream ID (it assigned them before
// opening); for inbound substreams role and stream ID come from the
// 17-byte header, which the matcher reads itself.
type newSubstream struct {
	stream       network.Stream
	direction    Direction
	peer         peer.ID
	connectionID uint64
	role         SubstreamRole // only meaningful for Outbound
	streamID     ID            // only meaningful for Outbound
}

type matcherEvent struct {
	kind    matcherEventKind
	sub     newSubstream
	resultC chan<- matchResult // set by the caller who wants the outcome for sub
}

type matchResult struct {
	pair *Pair
	err  *MatchError
}

type matcherEventKind uint8

const (
	eventNewSubstream matcherEventKind = iota
	eventSweep
)

type pendingEntry struct {
	stream     network.Stream
	role       SubstreamRole
	receivedAt time.Time
	resultC    chan<- matchResult
}

// Matcher pairs a Main and an Error substream that share a SubstreamKey
// into a single Pair. One Matcher instance serves an entire Node;
// callers submit substreams with submit and receive the pairing outcome
// (or an error) asynchronously via the channel they pass in.
type Matcher struct {
	clock       clockutil.Clock
	headerWait  time.Duration
	sweepEvery  time.Duration
	eventC      chan matcherEvent
	ctx         context.Context
	cancel      context.CancelFunc
	pending     map[SubstreamKey]*pendingEntry
	errSink     func(MatchError)
	doneRunning chan struct{}
}

// MatcherOption configures a Matcher at construction.
type MatcherOption func(*Matcher)

// WithHeaderReadTimeout overrides DefaultHeaderReadTimeout.
func WithHeaderReadTimeout(d time.Duration) MatcherOption {
	return func(m *Matcher) { m.headerWait = d }
}

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) MatcherOption {
	return func(m *Matcher) { m.sweepEvery = d }
}

// WithClock substitutes the clock used for timeouts and the sweep
// ticker; tests use a mock clock to avoid real sleeps.
func WithClock(c clockutil.Clock) MatcherOption {
	return func(m *Matcher) { m.clock = c }
}

// NewMatcher constructs and starts a Matcher. Call Close to stop it.
func NewMatcher(opts ...MatcherOption) *Matcher {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Matcher{
		clock:       clockutil.New(),
		headerWait:  DefaultHeaderReadTimeout,
		sweepEvery:  DefaultSweepInterval,
		eventC:      make(chan matcherEvent, 64),
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[SubstreamKey]*pendingEntry),
		doneRunning: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m
}

// Close stops the matcher's loop and sweep goroutine. Pending substreams
// are left to their sweep-driven fate; callers that need a clean close
// should drain any in-flight submit calls first.
func (m *Matcher) Close() {
	m.cancel()
	<-m.doneRunning
}

func (m *Matcher) run() {
	defer close(m.doneRunning)

	ticker := m.clock.Ticker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		case ev := <-m.eventC:
			m.handle(ev)
		}
	}
}

// submit hands a newly-arrived substream to the matcher. The matcher
// reads the header (for inbound substreams) on its own goroutine spun
// up here — header reads must not block the matcher's single event
// loop — then posts a matcherEvent back onto the loop to do the
// bookkeeping. resultC receives exactly one matchResult.
func (m *Matcher) submit(sub newSubstream, resultC chan<- matchResult) {
	go func() {
		if sub.direction == Inbound {
			header, err := m.readHeaderWithTimeout(sub.stream)
			if err != nil {
				matcherLog.Debugw("header read failed", "peer", sub.peer, "err", err)
				resultC <- matchResult{err: &MatchError{
					Key: SubstreamKey{
						Direction:    Inbound,
						Peer:         sub.peer,
						ConnectionID: sub.connectionID,
					},
					Reason: ReasonReadHeaderError,
					Cause:  err,
				}}
				_ = sub.stream.Reset()
				return
			}
			sub.streamID = header.StreamID
			sub.role = header.Role
		}
		select {
		case m.eventC <- matcherEvent{kind: eventNewSubstream, sub: sub, resultC: resultC}:
		case <-m.ctx.Done():
		}
	}()
}

func (m *Matcher) readHeaderWithTimeout(s network.Stream) (Header, error) {
	type res struct {
		h   Header
		err error
	}
	c := make(chan res, 1)
	go func() {
		h, err := DecodeHeader(s)
		c <- res{h: h, err: err}
	}()
	select {
	case r := <-c:
		return r.h, r.err
	case <-m.clock.After(m.headerWait):
		return Header{}, fmt.Errorf("xstream matcher: %w reading header after %s", errTimeoutReadingHeader, m.headerWait)
	}
}

var errTimeoutReadingHeader = fmt.Errorf("timed out")

func (m *Matcher) handle(ev matcherEvent) {
	switch ev.kind {
	case eventNewSubstream:
		m.handleNewSubstream(ev.sub, ev.resultC)
	case eventSweep:
		m.sweep()
	}
}

func (m *Matcher) handleNewSubstream(sub newSubstream, resultC chan<- matchResult) {
	key := SubstreamKey{
		Direction:    sub.direction,
		Peer:         sub.peer,
		ConnectionID: sub.connectionID,
		StreamID:     sub.streamID,
	}

	existing, ok := m.pending[key]
	if !ok {
		m.pending[key] = &pendingEntry{
			stream:     sub.stream,
			role:       sub.role,
			receivedAt: m.clock.Now(),
			resultC:    resultC,
		}
		return
	}

	delete(m.pending, key)

	if existing.role == sub.role {
		matcherLog.Warnw("same-role substreams for key", "key", key, "role", sub.role)
		_ = existing.stream.Reset()
		_ = sub.stream.Reset()
		matchErr := &MatchError{Key: key, Role: sub.role, Reason: ReasonSameRole, Cause: fmt.Errorf("duplicate role %s", sub.role)}
		existing.resultC <- matchResult{err: matchErr}
		resultC <- matchResult{err: matchErr}
		return
	}

	var pair Pair
	pair.Key = key
	if sub.role == RoleMain {
		pair.Main = sub.stream
		pair.Error = existing.stream
	} else {
		pair.Main = existing.stream
		pair.Error = sub.stream
	}

	matcherLog.Debugw("paired substreams", "key", key)
	existing.resultC <- matchResult{pair: &pair}
	resultC <- matchResult{pair: &pair}
}

func (m *Matcher) sweep() {
	now := m.clock.Now()
	for key, entry := range m.pending {
		if now.Sub(entry.receivedAt) <= m.headerWait {
			continue
		}
		delete(m.pending, key)
		matcherLog.Infow("evicting timed-out pending substream", "key", key, "role", entry.role)
		go func(e *pendingEntry, k SubstreamKey) {
			_ = e.stream.Reset()
			e.resultC <- matchResult{err: &MatchError{
				Key: k, Role: e.role, Reason: ReasonTimeout,
				Cause: fmt.Errorf("no matching substream within %s", m.headerWait),
			}}
		}(entry, key)
	}
}
