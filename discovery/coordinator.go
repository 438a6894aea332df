// Package discovery implements timeout-aware peer address resolution
// backed by a Kademlia DHT, coalescing concurrent lookups for the same
// target peer and supporting explicit cancellation.
package discovery

import (
	"context"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/solarw/xnetwork/internal/clockutil"
	"github.com/solarw/xnetwork/internal/xlog"
	"github.com/solarw/xnetwork/xnetwork/xerrs"
)

var log = xlog.Logger("xnetwork/discovery")

// ActiveSearch is a snapshot of one in-flight search for introspection
// via GetActiveSearches.
type ActiveSearch struct {
	PeerID     peer.ID
	NumWaiters int
	Elapsed    time.Duration
}

// Coordinator implements FindPeerAddresses with three timeout
// behaviors: local-only (timeout == 0), deadline-bound DHT query
// (timeout > 0), and unbounded DHT query resolved only by explicit
// cancellation (timeout < 0).
type Coordinator struct {
	h   host.Host
	dht *dht.IpfsDHT

	mu       sync.Mutex
	searches map[peer.ID]*searchState

	clock clockutil.Clock
}

// NewCoordinator wraps an already-constructed *dht.IpfsDHT. The DHT's
// own bootstrap/mode lifecycle is managed by the caller (xnetwork's
// XRoutes composition); the coordinator only issues queries against it.
func NewCoordinator(h host.Host, kad *dht.IpfsDHT) *Coordinator {
	return &Coordinator{
		h:        h,
		dht:      kad,
		searches: make(map[peer.ID]*searchState),
		clock:    clockutil.New(),
	}
}

// WithClock overrides the coordinator's clock; for tests only.
func (c *Coordinator) WithClock(clk clockutil.Clock) *Coordinator {
	c.clock = clk
	return c
}

// FindPeerAddresses resolves addresses for p per the behavior table:
//
//	timeoutSecs == 0: local routing tables only, never dispatches a query.
//	timeoutSecs  > 0: dispatches a DHT query, resolves on result or deadline.
//	timeoutSecs  < 0: dispatches a DHT query with no deadline; only
//	                  CancelPeerSearch resolves it.
func (c *Coordinator) FindPeerAddresses(ctx context.Context, p peer.ID, timeoutSecs int) ([]multiaddr.Multiaddr, error) {
	if timeoutSecs == 0 {
		return c.localOnly(p), nil
	}
	if c.dht == nil {
		return nil, xerrs.ErrServiceUnavailable
	}

	c.mu.Lock()
	state, existed := c.searches[p]
	if !existed {
		var queryCtx context.Context
		var cancel context.CancelFunc
		if timeoutSecs > 0 {
			queryCtx, cancel = context.WithTimeout(context.Background(), time.Duration(timeoutSecs)*time.Second)
		} else {
			queryCtx, cancel = context.WithCancel(context.Background())
		}
		state = newSearchState(p, c.clock.Now(), cancel, timeoutSecs < 0)
		c.searches[p] = state
		go c.runQuery(queryCtx, state)
	}
	w := state.addWaiter()
	c.mu.Unlock()

	select {
	case res := <-w.resultC:
		if res.err != nil {
			return nil, res.err
		}
		return res.addrs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// localOnly returns addresses already known to the host's peerstore
// (which the DHT shares) without dispatching any query.
func (c *Coordinator) localOnly(p peer.ID) []multiaddr.Multiaddr {
	return c.h.Peerstore().Addrs(p)
}

// runQuery drives one DHT FindPeer call to completion, records the
// result, and broadcasts it to every registered waiter. Exactly one
// goroutine runs this per in-flight searchState.
func (c *Coordinator) runQuery(ctx context.Context, state *searchState) {
	info, err := c.dht.FindPeer(ctx, state.peerID)

	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.searches[state.peerID]
	if !ok || cur != state {
		// Already superseded by a cancellation that removed this entry.
		return
	}
	delete(c.searches, state.peerID)

	switch {
	case err != nil && ctx.Err() == context.Canceled:
		state.broadcast(searchResult{err: xerrs.ErrCancelled})
	case err != nil && ctx.Err() == context.DeadlineExceeded:
		state.broadcast(searchResult{err: xerrs.ErrTimeout})
	case err != nil:
		log.Debugw("dht find peer failed", "peer", state.peerID, "error", err)
		state.broadcast(searchResult{err: xerrs.ErrNotFound})
	default:
		state.record(info.Addrs)
		addrs := state.resolved()
		if len(addrs) == 0 {
			state.broadcast(searchResult{err: xerrs.ErrNotFound})
			return
		}
		state.broadcast(searchResult{addrs: addrs})
	}
}

// CancelPeerSearch drops the in-flight search for p, if any, and
// resolves every registered waiter with xerrs.ErrCancelled.
func (c *Coordinator) CancelPeerSearch(p peer.ID) bool {
	c.mu.Lock()
	state, ok := c.searches[p]
	if ok {
		delete(c.searches, p)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	state.cancel()
	state.broadcast(searchResult{err: xerrs.ErrCancelled})
	return true
}

// GetActiveSearches returns a snapshot of every currently in-flight
// search: target peer, number of waiters registered, and elapsed time
// since dispatch.
func (c *Coordinator) GetActiveSearches() []ActiveSearch {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	out := make([]ActiveSearch, 0, len(c.searches))
	for _, s := range c.searches {
		out = append(out, ActiveSearch{
			PeerID:     s.peerID,
			NumWaiters: len(s.waiters),
			Elapsed:    s.elapsed(now),
		})
	}
	return out
}
