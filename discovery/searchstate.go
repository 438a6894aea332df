package discovery

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// waiter is one caller's registration against an in-flight search. Each
// caller gets its own buffered result channel so a slow consumer can
// never block delivery to the others.
type waiter struct {
	resultC chan searchResult
}

type searchResult struct {
	addrs []multiaddr.Multiaddr
	err   error
}

// searchState tracks one in-flight DHT query for a single peer ID.
// Concurrent FindPeerAddresses calls for the same target share one
// searchState instead of dispatching duplicate DHT queries.
type searchState struct {
	peerID     peer.ID
	startedAt  time.Time
	everFound  map[string]multiaddr.Multiaddr
	waiters    []*waiter
	cancel     func()
	noDeadline bool
}

func newSearchState(p peer.ID, now time.Time, cancel func(), noDeadline bool) *searchState {
	return &searchState{
		peerID:     p,
		startedAt:  now,
		everFound:  make(map[string]multiaddr.Multiaddr),
		cancel:     cancel,
		noDeadline: noDeadline,
	}
}

func (s *searchState) addWaiter() *waiter {
	w := &waiter{resultC: make(chan searchResult, 1)}
	s.waiters = append(s.waiters, w)
	return w
}

// record unions a newly observed set of addresses for the search's
// target peer into ever_found, deduplicating by string form.
func (s *searchState) record(addrs []multiaddr.Multiaddr) {
	for _, a := range addrs {
		s.everFound[a.String()] = a
	}
}

// resolved returns the unioned address set collected so far.
func (s *searchState) resolved() []multiaddr.Multiaddr {
	if len(s.everFound) == 0 {
		return nil
	}
	out := make([]multiaddr.Multiaddr, 0, len(s.everFound))
	for _, a := range s.everFound {
		out = append(out, a)
	}
	return out
}

func (s *searchState) broadcast(res searchResult) {
	for _, w := range s.waiters {
		select {
		case w.resultC <- res:
		default:
		}
	}
}

func (s *searchState) elapsed(now time.Time) time.Duration {
	return now.Sub(s.startedAt)
}
