package discovery

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, s string) multiaddr.Multiaddr {
	t.Helper()
	a, err := multiaddr.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

func TestSearchStateRecordDedupsAcrossCalls(t *testing.T) {
	s := newSearchState(peer.ID("target"), time.Now(), func() {}, false)

	a1 := mustAddr(t, "/ip4/127.0.0.1/tcp/4001")
	a2 := mustAddr(t, "/ip4/10.0.0.1/tcp/4001")
	s.record([]multiaddr.Multiaddr{a1})
	s.record([]multiaddr.Multiaddr{a1, a2})

	resolved := s.resolved()
	require.Len(t, resolved, 2)
}

func TestSearchStateBroadcastReachesAllWaiters(t *testing.T) {
	s := newSearchState(peer.ID("target"), time.Now(), func() {}, false)
	w1 := s.addWaiter()
	w2 := s.addWaiter()

	s.broadcast(searchResult{addrs: []multiaddr.Multiaddr{mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}})

	select {
	case res := <-w1.resultC:
		require.Len(t, res.addrs, 1)
	default:
		t.Fatal("w1 did not receive result")
	}
	select {
	case res := <-w2.resultC:
		require.Len(t, res.addrs, 1)
	default:
		t.Fatal("w2 did not receive result")
	}
}

func TestSearchStateBroadcastDoesNotBlockOnFullChannel(t *testing.T) {
	s := newSearchState(peer.ID("target"), time.Now(), func() {}, false)
	w := s.addWaiter()
	w.resultC <- searchResult{}

	done := make(chan struct{})
	go func() {
		s.broadcast(searchResult{err: nil})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full waiter channel")
	}
}

func TestSearchStateElapsed(t *testing.T) {
	start := time.Now()
	s := newSearchState(peer.ID("target"), start, func() {}, false)
	require.Equal(t, 5*time.Second, s.elapsed(start.Add(5*time.Second)))
}

func TestSearchStateResolvedEmptyWhenNothingRecorded(t *testing.T) {
	s := newSearchState(peer.ID("target"), time.Now(), func() {}, false)
	require.Nil(t, s.resolved())
}
