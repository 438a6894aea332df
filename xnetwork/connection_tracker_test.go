package xnetwork

import (
	"testing"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

func TestConnectionTrackerPublishesConnectAndDisconnectEvents(t *testing.T) {
	mn, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	hosts := mn.Hosts()

	tr := NewConnectionTracker(hosts[0].ID())
	var got []NodeEvent
	tr.SetEventSink(func(ev NodeEvent) { got = append(got, ev) })

	conns := hosts[0].Network().ConnsToPeer(hosts[1].ID())
	require.NotEmpty(t, conns)

	tr.Connected(hosts[0].Network(), conns[0])
	require.Len(t, got, 1)
	require.Equal(t, KindPeerConnected, got[0].Kind)
	require.Equal(t, hosts[1].ID(), got[0].Peer)
	pc, ok := tr.GetPeerConnections(hosts[1].ID())
	require.True(t, ok)
	require.True(t, pc.IsConnected())

	tr.Disconnected(hosts[0].Network(), conns[0])
	require.Len(t, got, 2)
	require.Equal(t, KindPeerDisconnected, got[1].Kind)
	pc, ok = tr.GetPeerConnections(hosts[1].ID())
	require.True(t, ok)
	require.False(t, pc.IsConnected())
}

func TestConnectionTrackerPublishesListenAndExternalAddrEvents(t *testing.T) {
	tr := NewConnectionTracker("")
	var got []NodeEvent
	tr.SetEventSink(func(ev NodeEvent) { got = append(got, ev) })

	addr, err := multiaddr.NewMultiaddr("/ip4/127.0.0.1/udp/4001/quic-v1")
	require.NoError(t, err)

	tr.Listen(nil, addr)
	tr.AddExternalAddress(addr)
	// Adding the same address twice must not re-publish.
	tr.AddExternalAddress(addr)
	tr.RemoveExternalAddress(addr)
	// Removing an address that isn't tracked must not publish.
	tr.RemoveExternalAddress(addr)
	tr.ListenClose(nil, addr)

	require.Len(t, got, 4)
	require.Equal(t, KindListening, got[0].Kind)
	require.Equal(t, KindExternalAddrConfirmed, got[1].Kind)
	require.Equal(t, KindExternalAddrExpired, got[2].Kind)
	require.Equal(t, KindListenClosed, got[3].Kind)
	for _, ev := range got {
		require.True(t, addr.Equal(ev.Address))
	}
}
