package discovery

import (
	"context"
	"testing"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"

	"github.com/solarw/xnetwork/xnetwork/xerrs"
)

func TestCoordinatorLocalOnlyReturnsPeerstoreAddrs(t *testing.T) {
	mn, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	hosts := mn.Hosts()

	c := NewCoordinator(hosts[0], nil)

	addrs, err := c.FindPeerAddresses(context.Background(), hosts[1].ID(), 0)
	require.NoError(t, err)
	require.NotEmpty(t, addrs, "mocknet.FullMeshConnected populates each host's peerstore with the others' addrs")
}

func TestCoordinatorLocalOnlyUnknownPeerIsEmpty(t *testing.T) {
	mn, err := mocknet.FullMeshConnected(1)
	require.NoError(t, err)
	hosts := mn.Hosts()

	c := NewCoordinator(hosts[0], nil)

	addrs, err := c.FindPeerAddresses(context.Background(), "unknown-peer-id", 0)
	require.NoError(t, err)
	require.Empty(t, addrs)
}

func TestCoordinatorQueryWithoutDHTIsServiceUnavailable(t *testing.T) {
	mn, err := mocknet.FullMeshConnected(1)
	require.NoError(t, err)
	hosts := mn.Hosts()

	c := NewCoordinator(hosts[0], nil)

	_, err = c.FindPeerAddresses(context.Background(), "some-peer", 5)
	require.ErrorIs(t, err, xerrs.ErrServiceUnavailable)

	_, err = c.FindPeerAddresses(context.Background(), "some-peer", -1)
	require.ErrorIs(t, err, xerrs.ErrServiceUnavailable)
}

func TestCoordinatorCancelUnknownSearchReturnsFalse(t *testing.T) {
	mn, err := mocknet.FullMeshConnected(1)
	require.NoError(t, err)
	hosts := mn.Hosts()

	c := NewCoordinator(hosts[0], nil)
	require.False(t, c.CancelPeerSearch("nobody-is-searching-for-this-peer"))
}

func TestCoordinatorGetActiveSearchesEmptyInitially(t *testing.T) {
	mn, err := mocknet.FullMeshConnected(1)
	require.NoError(t, err)
	hosts := mn.Hosts()

	c := NewCoordinator(hosts[0], nil)
	require.Empty(t, c.GetActiveSearches())
}
