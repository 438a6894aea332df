package xstream

import (
	"context"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"

	"github.com/solarw/xnetwork/xnetwork/xerrs"
)

func TestServiceOpenStreamPairsAndCarriesBytes(t *testing.T) {
	mn, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	hosts := mn.Hosts()

	svcA := NewService(hosts[0])
	svcA.Start()
	defer svcA.Close()
	svcB := NewService(hosts[1])
	svcB.Start()
	defer svcB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	streamA, err := svcA.OpenStream(ctx, hosts[1].ID())
	require.NoError(t, err)
	defer streamA.Close()

	select {
	case ev := <-svcB.Events():
		require.Equal(t, KindIncomingStream, ev.Kind)
		require.NotNil(t, ev.Stream)
		defer ev.Stream.Close()

		require.NoError(t, streamA.WriteAll([]byte("hello")))
		require.NoError(t, streamA.WriteEOF())

		data, err := ev.Stream.ReadToEnd()
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for incoming stream event")
	}
}

func TestServiceInboundPairDeliveredExactlyOnce(t *testing.T) {
	mn, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	hosts := mn.Hosts()

	svcA := NewService(hosts[0])
	svcA.Start()
	defer svcA.Close()
	svcB := NewService(hosts[1])
	svcB.Start()
	defer svcB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	streamA, err := svcA.OpenStream(ctx, hosts[1].ID())
	require.NoError(t, err)
	defer streamA.Close()

	var events []Event
	for {
		select {
		case ev := <-svcB.Events():
			events = append(events, ev)
		case <-time.After(500 * time.Millisecond):
			require.Len(t, events, 1, "expected exactly one event for the inbound pair, got %d", len(events))
			require.Equal(t, KindIncomingStream, events[0].Kind)
			require.NotNil(t, events[0].Stream)
			events[0].Stream.Close()
			return
		}
	}
}

func TestXStreamWriteAndFlushFailAfterClose(t *testing.T) {
	mn, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	hosts := mn.Hosts()

	svcA := NewService(hosts[0])
	svcA.Start()
	defer svcA.Close()
	svcB := NewService(hosts[1])
	svcB.Start()
	defer svcB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	streamA, err := svcA.OpenStream(ctx, hosts[1].ID())
	require.NoError(t, err)

	require.NoError(t, streamA.Close())

	require.ErrorIs(t, streamA.WriteAll([]byte("too late")), xerrs.ErrClosed)
	require.ErrorIs(t, streamA.Flush(), xerrs.ErrClosed)
}

func TestServiceApproveViaEventRejection(t *testing.T) {
	mn, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	hosts := mn.Hosts()

	svcA := NewService(hosts[0])
	svcA.Start()
	defer svcA.Close()
	svcB := NewService(hosts[1], WithPolicy(ApproveViaEvent))
	svcB.Start()
	defer svcB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, openErr := svcA.OpenStream(ctx, hosts[1].ID())

	select {
	case ev := <-svcB.Events():
		require.Equal(t, KindIncomingStreamRequest, ev.Kind)
		require.NotNil(t, ev.Decision)
		ev.Decision <- Decision{Approve: false, Reason: "no thanks"}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for incoming stream request event")
	}

	select {
	case ev := <-svcB.Events():
		require.Equal(t, KindStreamError, ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream error event")
	}

	// The opener either observes the matcher delivering the rejection's
	// fallout or successfully built a Pair before the reset raced it;
	// either is an acceptable outcome here, the rejection path itself is
	// what this test is about.
	_ = openErr
}
