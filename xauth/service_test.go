package xauth

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"
)

func TestServiceMutualAuthSuccessAutoStart(t *testing.T) {
	// AutoStart fires from the Connected notifiee, so the services must
	// be listening (Start called, which registers the notifiee) before
	// the hosts are linked and connected — network.Network.Notify does
	// not replay history for connections that predate registration.
	mn := mocknet.New()
	hostA, err := mn.GenPeer()
	require.NoError(t, err)
	hostB, err := mn.GenPeer()
	require.NoError(t, err)
	hosts := []host.Host{hostA, hostB}

	ownerA, _ := generateTestKeypair(t)
	porA, err := CreatePor(ownerA, hosts[0].ID(), time.Hour, time.Now())
	require.NoError(t, err)
	ownerB, _ := generateTestKeypair(t)
	porB, err := CreatePor(ownerB, hosts[1].ID(), time.Hour, time.Now())
	require.NoError(t, err)

	svcA := NewService(hosts[0], porA, Metadata{"role": "a"})
	svcA.Start()
	defer svcA.Close()
	svcB := NewService(hosts[1], porB, Metadata{"role": "b"})
	svcB.Start()
	defer svcB.Close()

	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	successA := make(chan Event, 1)
	successB := make(chan Event, 1)
	go func() {
		for ev := range svcA.Events() {
			if ev.Kind == KindVerifyPorRequest {
				ev.Result <- VerificationResult{Ok: true, Metadata: ev.Metadata}
			}
			if ev.Kind == KindMutualAuthSuccess {
				successA <- ev
			}
		}
	}()
	go func() {
		for ev := range svcB.Events() {
			if ev.Kind == KindVerifyPorRequest {
				ev.Result <- VerificationResult{Ok: true, Metadata: ev.Metadata}
			}
			if ev.Kind == KindMutualAuthSuccess {
				successB <- ev
			}
		}
	}()

	select {
	case <-successA:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for svcA MutualAuthSuccess")
	}
	select {
	case <-successB:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for svcB MutualAuthSuccess")
	}

	require.True(t, svcA.IsPeerAuthenticated(hosts[1].ID()))
	require.True(t, svcB.IsPeerAuthenticated(hosts[0].ID()))

	metaA, ok := svcA.GetPeerMetadata(hosts[1].ID())
	require.True(t, ok)
	require.Equal(t, "b", metaA["role"])

	metaB, ok := svcB.GetPeerMetadata(hosts[0].ID())
	require.True(t, ok)
	require.Equal(t, "a", metaB["role"])
}

func TestServiceRejectionEmitsFailureEvents(t *testing.T) {
	mn := mocknet.New()
	hostA, err := mn.GenPeer()
	require.NoError(t, err)
	hostB, err := mn.GenPeer()
	require.NoError(t, err)
	hosts := []host.Host{hostA, hostB}

	ownerA, _ := generateTestKeypair(t)
	porA, err := CreatePor(ownerA, hosts[0].ID(), time.Hour, time.Now())
	require.NoError(t, err)
	ownerB, _ := generateTestKeypair(t)
	porB, err := CreatePor(ownerB, hosts[1].ID(), time.Hour, time.Now())
	require.NoError(t, err)

	svcA := NewService(hosts[0], porA, nil)
	svcA.Start()
	defer svcA.Close()
	svcB := NewService(hosts[1], porB, nil, WithStartPolicy(ManualStart))
	svcB.Start()
	defer svcB.Close()

	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	// A dials out (AutoStart); B never starts its own outbound half
	// (ManualStart, never called explicitly) but still receives A's
	// request and rejects it, which must fail A's outbound direction.
	outboundFailureA := make(chan Event, 1)
	go func() {
		for ev := range svcA.Events() {
			if ev.Kind == KindOutboundAuthFailure {
				outboundFailureA <- ev
			}
		}
	}()
	go func() {
		for ev := range svcB.Events() {
			if ev.Kind == KindVerifyPorRequest {
				ev.Result <- VerificationResult{Ok: false, Reason: "rejected by policy"}
			}
		}
	}()

	select {
	case ev := <-outboundFailureA:
		require.Equal(t, "rejected by policy", ev.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for svcA OutboundAuthFailure")
	}

	require.False(t, svcA.IsPeerAuthenticated(hosts[1].ID()))
}
