package xnetwork

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/solarw/xnetwork/discovery"
	"github.com/solarw/xnetwork/xauth"
	"github.com/solarw/xnetwork/xstream"
)

// outcome carries a command's result across its one-shot response
// channel: send a command, await exactly one outcome.
type outcome[T any] struct {
	value T
	err   error
}

// respCh is a buffered one-shot response channel. Buffered by one so
// the dispatcher's send never blocks even if the caller has already
// given up (e.g. its context expired).
type respCh[T any] chan outcome[T]

func newRespCh[T any]() respCh[T] {
	return make(respCh[T], 1)
}

func (r respCh[T]) send(v T, err error) {
	r <- outcome[T]{value: v, err: err}
}

func (r respCh[T]) wait(ctx context.Context) (T, error) {
	select {
	case o := <-r:
		return o.value, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// command is the marker interface every command struct implements; the
// dispatcher receives these over one channel and type-switches on the
// concrete type to decide how to handle each one.
type command interface {
	isCommand()
}

type listenOnCmd struct {
	addr multiaddr.Multiaddr
	resp respCh[multiaddr.Multiaddr]
}

type dialCmd struct {
	peer peer.ID
	addr multiaddr.Multiaddr
	resp respCh[struct{}]
}

type disconnectCmd struct {
	peer peer.ID
	resp respCh[struct{}]
}

type openStreamCmd struct {
	peer peer.ID
	resp respCh[*xstream.XStream]
}

type submitPorVerificationCmd struct {
	peer   peer.ID
	connID uint64
	result xauth.VerificationResult
	resp   respCh[struct{}]
}

type startAuthenticationCmd struct {
	peer   peer.ID
	connID uint64
	resp   respCh[struct{}]
}

type isPeerAuthenticatedCmd struct {
	peer peer.ID
	resp respCh[bool]
}

type getPeerMetadataCmd struct {
	peer peer.ID
	resp respCh[xauth.Metadata]
}

type findPeerAddressesCmd struct {
	peer        peer.ID
	timeoutSecs int
	resp        respCh[[]multiaddr.Multiaddr]
}

type cancelPeerSearchCmd struct {
	peer peer.ID
	resp respCh[bool]
}

type getActiveSearchesCmd struct {
	resp respCh[[]discovery.ActiveSearch]
}

type getConnectionsForPeerCmd struct {
	peer peer.ID
	resp respCh[[]multiaddr.Multiaddr]
}

type getConnectedPeersCmd struct {
	resp respCh[[]peer.ID]
}

type connectToBootstrapNodeCmd struct {
	addr    multiaddr.Multiaddr
	timeout time.Duration
	resp    respCh[BootstrapNodeInfo]
}

type setXRouteRoleCmd struct {
	role XRouteRole
	resp respCh[struct{}]
}

type getXRouteRoleCmd struct {
	resp respCh[XRouteRole]
}

type getNetworkStateCmd struct {
	resp respCh[NetworkState]
}

type getXRoutesStatusCmd struct {
	resp respCh[XRoutesStatus]
}

type addExternalAddressCmd struct {
	addr multiaddr.Multiaddr
	resp respCh[struct{}]
}

type enableSubsystemCmd struct {
	subsystem subsystemKind
	resp      respCh[struct{}]
}

type addAutonatServerCmd struct {
	peer peer.ID
	addr multiaddr.Multiaddr // nil if unknown, relies on peerstore
	resp respCh[struct{}]
}

type shutdownCmd struct {
	force bool
	resp  respCh[struct{}]
}

type subsystemKind uint8

const (
	subsystemIdentify subsystemKind = iota
	subsystemKad
	subsystemMdns
)

func (listenOnCmd) isCommand()               {}
func (dialCmd) isCommand()                   {}
func (disconnectCmd) isCommand()             {}
func (openStreamCmd) isCommand()             {}
func (submitPorVerificationCmd) isCommand()  {}
func (startAuthenticationCmd) isCommand()    {}
func (isPeerAuthenticatedCmd) isCommand()    {}
func (getPeerMetadataCmd) isCommand()        {}
func (findPeerAddressesCmd) isCommand()      {}
func (cancelPeerSearchCmd) isCommand()       {}
func (getActiveSearchesCmd) isCommand()      {}
func (getConnectionsForPeerCmd) isCommand()  {}
func (getConnectedPeersCmd) isCommand()      {}
func (connectToBootstrapNodeCmd) isCommand() {}
func (setXRouteRoleCmd) isCommand()          {}
func (getXRouteRoleCmd) isCommand()          {}
func (getNetworkStateCmd) isCommand()        {}
func (getXRoutesStatusCmd) isCommand()       {}
func (addExternalAddressCmd) isCommand()     {}
func (enableSubsystemCmd) isCommand()        {}
func (addAutonatServerCmd) isCommand()       {}
func (shutdownCmd) isCommand()               {}
