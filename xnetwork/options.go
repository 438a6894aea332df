package xnetwork

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// XRouteRole selects whether the local node participates in the
// Kademlia DHT as a client (queries only) or a server (also serves
// queries and accepts DHT connections), mirroring XRouteRole::Client /
// XRouteRole::Server.
type XRouteRole uint8

const (
	XRouteRoleClient XRouteRole = iota
	XRouteRoleServer
)

func (r XRouteRole) String() string {
	if r == XRouteRoleServer {
		return "server"
	}
	return "client"
}

// BootstrapNodeInfo is returned by ConnectToBootstrapNode once the
// connection is up. Its Role is always XRouteRoleServer; the remote's
// actual Kad mode is not checked.
type BootstrapNodeInfo struct {
	PeerID       peer.ID
	Role         XRouteRole
	Protocols    []string
	AgentVersion string
}

// BootstrapError distinguishes why ConnectToBootstrapNode failed.
type BootstrapError struct {
	Kind    BootstrapErrorKind
	Message string
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap: %s: %s", e.Kind, e.Message)
}

type BootstrapErrorKind uint8

const (
	BootstrapInvalidAddress BootstrapErrorKind = iota
	BootstrapConnectionFailed
	BootstrapNotAServer
	BootstrapConnectionTimeout
)

func (k BootstrapErrorKind) String() string {
	switch k {
	case BootstrapInvalidAddress:
		return "invalid-address"
	case BootstrapConnectionFailed:
		return "connection-failed"
	case BootstrapNotAServer:
		return "not-a-bootstrap-server"
	case BootstrapConnectionTimeout:
		return "connection-timeout"
	default:
		return "unknown"
	}
}

// NetworkState is the snapshot returned by GetNetworkState.
type NetworkState struct {
	PeerID             peer.ID
	Listening          []multiaddr.Multiaddr
	ConnectedPeers     []peer.ID
	AuthenticatedPeers []peer.ID
}

// XRoutesStatus is the snapshot returned by GetXRoutesStatus.
type XRoutesStatus struct {
	IdentifyEnabled      bool
	KadEnabled           bool
	MdnsEnabled          bool
	DcutrEnabled         bool
	AutonatClientEnabled bool
	RelayServerEnabled   bool
}

// Config gathers the construction-time options for NewNode. Unlike
// xstream/xauth's functional-options Services, Node's configuration has
// enough interdependent fields (keys, XRoutes toggles, timeouts) that a
// single Config struct with a constructor default, in the same
// identify.Options-building style go-libp2p itself uses, reads more
// clearly than a long options list.
type Config struct {
	AuthTimeout     time.Duration
	AuthSweepEvery  time.Duration
	EventBusBuffer  int
	InitialXRoutes  XRoutesConfig
	AuthStartPolicy AuthStartPolicy

	// AuthGatedStreams, when true, makes OpenStream fail until
	// MutualAuthSuccess has fired for the target peer. Off by default:
	// an unauthenticated stream open is allowed unless the application
	// opts into gating it.
	AuthGatedStreams bool
}

// AuthStartPolicy mirrors xauth.StartPolicy without importing xauth
// into every caller of Config — translated at NewNode construction
// time.
type AuthStartPolicy uint8

const (
	AuthAutoStart AuthStartPolicy = iota
	AuthManualStart
)

// XRoutesConfig selects which optional sub-behaviours are active at
// construction. Identify, Kad and Mdns can also be turned on later
// through the Commander's Enable* methods; there are no Disable*
// methods. Relay, Dcutr and Autonat only set the flags GetXRoutesStatus
// reports: this package does not construct those services.
type XRoutesConfig struct {
	Identify bool
	Kad      bool
	KadRole  XRouteRole
	Mdns     bool
	Relay    bool
	Dcutr    bool
	Autonat  bool
}

// XRoutesClient is the common "I want to look things up, not serve
// them" preset: Identify + Kad-as-client + mDNS.
func XRoutesClient() XRoutesConfig {
	return XRoutesConfig{Identify: true, Kad: true, KadRole: XRouteRoleClient, Mdns: true}
}

// XRoutesServer additionally runs Kad in server mode, suitable for a
// bootstrap node.
func XRoutesServer() XRoutesConfig {
	return XRoutesConfig{Identify: true, Kad: true, KadRole: XRouteRoleServer, Mdns: true}
}

// WithAuthGatedStreams returns cfg with AuthGatedStreams enabled. Config
// is a plain struct rather than functional options (see Config's doc
// comment), so this is a small value-returning helper in the same
// field-by-field-override spirit rather than an `Option` type.
func WithAuthGatedStreams(cfg Config) Config {
	cfg.AuthGatedStreams = true
	return cfg
}

// DefaultConfig returns a small set of sane defaults, overridable
// field-by-field.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:     30 * time.Second,
		AuthSweepEvery:  5 * time.Second,
		EventBusBuffer:  128,
		InitialXRoutes:  XRoutesClient(),
		AuthStartPolicy: AuthAutoStart,
	}
}
