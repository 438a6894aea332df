package xnetwork

import (
	"context"
	"fmt"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	identify "github.com/libp2p/go-libp2p/p2p/protocol/identify"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"github.com/solarw/xnetwork/discovery"
	"github.com/solarw/xnetwork/internal/xlog"
)

var xroutesLog = xlog.Logger("xnetwork/xroutes")

const mdnsRendezvous = "xnetwork"

// xRoutes composes the optional, build-time-selectable sub-behaviours
// (Identify, Kademlia, mDNS — Relay/DCUtR/AutoNAT status is tracked but
// their construction lives with the transport/host setup, outside this
// module's scope) behind the single toggle surface
// Commander.Enable*/GetXRoutesStatus expects.
type xRoutes struct {
	h   host.Host
	bus *Bus

	identify identify.IDService
	kad      *dht.IpfsDHT
	kadRole  XRouteRole
	mdns     mdns.Service
	coord    *discovery.Coordinator

	identifyEnabled bool
	kadEnabled      bool
	mdnsEnabled     bool
	dcutrEnabled    bool
	autonatEnabled  bool
	relayEnabled    bool
}

type mdnsNotifee struct {
	h   host.Host
	bus *Bus
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	n.h.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.TempAddrTTL)
	if n.bus != nil {
		var addr multiaddr.Multiaddr
		if len(pi.Addrs) > 0 {
			addr = pi.Addrs[0]
		}
		n.bus.Publish(NodeEvent{Kind: KindMdnsPeerDiscovered, Peer: pi.ID, Address: addr, At: time.Now()})
	}
}

func newXRoutes(h host.Host, bus *Bus, cfg XRoutesConfig) (*xRoutes, error) {
	xr := &xRoutes{h: h, bus: bus, kadRole: cfg.KadRole}

	if cfg.Identify {
		if err := xr.enableIdentify(); err != nil {
			return nil, fmt.Errorf("enable identify: %w", err)
		}
	}
	if cfg.Kad {
		if err := xr.enableKad(cfg.KadRole); err != nil {
			return nil, fmt.Errorf("enable kad: %w", err)
		}
	}
	if cfg.Mdns {
		if err := xr.enableMdns(); err != nil {
			return nil, fmt.Errorf("enable mdns: %w", err)
		}
	}
	xr.dcutrEnabled = cfg.Dcutr
	xr.autonatEnabled = cfg.Autonat
	xr.relayEnabled = cfg.Relay
	return xr, nil
}

func (xr *xRoutes) enableIdentify() error {
	if xr.identifyEnabled {
		return nil
	}
	ids, err := identify.NewIDService(xr.h)
	if err != nil {
		return err
	}
	ids.Start()
	xr.identify = ids
	xr.identifyEnabled = true
	return nil
}

func (xr *xRoutes) enableKad(role XRouteRole) error {
	if xr.kadEnabled {
		return nil
	}
	mode := dht.ModeClient
	if role == XRouteRoleServer {
		mode = dht.ModeServer
	}
	kad, err := dht.New(context.Background(), xr.h, dht.Mode(mode))
	if err != nil {
		return err
	}
	if err := kad.Bootstrap(context.Background()); err != nil {
		xroutesLog.Debugw("kad bootstrap failed", "error", err)
	}
	xr.kad = kad
	xr.kadRole = role
	xr.coord = discovery.NewCoordinator(xr.h, kad)
	xr.kadEnabled = true
	return nil
}

// Note: go-libp2p's mdns.Service only exposes HandlePeerFound; the
// zeroconf implementation it wraps has no peer-expiry callback, so
// KindMdnsPeerExpired is a taxonomy entry that this host library can
// never trigger (documented non-triggerable event, same status as
// KindKadRoutingUpdated/KindKadPeerDiscovered, which nothing in this
// package publishes either).
func (xr *xRoutes) enableMdns() error {
	if xr.mdnsEnabled {
		return nil
	}
	svc := mdns.NewMdnsService(xr.h, mdnsRendezvous, &mdnsNotifee{h: xr.h, bus: xr.bus})
	if err := svc.Start(); err != nil {
		return err
	}
	xr.mdns = svc
	xr.mdnsEnabled = true
	return nil
}

func (xr *xRoutes) disableMdns() error {
	if !xr.mdnsEnabled || xr.mdns == nil {
		return nil
	}
	err := xr.mdns.Close()
	xr.mdns = nil
	xr.mdnsEnabled = false
	return err
}

func (xr *xRoutes) setKadRole(role XRouteRole) error {
	if xr.kadRole == role {
		return nil
	}
	if !xr.kadEnabled {
		xr.kadRole = role
		return nil
	}
	mode := dht.ModeClient
	if role == XRouteRoleServer {
		mode = dht.ModeServer
	}
	xr.kad.SetMode(mode)
	xr.kadRole = role
	return nil
}

func (xr *xRoutes) status() XRoutesStatus {
	return XRoutesStatus{
		IdentifyEnabled:      xr.identifyEnabled,
		KadEnabled:           xr.kadEnabled,
		MdnsEnabled:          xr.mdnsEnabled,
		DcutrEnabled:         xr.dcutrEnabled,
		AutonatClientEnabled: xr.autonatEnabled,
		RelayServerEnabled:   xr.relayEnabled,
	}
}

// close tears down every enabled sub-behaviour concurrently: Identify's
// Close blocks on its own background loop, mdns.Service.Close waits on
// the underlying zeroconf shutdown, and *dht.IpfsDHT.Close waits on its
// own internal workers, so running them one after another serializes
// three independent shutdown waits for no reason.
func (xr *xRoutes) close() {
	var eg errgroup.Group
	if xr.identify != nil {
		eg.Go(func() error {
			xr.identify.Close()
			return nil
		})
	}
	if xr.mdns != nil {
		eg.Go(xr.mdns.Close)
	}
	if xr.kad != nil {
		eg.Go(xr.kad.Close)
	}
	if err := eg.Wait(); err != nil {
		xroutesLog.Debugw("xroutes shutdown error", "error", err)
	}
}

// findPeerAddresses delegates to the Kad-backed coordinator if enabled,
// otherwise falls back to a local-only peerstore lookup (mDNS and
// Identify both populate the peerstore even without Kad).
func (xr *xRoutes) findPeerAddresses(ctx context.Context, p peer.ID, timeoutSecs int) ([]multiaddr.Multiaddr, error) {
	if xr.coord != nil {
		return xr.coord.FindPeerAddresses(ctx, p, timeoutSecs)
	}
	return xr.h.Peerstore().Addrs(p), nil
}
