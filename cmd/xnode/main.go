// Command xnode is the reference CLI for xnetwork: it reads NODE_KEY,
// builds a Node, listens on a QUIC multiaddr, optionally dials a
// bootstrap peer, and logs NodeEvents as they arrive. Config loading,
// flag parsing, and logging setup live here and nowhere else in the
// module; the library packages (xnetwork, xstream, xauth, discovery)
// never read environment variables or flags directly.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/multiformats/go-multiaddr"

	"github.com/solarw/xnetwork/internal/xlog"
	"github.com/solarw/xnetwork/xauth"
	"github.com/solarw/xnetwork/xnetwork"
)

var log = xlog.Logger("xnetwork/cmd/xnode")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "xnode:", err)
		os.Exit(1)
	}
}

func run() error {
	listenAddr := flag.String("listen", "/ip4/0.0.0.0/udp/0/quic-v1", "multiaddr to listen on")
	bootstrapAddr := flag.String("bootstrap", "", "multiaddr of a peer to dial on startup (/p2p/<id> suffix required)")
	enableKad := flag.Bool("kad", true, "enable the Kademlia DHT sub-behaviour")
	kadServer := flag.Bool("kad-server", false, "run Kademlia in server mode (serves queries, suitable for bootstrap nodes)")
	enableMdns := flag.Bool("mdns", true, "enable mDNS local peer discovery")
	porValidity := flag.Duration("por-validity", time.Hour, "validity duration for the self-signed PoR this node presents")
	flag.Parse()

	priv, err := loadNodeKey()
	if err != nil {
		return err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.NoTransports,
		libp2p.Transport(libp2pquic.NewTransport),
	)
	if err != nil {
		return fmt.Errorf("construct libp2p host: %w", err)
	}

	por, err := xauth.CreatePor(priv, h.ID(), *porValidity, time.Now())
	if err != nil {
		return fmt.Errorf("create own PoR: %w", err)
	}

	routes := xnetwork.XRoutesClient()
	routes.Kad = *enableKad
	if *kadServer {
		routes.KadRole = xnetwork.XRouteRoleServer
	}
	routes.Mdns = *enableMdns

	cfg := xnetwork.DefaultConfig()
	cfg.InitialXRoutes = routes

	n, err := xnetwork.NewNode(h, por, xauth.Metadata{"agent": "xnode"}, cfg)
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}
	cmd := n.Commander()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	addr, err := multiaddr.NewMultiaddr(*listenAddr)
	if err != nil {
		return fmt.Errorf("parse -listen %q: %w", *listenAddr, err)
	}
	if _, err := cmd.ListenAndWait(ctx, addr, 10*time.Second); err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	log.Infow("listening", "peer", h.ID(), "addrs", h.Addrs())

	if *bootstrapAddr != "" {
		ba, err := multiaddr.NewMultiaddr(*bootstrapAddr)
		if err != nil {
			return fmt.Errorf("parse -bootstrap %q: %w", *bootstrapAddr, err)
		}
		info, err := cmd.ConnectToBootstrapNode(ctx, ba, 15*time.Second)
		if err != nil {
			log.Warnw("bootstrap connect failed", "addr", ba, "error", err)
		} else {
			log.Infow("connected to bootstrap node", "peer", info.PeerID, "role", info.Role)
		}
	}

	events, unsub := cmd.Subscribe()
	defer unsub()
	go logEvents(cmd, events)

	<-ctx.Done()
	log.Infow("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return cmd.Shutdown(shutdownCtx)
}

// logEvents is the reference node's event loop: it logs everything and
// auto-approves every inbound PoR verification request. A real
// deployment would inspect ev.Por/ev.Metadata against its own policy
// before calling SubmitPorVerification instead of approving blindly.
func logEvents(cmd *xnetwork.Commander, events <-chan xnetwork.NodeEvent) {
	for ev := range events {
		switch ev.Kind {
		case xnetwork.KindVerifyPorRequest:
			log.Infow("auto-approving PoR", "peer", ev.Peer, "metadata", ev.Metadata)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := cmd.SubmitPorVerification(ctx, ev.Peer, ev.ConnectionID, xauth.VerificationResult{Ok: true})
			cancel()
			if err != nil {
				log.Warnw("failed to submit PoR verification", "peer", ev.Peer, "error", err)
			}
		default:
			log.Debugw("node event", "kind", ev.Kind, "peer", ev.Peer)
		}
	}
}

// loadNodeKey reads NODE_KEY as a base64-encoded 32-byte Ed25519 seed.
// Absence or a wrong-length decode is a hard startup failure rather
// than a fallback to a freshly generated key: a node's identity should
// never silently change between restarts.
func loadNodeKey() (crypto.PrivKey, error) {
	raw, ok := os.LookupEnv("NODE_KEY")
	if !ok {
		return nil, fmt.Errorf("NODE_KEY is required")
	}
	seed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("NODE_KEY: invalid base64: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("NODE_KEY: decoded to %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	stdKey := ed25519.NewKeyFromSeed(seed)
	priv, err := crypto.UnmarshalEd25519PrivateKey(stdKey)
	if err != nil {
		return nil, fmt.Errorf("unmarshal ed25519 key: %w", err)
	}
	return priv, nil
}
