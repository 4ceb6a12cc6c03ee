package node

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	discovery "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
)

const (
	// Namespace is advertised on the DHT so devices find each other.
	Namespace = "hushchain"
	// ServiceName is the mDNS service tag for LAN discovery.
	ServiceName = "hushchain-messenger"

	maintainInterval  = time.Minute
	minConnectedPeers = 3
)

// Bootstrap connects to the bootstrap peers and starts DHT and LAN
// discovery.
func (n *Node) Bootstrap(ctx context.Context) error {
	for _, pi := range bootstrapPeers(n.cfg, n.opts.local) {
		n.wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer n.wg.Done()
			cctx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout.Std())
			defer cancel()
			if err := n.host.Connect(cctx, pi); err != nil {
				log.Debugf("failed to connect to bootstrap peer %s: %v", pi.ID, err)
				return
			}
			log.Infof("connected to bootstrap peer %s", pi.ID)
		}(pi)
	}
	if err := n.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}
	if n.opts.local {
		return nil
	}

	n.mdns = mdns.NewMdnsService(n.host, ServiceName, &discoveryNotifee{node: n})
	if err := n.mdns.Start(); err != nil {
		return fmt.Errorf("failed to start mDNS: %w", err)
	}
	n.announcePresence()
	return nil
}

// maintainNetwork keeps the device reachable: it boosts discovery when
// isolated, republishes the endpoint when addresses change and rejoins idle
// group sessions.
func (n *Node) maintainNetwork() {
	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.ensureConnectivity()
			if err := n.register(n.ctx); err != nil {
				log.Warnf("%v", err)
			}
			if err := n.groups.ConnectAll(n.ctx); err != nil {
				log.Debugf("group reconnect: %v", err)
			}
		}
	}
}

func (n *Node) ensureConnectivity() {
	if n.opts.local {
		return
	}
	connected := len(n.host.Network().Peers())
	if connected < minConnectedPeers {
		n.printf("⚠️ Low connectivity (%d peers), boosting discovery...\n", connected)
		n.announcePresence()
		if err := n.findPeers(n.ctx); err != nil {
			log.Debugf("peer discovery failed: %v", err)
		}
	}
}

// announcePresence advertises this device under Namespace once.
func (n *Node) announcePresence() {
	rd := discovery.NewRoutingDiscovery(n.dht)
	if _, err := rd.Advertise(n.ctx, Namespace); err != nil {
		log.Debugf("failed to advertise: %v", err)
	}
}

// findPeers looks up other devices under Namespace and connects to them.
func (n *Node) findPeers(ctx context.Context) error {
	rd := discovery.NewRoutingDiscovery(n.dht)
	peers, err := util.FindPeers(ctx, rd, Namespace)
	if err != nil {
		return err
	}
	for _, p := range peers {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if err := n.host.Connect(ctx, p); err != nil {
			log.Debugf("failed to connect to %s: %v", p.ID, err)
		}
	}
	return nil
}

// ConnectPeer dials a full /p2p multiaddress.
func (n *Node) ConnectPeer(ctx context.Context, addrStr string) error {
	addr, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		return err
	}
	pi, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout.Std())
	defer cancel()
	return n.host.Connect(ctx, *pi)
}

// NetworkPeer is one libp2p peer the host knows about.
type NetworkPeer struct {
	ID        string
	Connected bool
}

// NetworkPeers lists the peers in the host's peerstore, excluding itself.
func (n *Node) NetworkPeers() []NetworkPeer {
	var out []NetworkPeer
	for _, id := range n.host.Peerstore().Peers() {
		if id == n.host.ID() {
			continue
		}
		out = append(out, NetworkPeer{
			ID:        id.String(),
			Connected: n.host.Network().Connectedness(id) == network.Connected,
		})
	}
	return out
}

type discoveryNotifee struct {
	node *Node
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.node.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(d.node.ctx, d.node.cfg.ConnectTimeout.Std())
	defer cancel()
	if err := d.node.host.Connect(ctx, pi); err != nil {
		log.Debugf("failed to connect to LAN peer %s: %v", pi.ID, err)
		return
	}
	log.Infof("connected to LAN peer %s", pi.ID)
}
