package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/baderanaas/hushchain/pkg/transport"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/routing"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/util"
)

var log = logging.Logger("directory")

// UserNamespace is the rendezvous prefix a user's device advertises under.
const UserNamespace = "hushchain-user/"

// DHT is a serverless directory: a user registers by advertising its peer
// under a per-username rendezvous point, and lookups query the routing
// table for providers of that point. It knows no display names.
type DHT struct {
	host host.Host
	disc discovery.Discovery
	ctx  context.Context

	mu         sync.Mutex
	advertised map[string]bool
}

// NewDHT builds a directory on top of an already bootstrapped router.
// Advertisements live as long as ctx.
func NewDHT(ctx context.Context, h host.Host, router routing.ContentRouting) *DHT {
	return &DHT{
		host:       h,
		disc:       drouting.NewRoutingDiscovery(router),
		ctx:        ctx,
		advertised: make(map[string]bool),
	}
}

func (d *DHT) ResolveUser(ctx context.Context, username string) (*Profile, error) {
	peers, err := d.disc.FindPeers(ctx, UserNamespace+username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	for p := range peers {
		if p.ID == d.host.ID() || p.ID == "" {
			continue
		}
		ep := transport.Endpoint{PeerID: p.ID.String()}
		for _, a := range p.Addrs {
			ep.Addrs = append(ep.Addrs, a.String())
		}
		return &Profile{Username: username, Endpoint: ep, RoutingID: ep.PeerID}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
}

// RegisterEndpoint advertises this host for username. The endpoint must be
// this host's own; the DHT cannot vouch for other peers. Records carry only
// the peer ID, so each username is advertised once and the advertise loop
// refreshes it until ctx ends.
func (d *DHT) RegisterEndpoint(_ context.Context, username, _ string, ep transport.Endpoint) error {
	if ep.PeerID != d.host.ID().String() {
		return fmt.Errorf("%w: cannot advertise foreign peer %s", ErrLookupFailed, ep.PeerID)
	}
	d.mu.Lock()
	if d.advertised[username] {
		d.mu.Unlock()
		return nil
	}
	d.advertised[username] = true
	d.mu.Unlock()

	util.Advertise(d.ctx, d.disc, UserNamespace+username)
	log.Infof("advertising %s as %s", ep.PeerID, username)
	return nil
}
