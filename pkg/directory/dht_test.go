package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/baderanaas/hushchain/pkg/transport"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDiscovery struct {
	mu         sync.Mutex
	advertised map[string]int
	found      []peer.AddrInfo
}

func (c *countingDiscovery) Advertise(_ context.Context, ns string, _ ...discovery.Option) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advertised[ns]++
	return time.Hour, nil
}

func (c *countingDiscovery) FindPeers(_ context.Context, _ string, _ ...discovery.Option) (<-chan peer.AddrInfo, error) {
	out := make(chan peer.AddrInfo, len(c.found))
	for _, p := range c.found {
		out <- p
	}
	close(out)
	return out, nil
}

func (c *countingDiscovery) count(ns string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advertised[ns]
}

func newTestDHT(t *testing.T, disc discovery.Discovery) (*DHT, host.Host) {
	t.Helper()
	h, err := libp2p.New(libp2p.NoListenAddrs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &DHT{host: h, disc: disc, ctx: ctx, advertised: make(map[string]bool)}, h
}

func TestDHTAdvertisesEachUserOnce(t *testing.T) {
	disc := &countingDiscovery{advertised: make(map[string]int)}
	d, h := newTestDHT(t, disc)
	ep := transport.Endpoint{PeerID: h.ID().String(), Addrs: []string{"/ip4/127.0.0.1/tcp/4001"}}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, d.RegisterEndpoint(ctx, "alice", "", ep))
		ep.Addrs = append(ep.Addrs, "/ip4/10.0.0.1/tcp/4001")
	}
	require.NoError(t, d.RegisterEndpoint(ctx, "carol", "", ep))

	require.Eventually(t, func() bool {
		return disc.count(UserNamespace+"alice") == 1 && disc.count(UserNamespace+"carol") == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, disc.count(UserNamespace+"alice"))
}

func TestDHTRejectsForeignEndpoint(t *testing.T) {
	d, _ := newTestDHT(t, &countingDiscovery{advertised: make(map[string]int)})
	err := d.RegisterEndpoint(context.Background(), "alice", "", transport.Endpoint{PeerID: "someone-else"})
	require.ErrorIs(t, err, ErrLookupFailed)
}

func TestDHTResolveSkipsSelf(t *testing.T) {
	disc := &countingDiscovery{advertised: make(map[string]int)}
	d, h := newTestDHT(t, disc)
	other, err := libp2p.New(libp2p.NoListenAddrs)
	require.NoError(t, err)
	defer other.Close()
	disc.found = []peer.AddrInfo{{ID: h.ID()}, {ID: other.ID()}}

	p, err := d.ResolveUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, other.ID().String(), p.Endpoint.PeerID)

	disc.found = []peer.AddrInfo{{ID: h.ID()}}
	_, err = d.ResolveUser(context.Background(), "bob")
	require.ErrorIs(t, err, ErrUserNotFound)
}
