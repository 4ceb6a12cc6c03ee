// Package node assembles a messenger device: the libp2p host, the local
// store and keys, the directory, the connection pool, the secure protocol,
// the outbound queue and the group sessions.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/baderanaas/hushchain/pkg/config"
	"github.com/baderanaas/hushchain/pkg/crypto"
	"github.com/baderanaas/hushchain/pkg/directory"
	"github.com/baderanaas/hushchain/pkg/group"
	"github.com/baderanaas/hushchain/pkg/message"
	"github.com/baderanaas/hushchain/pkg/peerbank"
	"github.com/baderanaas/hushchain/pkg/protocol"
	"github.com/baderanaas/hushchain/pkg/queue"
	"github.com/baderanaas/hushchain/pkg/store"
	"github.com/baderanaas/hushchain/pkg/transport"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
)

var log = logging.Logger("node")

// Option customizes a Node.
type Option func(*options)

type options struct {
	dir   directory.Directory
	out   io.Writer
	local bool
}

// WithDirectory replaces the directory chosen from the config.
func WithDirectory(d directory.Directory) Option {
	return func(o *options) { o.dir = d }
}

// WithOutput sets where user-facing events are printed. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// WithLocalOnly listens on loopback and skips public bootstrap peers,
// relays, NAT mapping and mDNS.
func WithLocalOnly() Option {
	return func(o *options) { o.local = true }
}

// Node is one running messenger device.
type Node struct {
	cfg   *config.Config
	opts  options
	out   io.Writer
	outMu sync.Mutex

	host      host.Host
	dht       *dht.IpfsDHT
	mdns      mdns.Service
	db        *store.DB
	keys      *crypto.Keystore
	dir       directory.Directory
	transport *transport.Libp2p
	bank      *peerbank.Bank
	msgr      *protocol.Messenger
	queue     *queue.Queue
	groups    *group.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	registered transport.Endpoint
}

// New opens the device state under cfg.DataDir and builds every service.
// Nothing talks to the network until Start.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg.Username == "" {
		return nil, errors.New("username is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := *cfg
	if c.Name == "" {
		c.Name = c.Username
	}
	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{cfg: &c, opts: o, out: o.out, ctx: ctx, cancel: cancel}
	if err := n.setup(); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) setup() error {
	var err error
	if n.db, err = store.Open(n.cfg.DataDir); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	if n.keys, err = crypto.LoadOrCreateKeystore(n.ctx, n.db); err != nil {
		return err
	}
	privKey, err := LoadIdentity(n.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to load or generate identity: %w", err)
	}
	if n.host, n.dht, err = newHost(n.ctx, n.cfg, privKey, n.opts.local); err != nil {
		return err
	}

	switch {
	case n.opts.dir != nil:
		n.dir = n.opts.dir
	case n.cfg.DirectoryURL != "":
		n.dir = directory.NewHTTP(n.cfg.DirectoryURL, n.cfg.ConnectTimeout.Std())
	default:
		n.dir = directory.NewDHT(n.ctx, n.host, n.dht)
	}

	n.transport = transport.NewLibp2p(n.host)
	n.bank, err = peerbank.New(n.dir, n.transport, peerbank.Options{
		MaxPeers:       n.cfg.MaxPeerConnections,
		MaxErrors:      n.cfg.MaxErrorsBeforeTermination,
		ConnectTimeout: n.cfg.ConnectTimeout.Std(),
	})
	if err != nil {
		return err
	}
	n.msgr = protocol.New(n.keys, n.bank, n.db, n.dir, protocol.Options{
		Username: n.cfg.Username,
		Name:     n.cfg.Name,
		Timeout:  n.cfg.MessageTimeoutDuration.Std(),
	})
	n.queue = queue.New(n.msgr, n.db, queue.Options{
		Username:      n.cfg.Username,
		RetryInterval: n.cfg.MessageRetryInterval.Std(),
		MaxRetries:    n.cfg.MaxRetries,
	})
	n.groups = group.NewRegistry(n.cfg.Name, n.keys, n.msgr, n.bank, n.db, n.queue, group.Options{
		BlockInterval:        n.cfg.BlockInterval.Std(),
		MaxConnectionRetries: n.cfg.MaxBlockCreatorConnectionRetries,
		EmptyBlockHeartbeat:  n.cfg.EmptyBlockHeartbeat,
		ShiftOnLeaderFailure: n.cfg.ShiftOnLeaderFailure,
		Rotation:             group.BlockCountRotation(n.cfg.MaxBlocksPerCreator),
		OnStateChange: func(ref message.GroupRef, from, to group.State) {
			if to == group.Leader || to == group.Follower {
				n.printf("👥 %s: now %s\n", ref.Name, to)
			}
		},
	})
	n.msgr.SetGroupService(n.groups)
	n.msgr.OnText(func(from, text string, createdAt int64) {
		n.printf("💬 [%s] %s: %s\n", time.UnixMilli(createdAt).Format("15:04"), from, text)
	})
	n.queue.OnResult(func(sm *message.StoredMessage) {
		if sm.Status == message.StatusFailed {
			n.printf("❌ %s #%d to %s failed, /retry %d to send again\n", sm.Type, sm.ID, sm.ReceiverUsername, sm.ID)
		}
	})
	return nil
}

// newHost creates the libp2p host with its DHT router. TCP and QUIC share
// the configured port number.
func newHost(ctx context.Context, cfg *config.Config, privKey lcrypto.PrivKey, local bool) (host.Host, *dht.IpfsDHT, error) {
	cm, err := connmgr.NewConnManager(cfg.MaxPeerConnections, cfg.MaxPeerConnections*4, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return nil, nil, err
	}

	bootstrap := bootstrapPeers(cfg, local)
	ip := "0.0.0.0"
	if local {
		ip = "127.0.0.1"
	}

	var idht *dht.IpfsDHT
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/%s/tcp/%d", ip, cfg.ListenPort),
			fmt.Sprintf("/ip4/%s/udp/%d/quic-v1", ip, cfg.ListenPort),
		),
		libp2p.Identity(privKey),
		libp2p.ConnectionManager(cm),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			idht, err = dht.New(ctx, h, dht.Mode(dht.ModeAutoServer), dht.BootstrapPeers(bootstrap...))
			return idht, err
		}),
	}
	if !local {
		opts = append(opts,
			libp2p.EnableAutoRelayWithStaticRelays(bootstrap),
			libp2p.EnableHolePunching(),
			libp2p.NATPortMap(),
		)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	return h, idht, nil
}

// bootstrapPeers parses the configured bootstrap addresses, falling back to
// the public IPFS bootstrap nodes.
func bootstrapPeers(cfg *config.Config, local bool) []peer.AddrInfo {
	var peers []peer.AddrInfo
	for _, s := range cfg.Bootstrap {
		pi, err := peer.AddrInfoFromString(s)
		if err != nil {
			log.Warnf("skipping bootstrap peer %q: %v", s, err)
			continue
		}
		peers = append(peers, *pi)
	}
	if len(peers) > 0 || local {
		return peers
	}
	for _, addr := range dht.DefaultBootstrapPeers {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warnf("failed to parse bootstrap peer: %v", err)
			continue
		}
		peers = append(peers, *pi)
	}
	return peers
}

// Start joins the network: it serves the messaging protocol, bootstraps
// the DHT, publishes this device in the directory, resumes queued messages
// and reconnects every group.
func (n *Node) Start(ctx context.Context) error {
	n.transport.Serve(n.msgr.HandleEnvelope)

	n.printf("✅ %s is peer %s\n", n.cfg.Username, n.host.ID())
	n.printf("✅ Listening on:\n")
	for _, addr := range n.host.Addrs() {
		n.printf("   %s/p2p/%s\n", addr, n.host.ID())
	}

	if err := n.Bootstrap(ctx); err != nil {
		return err
	}
	if err := n.register(ctx); err != nil {
		return err
	}
	if err := n.queue.Restore(ctx); err != nil {
		return err
	}

	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		n.queue.Run(n.ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.maintainNetwork()
	}()
	go func() {
		defer n.wg.Done()
		if err := n.groups.ConnectAll(n.ctx); err != nil {
			log.Warnf("some groups could not connect: %v", err)
		}
	}()
	return nil
}

// Endpoint is where other devices reach this one.
func (n *Node) Endpoint() transport.Endpoint {
	ep := transport.Endpoint{PeerID: n.host.ID().String()}
	for _, a := range n.host.Addrs() {
		ep.Addrs = append(ep.Addrs, a.String())
	}
	return ep
}

// register publishes the current endpoint unless it is already published.
func (n *Node) register(ctx context.Context) error {
	ep := n.Endpoint()
	n.mu.Lock()
	same := sameEndpoint(ep, n.registered)
	n.mu.Unlock()
	if same {
		return nil
	}
	if err := n.dir.RegisterEndpoint(ctx, n.cfg.Username, n.cfg.DeviceKey, ep); err != nil {
		return fmt.Errorf("failed to register endpoint: %w", err)
	}
	n.mu.Lock()
	n.registered = ep
	n.mu.Unlock()
	return nil
}

func sameEndpoint(a, b transport.Endpoint) bool {
	if a.PeerID != b.PeerID || len(a.Addrs) != len(b.Addrs) {
		return false
	}
	for i := range a.Addrs {
		if a.Addrs[i] != b.Addrs[i] {
			return false
		}
	}
	return true
}

func (n *Node) printf(format string, args ...any) {
	n.outMu.Lock()
	defer n.outMu.Unlock()
	fmt.Fprintf(n.out, format, args...)
}

// Close shuts every service down in reverse start order.
func (n *Node) Close() error {
	n.cancel()
	var result *multierror.Error
	if n.groups != nil {
		if err := n.groups.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if n.msgr != nil {
		n.msgr.Close()
	}
	if n.transport != nil {
		n.transport.Close()
	}
	if n.bank != nil {
		n.bank.Close()
	}
	n.wg.Wait()
	if n.mdns != nil {
		if err := n.mdns.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if n.host != nil {
		if err := n.host.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
