package group

import (
	"context"
	"testing"
	"time"

	"github.com/baderanaas/hushchain/pkg/directory"
	"github.com/baderanaas/hushchain/pkg/message"
	"github.com/baderanaas/hushchain/pkg/peerbank"
	"github.com/baderanaas/hushchain/pkg/protocol"
	"github.com/baderanaas/hushchain/pkg/queue"
	"github.com/baderanaas/hushchain/pkg/store"
	"github.com/baderanaas/hushchain/pkg/transport"
	"github.com/stretchr/testify/require"
)

type node struct {
	username string
	db       *store.DB
	msgr     *protocol.Messenger
	reg      *Registry
}

func startNode(t *testing.T, net *transport.MemNetwork, dir *directory.Memory, username string) *node {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	peerID := "peer-" + username
	dir.Add(directory.Profile{Username: username, Name: username, Endpoint: transport.Endpoint{PeerID: peerID}, RoutingID: peerID})
	tr := net.Node(peerID)

	keys := keysFor(t, username)
	bank, err := peerbank.New(dir, tr, peerbank.Options{MaxPeers: 10, MaxErrors: 3, ConnectTimeout: time.Second})
	require.NoError(t, err)
	msgr := protocol.New(keys, bank, db, dir, protocol.Options{Username: username, Name: username, Timeout: time.Second})
	q := queue.New(msgr, db, queue.Options{Username: username, RetryInterval: 100 * time.Millisecond, MaxRetries: 5})
	reg := NewRegistry(username, keys, msgr, bank, db, q, Options{
		BlockInterval:        100 * time.Millisecond,
		MaxConnectionRetries: 3,
		EmptyBlockHeartbeat:  true,
	})
	msgr.SetGroupService(reg)
	tr.Serve(msgr.HandleEnvelope)

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = reg.Close()
		msgr.Close()
		bank.Close()
	})
	return &node{username: username, db: db, msgr: msgr, reg: reg}
}

func (n *node) session(t *testing.T, ref message.GroupRef) *Manager {
	t.Helper()
	m, err := n.reg.Manager(context.Background(), ref)
	require.NoError(t, err)
	return m
}

func TestGroupChatEndToEnd(t *testing.T) {
	net, dir := transport.NewMemNetwork(), directory.NewMemory()
	alice := startNode(t, net, dir, "alice")
	bob := startNode(t, net, dir, "bob")
	carol := startNode(t, net, dir, "carol")
	ctx := context.Background()

	require.NoError(t, alice.msgr.KeyExchange(ctx, "bob"))
	require.NoError(t, alice.msgr.KeyExchange(ctx, "carol"))
	require.NoError(t, bob.msgr.KeyExchange(ctx, "carol"))

	g, err := alice.reg.CreateGroup(ctx, "trip", []string{"bob", "carol"})
	require.NoError(t, err)
	ref := g.Ref()
	for _, n := range []*node{bob, carol} {
		require.Eventually(t, func() bool {
			_, err := n.db.GetGroup(ctx, ref)
			return err == nil
		}, 3*time.Second, 20*time.Millisecond, "%s never received the group", n.username)
	}

	leader := alice.session(t, ref)
	require.NoError(t, leader.Connect(ctx))
	require.Equal(t, Leader, leader.State())

	follower := bob.session(t, ref)
	require.NoError(t, follower.Connect(ctx))
	require.Equal(t, Follower, follower.State())
	require.Equal(t, "alice", follower.Creator())

	_, err = follower.SendGroupMessage(ctx, "who brings the tent?")
	require.NoError(t, err)

	for _, m := range []*Manager{leader, follower} {
		require.Eventually(t, func() bool { return m.Group().Chain().Len() == 1 }, 3*time.Second, 20*time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(follower.Group().UnsentMessages) == 0 }, time.Second, 20*time.Millisecond)

	late := carol.session(t, ref)
	require.NoError(t, late.Connect(ctx))
	require.Equal(t, Follower, late.State())
	require.Eventually(t, func() bool { return late.Group().Chain().Len() == 1 }, 3*time.Second, 20*time.Millisecond)

	chain := late.Group().Blockchain
	require.NoError(t, chain.Verify())
	require.Equal(t, "who brings the tent?", chain.Blocks[0].Messages[0].Message)
	require.Equal(t, leader.Group().Chain().LastHash(), chain.LastHash())

	stored, err := carol.db.GetGroup(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Chain().Len())
}
