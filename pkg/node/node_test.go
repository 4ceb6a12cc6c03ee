package node

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/baderanaas/hushchain/pkg/config"
	"github.com/baderanaas/hushchain/pkg/directory"
	"github.com/baderanaas/hushchain/pkg/group"
	"github.com/baderanaas/hushchain/pkg/message"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T, username string) *config.Config {
	cfg := config.Default()
	cfg.Username = username
	cfg.DataDir = t.TempDir()
	cfg.ListenPort = 0
	cfg.MessageRetryInterval = config.Duration(100 * time.Millisecond)
	cfg.MessageTimeoutDuration = config.Duration(2 * time.Second)
	cfg.ConnectTimeout = config.Duration(2 * time.Second)
	cfg.BlockInterval = config.Duration(100 * time.Millisecond)
	return cfg
}

func startTestNode(t *testing.T, dir directory.Directory, username string) (*Node, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	n, err := New(testConfig(t, username), WithDirectory(dir), WithOutput(out), WithLocalOnly())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, n.Close()) })
	require.NoError(t, n.Start(context.Background()))
	return n, out
}

func TestNewRequiresUsername(t *testing.T) {
	cfg := testConfig(t, "")
	_, err := New(cfg, WithLocalOnly())
	require.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "alice")
	cfg.MaxRetries = 0
	_, err := New(cfg, WithLocalOnly())
	require.ErrorContains(t, err, "maxRetries")
}

func TestStartRegistersEndpoint(t *testing.T) {
	dir := directory.NewMemory()
	alice, _ := startTestNode(t, dir, "alice")

	p, err := dir.ResolveUser(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, alice.host.ID().String(), p.Endpoint.PeerID)
	require.NotEmpty(t, p.Endpoint.Addrs)
	require.Equal(t, alice.Endpoint(), p.Endpoint)
}

func TestIdentitySurvivesRestart(t *testing.T) {
	cfg := testConfig(t, "alice")
	n, err := New(cfg, WithDirectory(directory.NewMemory()), WithOutput(&syncBuffer{}), WithLocalOnly())
	require.NoError(t, err)
	id := n.host.ID()
	require.NoError(t, n.Close())

	n, err = New(cfg, WithDirectory(directory.NewMemory()), WithOutput(&syncBuffer{}), WithLocalOnly())
	require.NoError(t, err)
	defer n.Close()
	require.Equal(t, id, n.host.ID())
}

func TestDirectMessaging(t *testing.T) {
	dir := directory.NewMemory()
	alice, _ := startTestNode(t, dir, "alice")
	bob, bobOut := startTestNode(t, dir, "bob")
	ctx := context.Background()

	_, err := alice.SendText(ctx, "bob", "too early")
	require.Error(t, err, "sending requires a contact")

	require.NoError(t, alice.KeyExchange(ctx, "bob"))
	contacts, err := alice.Contacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	require.Equal(t, "bob", contacts[0].Username)

	sm, err := alice.SendText(ctx, "bob", "hello bob")
	require.NoError(t, err)
	require.NotZero(t, sm.ID)

	require.Eventually(t, func() bool {
		return strings.Contains(bobOut.String(), "alice: hello bob")
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		lines, err := alice.Conversation(ctx, "bob")
		return err == nil && len(lines) == 1 && lines[0].Status == message.StatusSent
	}, 5*time.Second, 50*time.Millisecond)

	lines, err := bob.Conversation(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, "alice", lines[0].From)
	require.Equal(t, "hello bob", lines[0].Text)
	require.NotEmpty(t, alice.Peers())
}

func TestKeyExchangeWithSelf(t *testing.T) {
	alice, _ := startTestNode(t, directory.NewMemory(), "alice")
	require.Error(t, alice.KeyExchange(context.Background(), "alice"))
}

func TestGroupMessaging(t *testing.T) {
	dir := directory.NewMemory()
	alice, _ := startTestNode(t, dir, "alice")
	bob, _ := startTestNode(t, dir, "bob")
	ctx := context.Background()

	require.NoError(t, alice.KeyExchange(ctx, "bob"))
	g, err := alice.CreateGroup(ctx, "trip", []string{"bob"})
	require.NoError(t, err)
	require.Len(t, g.Members, 1)

	require.Eventually(t, func() bool {
		groups, err := bob.Groups(ctx)
		return err == nil && len(groups) == 1
	}, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		st, err := alice.GroupStatus(ctx, "trip")
		return err == nil && st.State == group.Leader.String()
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, bob.SendGroupMessage(ctx, "trip", "who brings the tent?"))
	st, err := bob.GroupStatus(ctx, "trip")
	require.NoError(t, err)
	require.Equal(t, "alice", st.Creator)

	hasMessage := func(n *Node) func() bool {
		return func() bool {
			blocks, err := n.Chain(ctx, "trip")
			if err != nil {
				return false
			}
			for _, b := range blocks {
				for _, m := range b.Messages {
					if m.Message == "who brings the tent?" {
						return true
					}
				}
			}
			return false
		}
	}
	require.Eventually(t, hasMessage(alice), 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, hasMessage(bob), 5*time.Second, 50*time.Millisecond)

	require.Error(t, alice.SendGroupMessage(ctx, "unknown", "hi"))
}
