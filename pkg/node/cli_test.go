package node

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/baderanaas/hushchain/pkg/message"
	"github.com/baderanaas/hushchain/pkg/peerbank"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	calls   []string
	fail    error
	nextID  int64
	groups  []*message.Group
	blocks  []message.Block
	lines   []ConversationLine
	members []string
}

func (f *fakeClient) record(s string) error {
	f.calls = append(f.calls, s)
	return f.fail
}

func (f *fakeClient) KeyExchange(_ context.Context, username string) error {
	return f.record("exchange " + username)
}

func (f *fakeClient) SendText(_ context.Context, to, text string) (*message.StoredMessage, error) {
	if err := f.record("msg " + to + " " + text); err != nil {
		return nil, err
	}
	f.nextID++
	return &message.StoredMessage{ID: f.nextID}, nil
}

func (f *fakeClient) Retry(_ context.Context, id int64) error {
	return f.record("retry")
}

func (f *fakeClient) Conversation(_ context.Context, username string) ([]ConversationLine, error) {
	return f.lines, f.record("messages " + username)
}

func (f *fakeClient) Contacts(context.Context) ([]message.Contact, error) {
	return []message.Contact{{Username: "bob", Name: "Bob"}}, f.record("contacts")
}

func (f *fakeClient) CreateGroup(_ context.Context, name string, members []string) (*message.Group, error) {
	f.members = members
	if err := f.record("group-create " + name); err != nil {
		return nil, err
	}
	g := &message.Group{Name: name}
	for _, m := range members {
		g.Members = append(g.Members, message.Contact{Username: m})
	}
	return g, nil
}

func (f *fakeClient) SendGroupMessage(_ context.Context, name, text string) error {
	return f.record("group " + name + " " + text)
}

func (f *fakeClient) Groups(context.Context) ([]*message.Group, error) {
	return f.groups, f.record("groups")
}

func (f *fakeClient) GroupStatus(_ context.Context, name string) (*GroupStatus, error) {
	for _, g := range f.groups {
		if g.Name == name {
			return &GroupStatus{Group: g, State: "follower", Creator: "alice"}, nil
		}
	}
	return nil, errors.New("unknown group")
}

func (f *fakeClient) Chain(_ context.Context, name string) ([]message.Block, error) {
	return f.blocks, f.record("chain " + name)
}

func (f *fakeClient) Peers() []peerbank.PeerInfo {
	return []peerbank.PeerInfo{{Username: "bob", PeerID: "12D3KooWabcdefghijklmnop"}}
}

func (f *fakeClient) NetworkPeers() []NetworkPeer {
	return []NetworkPeer{{ID: "a", Connected: true}, {ID: "b"}}
}

func (f *fakeClient) ConnectPeer(_ context.Context, addr string) error {
	return f.record("connect " + addr)
}

func exec(t *testing.T, f *fakeClient, line string) string {
	t.Helper()
	var out bytes.Buffer
	NewCLI(f, &out).Exec(context.Background(), line)
	return out.String()
}

func TestCLICommands(t *testing.T) {
	tests := []struct {
		line string
		call string
		out  string
	}{
		{"/exchange bob", "exchange bob", "🔑 Exchanged keys with bob"},
		{"/msg bob hello there", "msg bob hello there", "📤 Queued message #1 to bob"},
		{"/retry 7", "retry", "🔁 Message #7 queued again"},
		{"/messages bob", "messages bob", "--- Conversation with bob ---"},
		{"/contacts", "contacts", "bob (Bob)"},
		{"/group-create trip bob carol", "group-create trip", "👥 Created group trip with 2 members"},
		{"/group trip see you at noon", "group trip see you at noon", ""},
		{"/chain trip", "chain trip", "--- trip: 0 blocks ---"},
		{"/connect /ip4/127.0.0.1/tcp/4001/p2p/x", "connect /ip4/127.0.0.1/tcp/4001/p2p/x", "✅ Connected successfully"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			f := &fakeClient{}
			out := exec(t, f, tt.line)
			require.Equal(t, []string{tt.call}, f.calls)
			assert.Contains(t, out, tt.out)
		})
	}
}

func TestCLIUsageErrors(t *testing.T) {
	for _, line := range []string{"/exchange", "/msg bob", "/retry x", "/messages", "/group-create trip", "/group trip", "/chain", "/connect"} {
		t.Run(line, func(t *testing.T) {
			f := &fakeClient{}
			out := exec(t, f, line)
			require.Empty(t, f.calls)
			assert.True(t, strings.HasPrefix(out, "Usage:"), out)
		})
	}
}

func TestCLIReportsFailures(t *testing.T) {
	f := &fakeClient{fail: errors.New("boom")}
	out := exec(t, f, "/msg bob hi")
	assert.Contains(t, out, "❌ Failed to send message: boom")
}

func TestCLIGroupsAndPeers(t *testing.T) {
	f := &fakeClient{groups: []*message.Group{{Name: "trip", Members: []message.Contact{{Username: "bob"}}, Admins: []message.Contact{{Username: "alice"}}}}}
	out := exec(t, f, "/groups")
	assert.Contains(t, out, "trip (2 members) follower, block creator: alice")

	out = exec(t, f, "/peers")
	assert.Contains(t, out, "bob (12D3KooWabcd)")
	assert.Contains(t, out, "1 connected, 2 known peers")
}

func TestCLIChainListsMessages(t *testing.T) {
	f := &fakeClient{blocks: []message.Block{{
		Serial:   1,
		Hash:     "abcdef0123456789",
		Messages: []message.BlockMessageItem{{SenderUsername: "bob", Message: "hi all"}},
	}}}
	out := exec(t, f, "/chain trip")
	assert.Contains(t, out, "#1 abcdef012345")
	assert.Contains(t, out, "bob: hi all")
}

func TestCLIRunStopsOnQuit(t *testing.T) {
	f := &fakeClient{}
	var out bytes.Buffer
	in := strings.NewReader("/exchange bob\n\n/quit\n/exchange carol\n")
	require.NoError(t, NewCLI(f, &out).Run(context.Background(), in))
	require.Equal(t, []string{"exchange bob"}, f.calls)
	assert.Contains(t, out.String(), "🔌 Shutting down...")
}

func TestCLIUnknownCommand(t *testing.T) {
	out := exec(t, &fakeClient{}, "/dance")
	assert.Contains(t, out, `Unknown command "/dance"`)
}
