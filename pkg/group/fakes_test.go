package group

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/baderanaas/hushchain/pkg/crypto"
	"github.com/baderanaas/hushchain/pkg/message"
	"github.com/baderanaas/hushchain/pkg/store"
	"github.com/baderanaas/hushchain/pkg/transport"
	"github.com/stretchr/testify/require"
)

var errNoAnswer = errors.New("no answer")

var (
	keysMu   sync.Mutex
	keyCache = map[string]*crypto.Keystore{}
)

// keysFor returns one keystore per username for the whole test binary.
func keysFor(t *testing.T, username string) *crypto.Keystore {
	t.Helper()
	keysMu.Lock()
	defer keysMu.Unlock()
	if k, ok := keyCache[username]; ok {
		return k
	}
	k, err := crypto.GenerateKeystore()
	require.NoError(t, err)
	keyCache[username] = k
	return k
}

func contactOf(t *testing.T, username string) message.Contact {
	t.Helper()
	pub, err := keysFor(t, username).PublicKeyBytes()
	require.NoError(t, err)
	return message.Contact{Name: username, Username: username, PublicKey: pub}
}

// newGroup has the round-robin list alice, bob, carol, dave.
func newGroup(t *testing.T) *message.Group {
	t.Helper()
	return &message.Group{
		Name:          "friends",
		CreatedAt:     1700000000000,
		EncryptionKey: "c2VjcmV0",
		Admins:        []message.Contact{contactOf(t, "alice")},
		Members:       []message.Contact{contactOf(t, "bob"), contactOf(t, "carol"), contactOf(t, "dave")},
	}
}

func answer(i int) *message.AnswerPayload {
	a := message.IndexAnswer(i)
	return &a
}

type reply func(p message.Payload) (message.Payload, error)

// knows answers election and connection requests with idx.
func knows(idx int) reply {
	return func(p message.Payload) (message.Payload, error) {
		switch p.(type) {
		case message.AskForBlockCreatorPayload, message.ConnectToBlockCreatorPayload:
			return answer(idx), nil
		}
		return &message.AckPayload{}, nil
	}
}

type sent struct {
	to string
	p  message.Payload
}

type fakeMessenger struct {
	self string

	mu       sync.Mutex
	replies  map[string]reply
	requests []sent
	notices  []sent
	online   map[string]bool
}

func newFakeMessenger(self string) *fakeMessenger {
	return &fakeMessenger{self: self, replies: map[string]reply{}, online: map[string]bool{}}
}

func (f *fakeMessenger) on(username string, r reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[username] = r
}

func (f *fakeMessenger) setOnline(username string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[username] = online
}

func (f *fakeMessenger) Username() string {
	return f.self
}

func (f *fakeMessenger) NewMessage(p message.Payload, receiver string) (*message.Message, error) {
	return message.New(p, f.self, receiver)
}

func (f *fakeMessenger) Request(ctx context.Context, receiver string, p message.Payload, _ transport.Channel) (message.Payload, error) {
	f.mu.Lock()
	f.requests = append(f.requests, sent{to: receiver, p: p})
	r := f.replies[receiver]
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errNoAnswer
	}
	return r(p)
}

func (f *fakeMessenger) Notify(_ context.Context, msg *message.Message, ch transport.Channel) error {
	if transport.IsClosed(ch) {
		return transport.ErrConnectionClosed
	}
	p, err := msg.Decode()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, sent{to: msg.ReceiverUsername, p: p})
	return nil
}

func (f *fakeMessenger) IsOnline(_ context.Context, username string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[username]
}

// requestsOf returns the requests of type T sent to username.
func requestsOf[T message.Payload](f *fakeMessenger, username string) []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []T
	for _, s := range f.requests {
		if p, ok := s.p.(T); ok && s.to == username {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeMessenger) blocksTo(username string) []*message.Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*message.Block
	for _, s := range f.notices {
		if p, ok := s.p.(*message.AddBlockPayload); ok && s.to == username {
			out = append(out, p.Block)
		}
	}
	return out
}

type fakeChannel struct {
	peer string
	done chan struct{}
	once sync.Once
}

func newFakeChannel(peer string) *fakeChannel {
	return &fakeChannel{peer: peer, done: make(chan struct{})}
}

func (c *fakeChannel) RemotePeer() string { return c.peer }

func (c *fakeChannel) Send(context.Context, *message.Envelope) error {
	if transport.IsClosed(c) {
		return transport.ErrConnectionClosed
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) Err() error {
	if transport.IsClosed(c) {
		return transport.ErrConnectionClosed
	}
	return nil
}

type fakePool struct {
	mu       sync.Mutex
	conns    map[string]*fakeChannel
	down     map[string]bool
	dials    map[string]int
	released map[string]int
	removed  []string
}

func newFakePool() *fakePool {
	return &fakePool{
		conns:    map[string]*fakeChannel{},
		down:     map[string]bool{},
		dials:    map[string]int{},
		released: map[string]int{},
	}
}

func (p *fakePool) GetConnection(_ context.Context, username string) (transport.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials[username]++
	if p.down[username] {
		return nil, transport.ErrConnectionError
	}
	if c, ok := p.conns[username]; ok && !transport.IsClosed(c) {
		return c, nil
	}
	c := newFakeChannel("peer-" + username)
	p.conns[username] = c
	return c, nil
}

func (p *fakePool) Release(username string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released[username]++
}

func (p *fakePool) RemovePeer(username string) {
	p.mu.Lock()
	c := p.conns[username]
	delete(p.conns, username)
	p.removed = append(p.removed, username)
	p.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

func (p *fakePool) conn(username string) *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[username]
}

func (p *fakePool) wasRemoved(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.removed {
		if u == username {
			return true
		}
	}
	return false
}

type harness struct {
	db   *store.DB
	msgr *fakeMessenger
	pool *fakePool
	m    *Manager

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T, self string, opts Options) *harness {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	g := newGroup(t)
	require.NoError(t, db.AddGroup(context.Background(), g))

	h := &harness{db: db, msgr: newFakeMessenger(self), pool: newFakePool()}
	if opts.BlockInterval == 0 {
		opts.BlockInterval = 50 * time.Millisecond
	}
	opts.OnStateChange = func(_ message.GroupRef, _, to State) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.states = append(h.states, to)
	}
	h.m = NewManager(g, keysFor(t, self), h.msgr, h.pool, db, opts)
	t.Cleanup(func() { _ = h.m.Terminate() })
	return h
}

func (h *harness) transitions() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

// nobodyKnows makes every other member answer election queries with
// UnknownIndex.
func (h *harness) nobodyKnows(except ...string) {
	skip := map[string]bool{h.msgr.self: true}
	for _, u := range except {
		skip[u] = true
	}
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		if !skip[u] {
			h.msgr.on(u, knows(message.UnknownIndex))
		}
	}
}

func seal(t *testing.T, signer string, chain *message.Blockchain, items ...message.BlockMessageItem) message.Block {
	t.Helper()
	b, err := message.SealBlock(chain.Len(), time.Now().UnixMilli(), items, chain.LastHash(), keysFor(t, signer))
	require.NoError(t, err)
	require.NoError(t, chain.Append(*b))
	return *b
}

func item(t *testing.T, sender, text string) message.BlockMessageItem {
	t.Helper()
	it, err := message.NewBlockMessageItem(sender, text, time.Now().UnixMilli(), keysFor(t, sender))
	require.NoError(t, err)
	return it
}
