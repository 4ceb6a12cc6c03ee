package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/baderanaas/hushchain/pkg/message"
)

// MemNetwork is an in-process network of MemTransports, used to run several
// messengers against each other without sockets.
type MemNetwork struct {
	mu    sync.Mutex
	nodes map[string]*MemTransport
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{nodes: make(map[string]*MemTransport)}
}

// Node returns the transport for peerID, creating it on first use.
func (n *MemNetwork) Node(peerID string) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.nodes[peerID]; ok {
		return t
	}
	t := &MemTransport{net: n, id: peerID}
	n.nodes[peerID] = t
	return t
}

func (n *MemNetwork) lookup(peerID string) (*MemTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.nodes[peerID]
	return t, ok
}

// MemTransport is one peer on a MemNetwork.
type MemTransport struct {
	net *MemNetwork
	id  string

	mu       sync.Mutex
	handler  Handler
	offline  bool
	channels []*memChannel
	dials    int
}

// Serve marks the peer reachable and sets its inbound handler.
func (t *MemTransport) Serve(handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	t.offline = false
}

// SetOffline makes the peer unreachable and closes its open channels.
func (t *MemTransport) SetOffline() {
	t.mu.Lock()
	t.offline = true
	channels := t.channels
	t.channels = nil
	t.mu.Unlock()
	for _, c := range channels {
		_ = c.Close()
	}
}

// Dials returns how many outbound channels this peer has opened.
func (t *MemTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *MemTransport) Dial(ctx context.Context, ep Endpoint) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	remote, ok := t.net.lookup(ep.PeerID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown peer %s", ErrConnectionError, ep.PeerID)
	}

	remote.mu.Lock()
	if remote.offline || remote.handler == nil {
		remote.mu.Unlock()
		return nil, fmt.Errorf("%w: peer %s unreachable", ErrConnectionError, ep.PeerID)
	}
	remoteHandler := remote.handler
	remote.mu.Unlock()

	t.mu.Lock()
	localHandler := t.handler
	t.dials++
	t.mu.Unlock()
	if localHandler == nil {
		localHandler = func(Channel, *message.Envelope) {}
	}

	local := newMemChannel(ep.PeerID)
	far := newMemChannel(t.id)
	local.peer, far.peer = far, local
	go local.readLoop(localHandler)
	go far.readLoop(remoteHandler)

	t.track(local)
	remote.track(far)
	return local, nil
}

func (t *MemTransport) track(c *memChannel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels = append(t.channels, c)
}

type memChannel struct {
	remote string
	peer   *memChannel
	inbox  chan []byte

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newMemChannel(remote string) *memChannel {
	return &memChannel{
		remote: remote,
		inbox:  make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (c *memChannel) readLoop(handler Handler) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.inbox:
			var env message.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			handler(c, &env)
		}
	}
}

func (c *memChannel) RemotePeer() string {
	return c.remote
}

func (c *memChannel) Send(ctx context.Context, env *message.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.Err()
	case <-c.peer.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.peer.inbox <- data:
		return nil
	}
}

func (c *memChannel) Close() error {
	c.shutdown(ErrConnectionClosed)
	c.peer.shutdown(ErrConnectionClosed)
	return nil
}

func (c *memChannel) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *memChannel) Done() <-chan struct{} {
	return c.done
}

func (c *memChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
