package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/baderanaas/hushchain/pkg/message"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("transport")

// ProtocolID is the libp2p protocol secure messages are exchanged on.
const ProtocolID = protocol.ID("/hushchain/secure-messaging/1.0.0")

// Libp2p opens channels as long-lived libp2p streams carrying
// newline-delimited JSON envelopes.
type Libp2p struct {
	host    host.Host
	mu      sync.RWMutex
	handler Handler
}

// NewLibp2p creates a transport on h. Serve must be called before any
// channel is dialed.
func NewLibp2p(h host.Host) *Libp2p {
	return &Libp2p{host: h}
}

// Serve accepts inbound streams and delivers their envelopes to handler.
func (t *Libp2p) Serve(handler Handler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
	t.host.SetStreamHandler(ProtocolID, func(s network.Stream) {
		log.Debugf("inbound channel from %s", s.Conn().RemotePeer())
		newStreamChannel(s, t.currentHandler())
	})
}

// Close stops accepting inbound streams.
func (t *Libp2p) Close() {
	t.host.RemoveStreamHandler(ProtocolID)
}

func (t *Libp2p) currentHandler() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.handler == nil {
		return func(Channel, *message.Envelope) {}
	}
	return t.handler
}

// Dial connects to ep and opens a messaging stream.
func (t *Libp2p) Dial(ctx context.Context, ep Endpoint) (Channel, error) {
	id, err := peer.Decode(ep.PeerID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer ID %q: %w", ep.PeerID, err)
	}
	info := peer.AddrInfo{ID: id}
	for _, a := range ep.Addrs {
		addr, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			log.Warnf("skipping invalid address %q for %s: %v", a, id, err)
			continue
		}
		info.Addrs = append(info.Addrs, addr)
	}

	if err := t.host.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %v", ErrConnectionError, id, err)
	}
	s, err := t.host.NewStream(ctx, id, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open stream to %s: %v", ErrConnectionError, id, err)
	}
	return newStreamChannel(s, t.currentHandler()), nil
}

type streamChannel struct {
	s      network.Stream
	remote string

	encMu sync.Mutex
	enc   *json.Encoder

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newStreamChannel(s network.Stream, handler Handler) *streamChannel {
	c := &streamChannel{
		s:      s,
		remote: s.Conn().RemotePeer().String(),
		enc:    json.NewEncoder(s),
		done:   make(chan struct{}),
	}
	go c.readLoop(handler)
	return c
}

func (c *streamChannel) readLoop(handler Handler) {
	decoder := json.NewDecoder(c.s)
	for {
		var env message.Envelope
		if err := decoder.Decode(&env); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, network.ErrReset) {
				c.fail(ErrConnectionClosed)
			} else {
				c.fail(fmt.Errorf("%w: %v", ErrConnectionError, err))
			}
			return
		}
		handler(c, &env)
	}
}

func (c *streamChannel) RemotePeer() string {
	return c.remote
}

func (c *streamChannel) Send(ctx context.Context, env *message.Envelope) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	c.encMu.Lock()
	defer c.encMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.s.SetWriteDeadline(deadline)
		defer c.s.SetWriteDeadline(time.Time{})
	}
	if err := c.enc.Encode(env); err != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionError, err)
		c.fail(err)
		return err
	}
	return nil
}

func (c *streamChannel) Close() error {
	c.fail(ErrConnectionClosed)
	return nil
}

func (c *streamChannel) Done() <-chan struct{} {
	return c.done
}

func (c *streamChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *streamChannel) fail(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		if errors.Is(err, ErrConnectionClosed) {
			_ = c.s.Close()
		} else {
			_ = c.s.Reset()
		}
		close(c.done)
	})
}
