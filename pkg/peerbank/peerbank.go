// Package peerbank keeps a bounded pool of open channels to other users,
// resolving and dialing lazily and evicting idle or misbehaving peers.
package peerbank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/baderanaas/hushchain/pkg/directory"
	"github.com/baderanaas/hushchain/pkg/transport"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"
)

var log = logging.Logger("peerbank")

// ErrPoolExhausted is returned when the pool is full and every entry has a
// request in flight.
var ErrPoolExhausted = errors.New("peer pool exhausted")

type Options struct {
	MaxPeers       int
	MaxErrors      int
	ConnectTimeout time.Duration
}

type entry struct {
	username string
	peerID   string
	conn     transport.Channel
	lastUsed time.Time
	errors   int
	inUse    int
}

// PeerInfo is a snapshot of one pooled peer.
type PeerInfo struct {
	Username string
	PeerID   string
	LastUsed time.Time
	Errors   int
	InUse    int
}

// Bank is the connection pool. Every successful GetConnection must be
// paired with a Release once the caller's request is finished.
type Bank struct {
	dir    directory.Directory
	dialer transport.Dialer
	opts   Options

	mu    sync.Mutex
	peers *simplelru.LRU[string, *entry]
	dials singleflight.Group
}

func New(dir directory.Directory, dialer transport.Dialer, opts Options) (*Bank, error) {
	if opts.MaxPeers <= 0 {
		return nil, fmt.Errorf("max peers must be positive, got %d", opts.MaxPeers)
	}
	peers, err := simplelru.NewLRU[string, *entry](opts.MaxPeers, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer list: %w", err)
	}
	return &Bank{dir: dir, dialer: dialer, opts: opts, peers: peers}, nil
}

// GetConnection returns an open channel to username, dialing one if needed.
func (b *Bank) GetConnection(ctx context.Context, username string) (transport.Channel, error) {
	b.mu.Lock()
	if e, ok := b.peers.Get(username); ok {
		if !transport.IsClosed(e.conn) {
			e.lastUsed = time.Now()
			e.inUse++
			b.mu.Unlock()
			return e.conn, nil
		}
		b.peers.Remove(username)
	}
	b.mu.Unlock()

	v, err, _ := b.dials.Do(username, func() (any, error) {
		return b.dial(ctx, username)
	})
	if err != nil {
		return nil, err
	}
	e := v.(*entry)

	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.peers.Get(username)
	if !ok || cur != e || transport.IsClosed(e.conn) {
		return nil, fmt.Errorf("%w: channel to %s dropped while connecting", transport.ErrConnectionClosed, username)
	}
	e.lastUsed = time.Now()
	e.inUse++
	return e.conn, nil
}

func (b *Bank) dial(ctx context.Context, username string) (*entry, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
	defer cancel()

	profile, err := b.dir.ResolveUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", username, err)
	}
	conn, err := b.dialer.Dial(ctx, profile.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", username, err)
	}

	e := &entry{
		username: username,
		peerID:   profile.Endpoint.PeerID,
		conn:     conn,
		lastUsed: time.Now(),
	}

	b.mu.Lock()
	evicted, ok := b.makeRoom()
	if !ok {
		b.mu.Unlock()
		_ = conn.Close()
		return nil, ErrPoolExhausted
	}
	b.peers.Add(username, e)
	b.mu.Unlock()

	if evicted != nil {
		log.Debugf("evicting idle peer %s", evicted.username)
		_ = evicted.conn.Close()
	}
	go b.watch(e)
	log.Debugf("connected to %s (%s)", username, e.peerID)
	return e, nil
}

// makeRoom removes the least recently used idle entry when the pool is
// full. The caller closes the returned entry's channel after unlocking.
func (b *Bank) makeRoom() (*entry, bool) {
	if b.peers.Len() < b.opts.MaxPeers {
		return nil, true
	}
	for _, username := range b.peers.Keys() {
		e, _ := b.peers.Peek(username)
		if e.inUse == 0 {
			b.peers.Remove(username)
			return e, true
		}
	}
	return nil, false
}

func (b *Bank) watch(e *entry) {
	<-e.conn.Done()
	b.mu.Lock()
	cur, ok := b.peers.Peek(e.username)
	if ok && cur == e {
		b.peers.Remove(e.username)
	}
	b.mu.Unlock()
	if ok && cur == e {
		log.Debugf("channel to %s closed: %v", e.username, e.conn.Err())
	}
}

// Release marks one request on username's channel as finished.
func (b *Bank) Release(username string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.peers.Peek(username)
	if !ok {
		return
	}
	if e.inUse == 0 {
		log.Warnf("released %s more often than it was acquired", username)
		return
	}
	e.inUse--
}

// RemovePeer closes and forgets username's channel. Unknown users are ignored.
func (b *Bank) RemovePeer(username string) {
	b.mu.Lock()
	e, ok := b.peers.Peek(username)
	if ok {
		b.peers.Remove(username)
	}
	b.mu.Unlock()
	if ok {
		_ = e.conn.Close()
	}
}

// ReportError counts a failure against username and removes the peer once
// the count exceeds MaxErrors. It reports whether the peer was removed.
func (b *Bank) ReportError(username string) bool {
	b.mu.Lock()
	e, ok := b.peers.Peek(username)
	if !ok {
		b.mu.Unlock()
		return false
	}
	e.errors++
	if e.errors <= b.opts.MaxErrors {
		b.mu.Unlock()
		return false
	}
	b.peers.Remove(username)
	b.mu.Unlock()

	log.Infof("dropping %s after %d errors", username, e.errors)
	_ = e.conn.Close()
	return true
}

func (b *Bank) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peers.Len()
}

// Peers lists pooled peers, least recently used first.
func (b *Bank) Peers() []PeerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	infos := make([]PeerInfo, 0, b.peers.Len())
	for _, username := range b.peers.Keys() {
		e, _ := b.peers.Peek(username)
		infos = append(infos, PeerInfo{
			Username: e.username,
			PeerID:   e.peerID,
			LastUsed: e.lastUsed,
			Errors:   e.errors,
			InUse:    e.inUse,
		})
	}
	return infos
}

// Close tears down every pooled channel.
func (b *Bank) Close() {
	b.mu.Lock()
	var conns []transport.Channel
	for _, e := range b.peers.Values() {
		conns = append(conns, e.conn)
	}
	b.peers.Purge()
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
