// Package protocol implements secure point-to-point messaging: every
// message is signed and encrypted for its recipient, acknowledged by a reply
// that echoes its nonce, and de-duplicated on receipt.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/baderanaas/hushchain/pkg/crypto"
	"github.com/baderanaas/hushchain/pkg/directory"
	"github.com/baderanaas/hushchain/pkg/message"
	"github.com/baderanaas/hushchain/pkg/store"
	"github.com/baderanaas/hushchain/pkg/transport"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("protocol")

var (
	ErrKeyExchangeTimeout = errors.New("key exchange timed out")
	ErrKeyExchangeNotDone = errors.New("RSA key exchange not done")
	ErrMessageTimeout     = errors.New("message timed out")
	ErrContactNotFound    = errors.New("contact not found")
	ErrInvalidSignature   = errors.New("invalid signature")
)

// Pool hands out channels to users by name.
type Pool interface {
	GetConnection(ctx context.Context, username string) (transport.Channel, error)
	Release(username string)
	RemovePeer(username string)
	ReportError(username string) bool
}

// Store is the part of the local store the protocol reads and writes.
type Store interface {
	GetContact(ctx context.Context, username string) (*message.Contact, error)
	PutContact(ctx context.Context, c message.Contact) error
	MessageExists(ctx context.Context, nonce, sender string, createdAt int64) (bool, error)
	AddMessage(ctx context.Context, m *message.StoredMessage) error
	AddExtraMessage(ctx context.Context, e *message.ExtraStoredMessage) error
}

// GroupService answers the group requests arriving over the protocol. A
// nil reply payload means no reply is sent.
type GroupService interface {
	HandleCreateGroup(ctx context.Context, from string, p *message.CreateGroupPayload) (message.Payload, error)
	HandleAskForBlockCreator(ctx context.Context, from string, p *message.AskForBlockCreatorPayload) (message.Payload, error)
	HandleConnectToBlockCreator(ctx context.Context, ch transport.Channel, from string, p *message.ConnectToBlockCreatorPayload) (message.Payload, error)
	HandleGroupMessage(ctx context.Context, from string, p *message.GroupMessagePayload) (message.Payload, error)
	HandlePullAllBlocks(ctx context.Context, from string, p *message.PullAllBlocksPayload) (message.Payload, error)
	HandleAddBlock(ctx context.Context, from string, p *message.AddBlockPayload) error
}

// TextHandler is called for every new text message received.
type TextHandler func(from, text string, createdAt int64)

type Options struct {
	Username string
	Name     string
	Timeout  time.Duration
}

type Messenger struct {
	self    string
	name    string
	timeout time.Duration

	keys *crypto.Keystore
	pool Pool
	db   Store
	dir  directory.Directory

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	waiters map[string]chan *message.Message
	groups  GroupService
	onText  TextHandler
}

func New(keys *crypto.Keystore, pool Pool, db Store, dir directory.Directory, opts Options) *Messenger {
	ctx, cancel := context.WithCancel(context.Background())
	return &Messenger{
		self:    opts.Username,
		name:    opts.Name,
		timeout: opts.Timeout,
		keys:    keys,
		pool:    pool,
		db:      db,
		dir:     dir,
		ctx:     ctx,
		cancel:  cancel,
		waiters: make(map[string]chan *message.Message),
	}
}

func (m *Messenger) Username() string {
	return m.self
}

func (m *Messenger) Keys() *crypto.Keystore {
	return m.keys
}

// SetGroupService installs the handler for group requests.
func (m *Messenger) SetGroupService(g GroupService) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = g
}

func (m *Messenger) OnText(h TextHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onText = h
}

// Close stops handling of inbound requests still in progress.
func (m *Messenger) Close() {
	m.cancel()
}

// NewMessage addresses payload p from this user to receiver.
func (m *Messenger) NewMessage(p message.Payload, receiver string) (*message.Message, error) {
	return message.New(p, m.self, receiver)
}

// Request builds a message for p and sends it with SendMessage.
func (m *Messenger) Request(ctx context.Context, receiver string, p message.Payload, ch transport.Channel) (message.Payload, error) {
	msg, err := m.NewMessage(p, receiver)
	if err != nil {
		return nil, err
	}
	return m.SendMessage(ctx, msg, ch)
}

// SendMessage signs, encrypts and sends msg, then waits for the reply that
// echoes its nonce. When ch is nil a channel is taken from the pool;
// otherwise ch is used as is and stays owned by the caller.
func (m *Messenger) SendMessage(ctx context.Context, msg *message.Message, ch transport.Channel) (message.Payload, error) {
	env, err := m.seal(ctx, msg)
	if err != nil {
		return nil, err
	}
	return m.roundTrip(ctx, msg, env, ch, ErrMessageTimeout)
}

// Notify sends msg securely without waiting for a reply.
func (m *Messenger) Notify(ctx context.Context, msg *message.Message, ch transport.Channel) error {
	env, err := m.seal(ctx, msg)
	if err != nil {
		return err
	}
	pooled := ch == nil
	if pooled {
		if ch, err = m.pool.GetConnection(ctx, msg.ReceiverUsername); err != nil {
			return err
		}
		defer m.pool.Release(msg.ReceiverUsername)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := ch.Send(ctx, env); err != nil {
		m.transportFailed(msg.ReceiverUsername, ch, pooled)
		return fmt.Errorf("failed to send %s to %s: %w", msg.Type, msg.ReceiverUsername, err)
	}
	return nil
}

// KeyExchange sends this user's public key to username in the clear and
// stores the key it answers with.
func (m *Messenger) KeyExchange(ctx context.Context, username string) error {
	pub, err := m.keys.PublicKeyBytes()
	if err != nil {
		return err
	}
	msg, err := m.NewMessage(message.KeyExchangePayload{Name: m.name, PublicKey: pub}, username)
	if err != nil {
		return err
	}
	p, err := m.roundTrip(ctx, msg, message.PlainEnvelope(msg), nil, ErrKeyExchangeTimeout)
	if err != nil {
		return err
	}
	reply, ok := p.(*message.KeyExchangeReplyPayload)
	if !ok {
		return fmt.Errorf("unexpected %s reply to key exchange with %s", p.Type(), username)
	}
	if _, err := crypto.UnmarshalPublicKey(reply.PublicKey); err != nil {
		return err
	}
	err = m.db.PutContact(ctx, message.Contact{Name: reply.Name, Username: username, PublicKey: reply.PublicKey})
	if errors.Is(err, store.ErrDuplicate) {
		log.Debugf("contact %s already known", username)
		return nil
	}
	return err
}

// Heartbeat checks that username answers within the message timeout.
func (m *Messenger) Heartbeat(ctx context.Context, username string) error {
	_, err := m.Request(ctx, username, message.HeartbeatPayload{}, nil)
	return err
}

func (m *Messenger) IsOnline(ctx context.Context, username string) bool {
	return m.Heartbeat(ctx, username) == nil
}

func (m *Messenger) roundTrip(ctx context.Context, msg *message.Message, env *message.Envelope, ch transport.Channel, timeoutErr error) (message.Payload, error) {
	pooled := ch == nil
	if pooled {
		var err error
		if ch, err = m.pool.GetConnection(ctx, msg.ReceiverUsername); err != nil {
			return nil, err
		}
		defer m.pool.Release(msg.ReceiverUsername)
	}

	key := waiterKey(msg.ReceiverUsername, msg.Nonce)
	wait := m.expect(key)
	defer m.forget(key)

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := ch.Send(sendCtx, env)
	cancel()
	if err != nil {
		m.transportFailed(msg.ReceiverUsername, ch, pooled)
		return nil, fmt.Errorf("failed to send %s to %s: %w", msg.Type, msg.ReceiverUsername, err)
	}

	select {
	case reply := <-wait:
		p, err := reply.Decode()
		if err != nil {
			return nil, err
		}
		return p, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s to %s", timeoutErr, msg.Type, msg.ReceiverUsername)
	case <-ch.Done():
		m.transportFailed(msg.ReceiverUsername, ch, pooled)
		return nil, fmt.Errorf("%w: waiting for reply from %s", transport.ErrConnectionClosed, msg.ReceiverUsername)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Messenger) transportFailed(username string, ch transport.Channel, pooled bool) {
	if !pooled {
		return
	}
	if transport.IsClosed(ch) {
		m.pool.RemovePeer(username)
		return
	}
	m.pool.ReportError(username)
}

// seal signs msg and encrypts it for its receiver.
func (m *Messenger) seal(ctx context.Context, msg *message.Message) (*message.Envelope, error) {
	contact, err := m.db.GetContact(ctx, msg.ReceiverUsername)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrContactNotFound, msg.ReceiverUsername)
	}
	if err != nil {
		return nil, err
	}
	pub, err := contact.PubKey()
	if err != nil {
		return nil, err
	}
	sig, err := m.keys.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.EncryptPayload(plaintext, pub)
	if err != nil {
		return nil, err
	}
	return message.SecureEnvelope(msg, sealed, sig), nil
}

func waiterKey(peer, nonce string) string {
	return peer + "/" + nonce
}

func (m *Messenger) expect(key string) <-chan *message.Message {
	ch := make(chan *message.Message, 1)
	m.mu.Lock()
	m.waiters[key] = ch
	m.mu.Unlock()
	return ch
}

func (m *Messenger) forget(key string) {
	m.mu.Lock()
	delete(m.waiters, key)
	m.mu.Unlock()
}

// deliver hands a reply to the request waiting on its nonce.
func (m *Messenger) deliver(reply *message.Message) {
	m.mu.Lock()
	ch, ok := m.waiters[waiterKey(reply.SenderUsername, reply.Nonce)]
	m.mu.Unlock()
	if !ok {
		log.Debugf("no request waiting for %s from %s", reply.Type, reply.SenderUsername)
		return
	}
	select {
	case ch <- reply:
	default:
	}
}
