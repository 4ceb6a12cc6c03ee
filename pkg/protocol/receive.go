package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/baderanaas/hushchain/pkg/crypto"
	"github.com/baderanaas/hushchain/pkg/message"
	"github.com/baderanaas/hushchain/pkg/store"
	"github.com/baderanaas/hushchain/pkg/transport"
)

// HandleEnvelope is the transport handler for every inbound envelope.
// Replies are matched to pending requests; requests are processed by
// HandleReceivedMessage. Block deliveries are processed in arrival order
// on the read loop, everything else concurrently.
func (m *Messenger) HandleEnvelope(ch transport.Channel, env *message.Envelope) {
	msg, err := m.open(m.ctx, env)
	if err != nil {
		log.Warnf("dropping %s from %s: %v", env.Type, env.SenderUsername, err)
		return
	}
	if msg.ReceiverUsername != m.self {
		log.Warnf("dropping %s addressed to %s", msg.Type, msg.ReceiverUsername)
		return
	}
	if msg.Type.IsReply() {
		m.deliver(msg)
		return
	}
	if msg.Type == message.AddBlock {
		m.HandleReceivedMessage(m.ctx, ch, env, msg)
		return
	}
	go m.HandleReceivedMessage(m.ctx, ch, env, msg)
}

// open returns the message inside env, decrypting and verifying it when
// env is secure. Only key exchange travels in the clear.
func (m *Messenger) open(ctx context.Context, env *message.Envelope) (*message.Message, error) {
	if !env.Type.Valid() {
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	if !env.Secure {
		if env.Type != message.KeyExchange && env.Type != message.KeyExchangeReply {
			return nil, fmt.Errorf("%s must be sent securely", env.Type)
		}
		return env.PlainMessage(), nil
	}

	contact, err := m.db.GetContact(ctx, env.SenderUsername)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w with %s", ErrKeyExchangeNotDone, env.SenderUsername)
	}
	if err != nil {
		return nil, err
	}
	plaintext, err := m.keys.DecryptPayload(env.EncryptedPayload)
	if err != nil {
		return nil, err
	}
	var msg message.Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if msg.SenderUsername != contact.Username {
		return nil, fmt.Errorf("%w: sealed by %s but claims %s", ErrInvalidSignature, contact.Username, msg.SenderUsername)
	}
	pub, err := contact.PubKey()
	if err != nil {
		return nil, err
	}
	ok, err := crypto.Verify(&msg, env.Signature, pub)
	if err != nil || !ok {
		return nil, ErrInvalidSignature
	}
	return &msg, nil
}

// HandleReceivedMessage de-duplicates, persists and dispatches an inbound
// request, then answers it on ch.
func (m *Messenger) HandleReceivedMessage(ctx context.Context, ch transport.Channel, env *message.Envelope, msg *message.Message) {
	exists, err := m.db.MessageExists(ctx, msg.Nonce, msg.SenderUsername, msg.CreatedAt)
	if err != nil {
		log.Errorf("failed to check for duplicate %s: %v", msg.Nonce, err)
		return
	}
	if exists {
		m.respond(ctx, ch, env.Secure, msg, message.AlreadyReceivedPayload{})
		return
	}

	stored := &message.StoredMessage{Message: *msg, Status: message.StatusSent, SentAt: msg.CreatedAt}
	if err := m.db.AddMessage(ctx, stored); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			m.respond(ctx, ch, env.Secure, msg, message.AlreadyReceivedPayload{})
			return
		}
		log.Errorf("failed to store %s from %s: %v", msg.Type, msg.SenderUsername, err)
		return
	}
	if env.Secure {
		extra := &message.ExtraStoredMessage{
			MessageID:        stored.ID,
			EncryptedPayload: env.EncryptedPayload.Ciphertext,
			DigitalSignature: env.Signature,
		}
		if err := m.db.AddExtraMessage(ctx, extra); err != nil {
			log.Warnf("failed to store secured form of %s: %v", msg.Nonce, err)
		}
	}

	reply, err := m.dispatch(ctx, ch, msg)
	if err != nil {
		log.Warnf("failed to handle %s from %s: %v", msg.Type, msg.SenderUsername, err)
		return
	}
	if reply != nil {
		m.respond(ctx, ch, env.Secure, msg, reply)
	}
}

func (m *Messenger) dispatch(ctx context.Context, ch transport.Channel, msg *message.Message) (message.Payload, error) {
	p, err := msg.Decode()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	groups, onText := m.groups, m.onText
	m.mu.Unlock()
	from := msg.SenderUsername

	switch p := p.(type) {
	case *message.TextPayload:
		if onText != nil {
			onText(from, p.Text, msg.CreatedAt)
		}
		return message.AckPayload{}, nil
	case *message.KeyExchangePayload:
		return m.answerKeyExchange(ctx, from, p)
	case *message.HeartbeatPayload:
		return message.AckPayload{}, nil
	case *message.CreateGroupPayload:
		if groups == nil {
			return nil, errNoGroups
		}
		return groups.HandleCreateGroup(ctx, from, p)
	case *message.AskForBlockCreatorPayload:
		if groups == nil {
			return nil, errNoGroups
		}
		return groups.HandleAskForBlockCreator(ctx, from, p)
	case *message.ConnectToBlockCreatorPayload:
		if groups == nil {
			return nil, errNoGroups
		}
		return groups.HandleConnectToBlockCreator(ctx, ch, from, p)
	case *message.GroupMessagePayload:
		if groups == nil {
			return nil, errNoGroups
		}
		return groups.HandleGroupMessage(ctx, from, p)
	case *message.PullAllBlocksPayload:
		if groups == nil {
			return nil, errNoGroups
		}
		return groups.HandlePullAllBlocks(ctx, from, p)
	case *message.AddBlockPayload:
		if groups == nil {
			return nil, errNoGroups
		}
		return nil, groups.HandleAddBlock(ctx, from, p)
	case *message.AckPayload, *message.AlreadyReceivedPayload, *message.KeyExchangeReplyPayload,
		*message.AnswerPayload, *message.IAmNotBlockCreatorPayload:
		return nil, fmt.Errorf("%s is not a request", msg.Type)
	default:
		return nil, fmt.Errorf("unhandled payload %T", p)
	}
}

var errNoGroups = errors.New("groups are not enabled")

func (m *Messenger) answerKeyExchange(ctx context.Context, from string, p *message.KeyExchangePayload) (message.Payload, error) {
	if _, err := crypto.UnmarshalPublicKey(p.PublicKey); err != nil {
		return nil, err
	}
	profile, err := m.dir.ResolveUser(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", from, err)
	}
	name := profile.Name
	if name == "" {
		name = p.Name
	}
	err = m.db.PutContact(ctx, message.Contact{Name: name, Username: from, PublicKey: p.PublicKey})
	if errors.Is(err, store.ErrDuplicate) {
		log.Debugf("contact %s already known, keeping stored key", from)
	} else if err != nil {
		return nil, err
	}

	pub, err := m.keys.PublicKeyBytes()
	if err != nil {
		return nil, err
	}
	return message.KeyExchangeReplyPayload{Name: m.name, PublicKey: pub}, nil
}

func (m *Messenger) respond(ctx context.Context, ch transport.Channel, secure bool, req *message.Message, p message.Payload) {
	reply, err := req.Reply(p)
	if err != nil {
		log.Errorf("failed to build reply: %v", err)
		return
	}
	env := message.PlainEnvelope(reply)
	if secure {
		if env, err = m.seal(ctx, reply); err != nil {
			log.Errorf("failed to seal %s for %s: %v", reply.Type, reply.ReceiverUsername, err)
			return
		}
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := ch.Send(ctx, env); err != nil {
		log.Warnf("failed to reply %s to %s: %v", reply.Type, reply.ReceiverUsername, err)
	}
}
