package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/baderanaas/hushchain/pkg/crypto"
	"github.com/google/uuid"
)

// Message is the signed content of a point-to-point message. It carries no
// delivery bookkeeping, so it is exactly what gets signed and encrypted.
type Message struct {
	Type             MessageType     `json:"type"`
	SenderUsername   string          `json:"senderUsername"`
	ReceiverUsername string          `json:"receiverUsername"`
	CreatedAt        int64           `json:"createdAt"`
	Nonce            string          `json:"nonce"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// New builds a message with a fresh nonce around payload p.
func New(p Payload, sender, receiver string) (*Message, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.Type(), err)
	}
	return &Message{
		Type:             p.Type(),
		SenderUsername:   sender,
		ReceiverUsername: receiver,
		CreatedAt:        time.Now().UnixMilli(),
		Nonce:            NewNonce(),
		Payload:          raw,
	}, nil
}

// Reply builds the answer to m. The reply echoes m's nonce so the requester
// can correlate it.
func (m *Message) Reply(p Payload) (*Message, error) {
	reply, err := New(p, m.ReceiverUsername, m.SenderUsername)
	if err != nil {
		return nil, err
	}
	reply.Nonce = m.Nonce
	return reply, nil
}

// Decode returns the typed payload of m.
func (m *Message) Decode() (Payload, error) {
	return DecodePayload(m.Type, m.Payload)
}

// NewNonce returns a random per-message token.
func NewNonce() string {
	return uuid.NewString()
}

// StoredMessage is a Message plus its delivery state in the local store.
type StoredMessage struct {
	ID int64 `json:"id,omitempty"`
	Message
	Status  Status `json:"status"`
	Retry   bool   `json:"retry"`
	Retries int    `json:"retries"`
	SentAt  int64  `json:"sentAt,omitempty"`
}

// ExtraStoredMessage keeps the raw secured form of an inbound message.
type ExtraStoredMessage struct {
	ID               int64  `json:"id,omitempty"`
	MessageID        int64  `json:"messageId"`
	EncryptedPayload string `json:"encryptedPayload"`
	DigitalSignature []byte `json:"digitalSignature"`
}

// Envelope is the wire form of a message. Secure envelopes carry the
// Message only inside EncryptedPayload; the clear routing fields are hints.
type Envelope struct {
	Type             MessageType              `json:"type"`
	SenderUsername   string                   `json:"senderUsername"`
	ReceiverUsername string                   `json:"receiverUsername"`
	CreatedAt        int64                    `json:"createdAt"`
	Nonce            string                   `json:"nonce"`
	Secure           bool                     `json:"secure"`
	EncryptedPayload *crypto.EncryptedPayload `json:"encryptedPayload,omitempty"`
	Signature        []byte                   `json:"signature,omitempty"`
	Payload          json.RawMessage          `json:"payload,omitempty"`
}

// PlainEnvelope wraps m without encryption. Only key exchange travels this way.
func PlainEnvelope(m *Message) *Envelope {
	env := routing(m)
	env.Payload = m.Payload
	return env
}

// SecureEnvelope wraps an already signed and encrypted message.
func SecureEnvelope(m *Message, sealed *crypto.EncryptedPayload, sig []byte) *Envelope {
	env := routing(m)
	env.Secure = true
	env.EncryptedPayload = sealed
	env.Signature = sig
	return env
}

func routing(m *Message) *Envelope {
	return &Envelope{
		Type:             m.Type,
		SenderUsername:   m.SenderUsername,
		ReceiverUsername: m.ReceiverUsername,
		CreatedAt:        m.CreatedAt,
		Nonce:            m.Nonce,
	}
}

// PlainMessage returns the message carried by a non-secure envelope.
func (e *Envelope) PlainMessage() *Message {
	return &Message{
		Type:             e.Type,
		SenderUsername:   e.SenderUsername,
		ReceiverUsername: e.ReceiverUsername,
		CreatedAt:        e.CreatedAt,
		Nonce:            e.Nonce,
		Payload:          e.Payload,
	}
}
