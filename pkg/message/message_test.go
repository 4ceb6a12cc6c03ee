package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndDecode(t *testing.T) {
	m, err := New(TextPayload{Text: "hello"}, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, Text, m.Type)
	require.NotEmpty(t, m.Nonce)

	p, err := m.Decode()
	require.NoError(t, err)
	text, ok := p.(*TextPayload)
	require.True(t, ok)
	require.Equal(t, "hello", text.Text)

	reply, err := m.Reply(AckPayload{})
	require.NoError(t, err)
	require.Equal(t, m.Nonce, reply.Nonce, "replies echo the request nonce")
	require.Equal(t, "bob", reply.SenderUsername)
	require.Equal(t, "alice", reply.ReceiverUsername)
}

func TestDecodeAnswer(t *testing.T) {
	p, err := DecodePayload(Answer, json.RawMessage(`{"index":null}`))
	require.NoError(t, err)
	require.Nil(t, p.(*AnswerPayload).Index)

	p, err = DecodePayload(Answer, json.RawMessage(`{"index":2}`))
	require.NoError(t, err)
	require.Equal(t, 2, *p.(*AnswerPayload).Index)

	p, err = DecodePayload(Heartbeat, nil)
	require.NoError(t, err)
	require.IsType(t, &HeartbeatPayload{}, p)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := DecodePayload(MessageType("Bogus"), json.RawMessage(`{}`))
	require.Error(t, err)

	_, err = DecodePayload(Text, json.RawMessage(`[1,2]`))
	require.Error(t, err)
}

func TestMessageTypeClassification(t *testing.T) {
	require.True(t, Answer.IsReply())
	require.True(t, AlreadyReceived.IsReply())
	require.False(t, GroupMessage.IsReply())
	require.True(t, PullAllBlocks.Valid())
	require.False(t, MessageType("nope").Valid())
}

func TestPlainEnvelope(t *testing.T) {
	m, err := New(KeyExchangePayload{Name: "Alice", PublicKey: []byte{1, 2}}, "alice", "bob")
	require.NoError(t, err)
	env := PlainEnvelope(m)
	require.False(t, env.Secure)
	require.Equal(t, m, env.PlainMessage())
}
