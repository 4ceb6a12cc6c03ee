package message

import (
	"encoding/json"
	"fmt"
)

// Payload is one variant of the message body sum type.
type Payload interface {
	Type() MessageType
}

type TextPayload struct {
	Text string `json:"text"`
}

type AckPayload struct{}

type AlreadyReceivedPayload struct{}

type KeyExchangePayload struct {
	Name      string `json:"name"`
	PublicKey []byte `json:"publicKey"`
}

type KeyExchangeReplyPayload struct {
	Name      string `json:"name"`
	PublicKey []byte `json:"publicKey"`
}

type CreateGroupPayload struct {
	Group Group `json:"group"`
}

// AddBlockPayload carries a sealed block, or a nil block as a creator heartbeat.
type AddBlockPayload struct {
	Group GroupRef `json:"group"`
	Block *Block   `json:"block"`
}

type ConnectToBlockCreatorPayload struct {
	Group GroupRef `json:"group"`
}

type AskForBlockCreatorPayload struct {
	Group GroupRef `json:"group"`
}

// AnswerPayload is the reply to election and chain queries. A nil Index means
// the peer has no opinion; UnknownIndex means it could not tell.
type AnswerPayload struct {
	Index  *int    `json:"index"`
	Blocks []Block `json:"blocks,omitempty"`
}

type HeartbeatPayload struct{}

type GroupMessagePayload struct {
	Group GroupRef         `json:"group"`
	Item  BlockMessageItem `json:"item"`
}

type IAmNotBlockCreatorPayload struct {
	Group GroupRef `json:"group"`
}

type PullAllBlocksPayload struct {
	Group GroupRef `json:"group"`
	From  int      `json:"from"`
}

// UnknownIndex is the answer of a contact that does not know the block creator.
const UnknownIndex = -1

func (TextPayload) Type() MessageType                  { return Text }
func (AckPayload) Type() MessageType                   { return Acknowledgment }
func (AlreadyReceivedPayload) Type() MessageType       { return AlreadyReceived }
func (KeyExchangePayload) Type() MessageType           { return KeyExchange }
func (KeyExchangeReplyPayload) Type() MessageType      { return KeyExchangeReply }
func (CreateGroupPayload) Type() MessageType           { return CreateGroup }
func (AddBlockPayload) Type() MessageType              { return AddBlock }
func (ConnectToBlockCreatorPayload) Type() MessageType { return ConnectToBlockCreator }
func (AskForBlockCreatorPayload) Type() MessageType    { return AskForBlockCreator }
func (AnswerPayload) Type() MessageType                { return Answer }
func (HeartbeatPayload) Type() MessageType             { return Heartbeat }
func (GroupMessagePayload) Type() MessageType          { return GroupMessage }
func (IAmNotBlockCreatorPayload) Type() MessageType    { return IAmNotBlockCreator }
func (PullAllBlocksPayload) Type() MessageType         { return PullAllBlocks }

// IndexAnswer builds an answer naming a round-robin index.
func IndexAnswer(i int) AnswerPayload {
	return AnswerPayload{Index: &i}
}

// DecodePayload parses raw into the variant selected by t.
func DecodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case Text:
		p = &TextPayload{}
	case Acknowledgment:
		p = &AckPayload{}
	case AlreadyReceived:
		p = &AlreadyReceivedPayload{}
	case KeyExchange:
		p = &KeyExchangePayload{}
	case KeyExchangeReply:
		p = &KeyExchangeReplyPayload{}
	case CreateGroup:
		p = &CreateGroupPayload{}
	case AddBlock:
		p = &AddBlockPayload{}
	case ConnectToBlockCreator:
		p = &ConnectToBlockCreatorPayload{}
	case AskForBlockCreator:
		p = &AskForBlockCreatorPayload{}
	case Answer:
		p = &AnswerPayload{}
	case Heartbeat:
		p = &HeartbeatPayload{}
	case GroupMessage:
		p = &GroupMessagePayload{}
	case IAmNotBlockCreator:
		p = &IAmNotBlockCreatorPayload{}
	case PullAllBlocks:
		p = &PullAllBlocksPayload{}
	default:
		return nil, fmt.Errorf("unknown message type %q", t)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return p, nil
}
