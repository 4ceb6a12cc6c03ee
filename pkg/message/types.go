package message

// MessageType tags every envelope on the wire. The set is closed: the
// receive path switches over it exhaustively.
type MessageType string

const (
	Text                  MessageType = "Text"
	Acknowledgment        MessageType = "Acknowledgement"
	AlreadyReceived       MessageType = "Already Received"
	KeyExchange           MessageType = "Key Exchange"
	KeyExchangeReply      MessageType = "Key Exchange Reply"
	CreateGroup           MessageType = "Create Group"
	AddBlock              MessageType = "Add Block"
	ConnectToBlockCreator MessageType = "Connect To Block Creator"
	AskForBlockCreator    MessageType = "Ask For Block Creator"
	Answer                MessageType = "Answer"
	Heartbeat             MessageType = "Heartbeat"
	GroupMessage          MessageType = "Group Message"
	IAmNotBlockCreator    MessageType = "I Am Not Block Creator"
	PullAllBlocks         MessageType = "Pull All Blocks"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case Text, Acknowledgment, AlreadyReceived, KeyExchange, KeyExchangeReply,
		CreateGroup, AddBlock, ConnectToBlockCreator, AskForBlockCreator, Answer,
		Heartbeat, GroupMessage, IAmNotBlockCreator, PullAllBlocks:
		return true
	}
	return false
}

// IsReply reports whether t only ever travels as the answer to a request.
// Replies are correlated with their request by nonce and never persisted.
func (t MessageType) IsReply() bool {
	switch t {
	case Acknowledgment, AlreadyReceived, KeyExchangeReply, Answer, IAmNotBlockCreator:
		return true
	}
	return false
}

// Status is the delivery state of an outbound stored message.
type Status string

const (
	StatusQueued Status = "Queued"
	StatusSent   Status = "Sent"
	StatusFailed Status = "Failed"
)
