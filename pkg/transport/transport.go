// Package transport provides the bidirectional, message-framed channels the
// messaging layer runs on.
package transport

import (
	"context"
	"errors"

	"github.com/baderanaas/hushchain/pkg/message"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrConnectionError  = errors.New("connection error")
)

// Endpoint is where a user can be reached, as published in the directory.
type Endpoint struct {
	PeerID string   `json:"peerId"`
	Addrs  []string `json:"addrs,omitempty"`
}

// Channel is a reliable, ordered envelope stream to one peer. Inbound
// envelopes are delivered to the Handler the channel was created with.
type Channel interface {
	RemotePeer() string
	Send(ctx context.Context, env *message.Envelope) error
	Close() error
	// Done is closed once the channel can no longer carry messages.
	Done() <-chan struct{}
	// Err reports why the channel closed.
	Err() error
}

// Handler receives every envelope read from a channel. It runs on the
// channel's read loop and must not block waiting on that same channel.
type Handler func(ch Channel, env *message.Envelope)

// Dialer opens outbound channels.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Channel, error)
}

// IsClosed reports whether ch has shut down.
func IsClosed(ch Channel) bool {
	select {
	case <-ch.Done():
		return true
	default:
		return false
	}
}
