package node

import (
	"context"
	"fmt"

	"github.com/baderanaas/hushchain/pkg/message"
	"github.com/baderanaas/hushchain/pkg/peerbank"
)

// KeyExchange trades public keys with username and stores them as a contact.
func (n *Node) KeyExchange(ctx context.Context, username string) error {
	if username == n.cfg.Username {
		return fmt.Errorf("cannot exchange keys with yourself")
	}
	return n.msgr.KeyExchange(ctx, username)
}

// SendText queues a text message to an existing contact and returns its
// stored form.
func (n *Node) SendText(ctx context.Context, to, text string) (*message.StoredMessage, error) {
	if _, err := n.db.GetContact(ctx, to); err != nil {
		return nil, fmt.Errorf("no contact %s, exchange keys first: %w", to, err)
	}
	msg, err := n.msgr.NewMessage(message.TextPayload{Text: text}, to)
	if err != nil {
		return nil, err
	}
	return n.queue.AddMessage(ctx, msg, true)
}

// Retry requeues a failed message.
func (n *Node) Retry(ctx context.Context, id int64) error {
	return n.queue.Retry(ctx, id)
}

// ConversationLine is one text message of a conversation.
type ConversationLine struct {
	ID        int64
	From      string
	Text      string
	CreatedAt int64
	Status    message.Status
}

// Conversation lists the text messages exchanged with username, oldest
// first.
func (n *Node) Conversation(ctx context.Context, username string) ([]ConversationLine, error) {
	msgs, err := n.db.ListConversation(ctx, n.cfg.Username, username, message.Text)
	if err != nil {
		return nil, err
	}
	lines := make([]ConversationLine, 0, len(msgs))
	for _, sm := range msgs {
		p, err := sm.Decode()
		if err != nil {
			log.Warnf("skipping undecodable message %d: %v", sm.ID, err)
			continue
		}
		text, ok := p.(*message.TextPayload)
		if !ok {
			continue
		}
		lines = append(lines, ConversationLine{
			ID:        sm.ID,
			From:      sm.SenderUsername,
			Text:      text.Text,
			CreatedAt: sm.CreatedAt,
			Status:    sm.Status,
		})
	}
	return lines, nil
}

func (n *Node) Contacts(ctx context.Context) ([]message.Contact, error) {
	return n.db.ListContacts(ctx)
}

// CreateGroup creates a group administered by this user and invites
// members, who must all be contacts.
func (n *Node) CreateGroup(ctx context.Context, name string, members []string) (*message.Group, error) {
	g, err := n.groups.CreateGroup(ctx, name, members)
	if err != nil {
		return nil, err
	}
	mgr, err := n.groups.Manager(ctx, g.Ref())
	if err != nil {
		return nil, err
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := mgr.Connect(n.ctx); err != nil {
			log.Warnf("failed to connect group %s: %v", g.Name, err)
		}
	}()
	return g, nil
}

// SendGroupMessage posts text to the newest group called name.
func (n *Node) SendGroupMessage(ctx context.Context, name, text string) error {
	mgr, err := n.groups.Find(ctx, name)
	if err != nil {
		return err
	}
	return n.groups.SendGroupMessage(ctx, mgr.Ref(), text)
}

func (n *Node) Groups(ctx context.Context) ([]*message.Group, error) {
	return n.groups.Groups(ctx)
}

// GroupStatus is the session state of one group.
type GroupStatus struct {
	Group   *message.Group
	State   string
	Creator string
}

// GroupStatus reports the session of the newest group called name.
func (n *Node) GroupStatus(ctx context.Context, name string) (*GroupStatus, error) {
	mgr, err := n.groups.Find(ctx, name)
	if err != nil {
		return nil, err
	}
	return &GroupStatus{Group: mgr.Group(), State: mgr.State().String(), Creator: mgr.Creator()}, nil
}

// Chain returns the blocks of the newest group called name.
func (n *Node) Chain(ctx context.Context, name string) ([]message.Block, error) {
	mgr, err := n.groups.Find(ctx, name)
	if err != nil {
		return nil, err
	}
	return mgr.Group().Chain().Blocks, nil
}

// Peers lists the pooled messaging connections.
func (n *Node) Peers() []peerbank.PeerInfo {
	return n.bank.Peers()
}
