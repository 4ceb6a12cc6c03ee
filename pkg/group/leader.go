package group

import (
	"context"
	"fmt"
	"time"

	"github.com/baderanaas/hushchain/pkg/message"
	"github.com/baderanaas/hushchain/pkg/transport"
	"github.com/hashicorp/go-multierror"
)

func (m *Manager) becomeLeader() error {
	m.mu.Lock()
	if err := m.setState(Leader); err != nil {
		m.mu.Unlock()
		return ErrTerminated
	}
	m.index = m.selfIndex()
	m.retries = 0
	m.blocksCreated = 0
	for _, item := range m.group.UnsentMessages {
		m.addPendingLocked(item)
	}
	loopCtx, stop := context.WithCancel(m.ctx)
	m.stopLeader = stop
	m.wg.Add(1)
	m.mu.Unlock()

	log.Infof("%s: acting as block creator", m.ref)
	go m.runLeader(loopCtx)
	return nil
}

func (m *Manager) runLeader(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.BlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sealTick(ctx)
		}
	}
}

// addPendingLocked queues item for the next block unless it is already
// pending or sealed.
func (m *Manager) addPendingLocked(item message.BlockMessageItem) bool {
	for _, p := range m.pending {
		if p.DigitalSignature == item.DigitalSignature {
			return false
		}
	}
	if chain := m.group.Blockchain; chain != nil {
		for i := range chain.Blocks {
			if chain.Blocks[i].HasSignature(item.DigitalSignature) {
				return false
			}
		}
	}
	m.pending = append(m.pending, item)
	return true
}

// sealTick turns the pending messages into the next block, persists it and
// sends it to every follower. With nothing pending it sends a heartbeat.
// A block that cannot be stored is sealed again on the next tick.
func (m *Manager) sealTick(ctx context.Context) {
	m.mu.Lock()
	if m.state != Leader {
		m.mu.Unlock()
		return
	}
	followers := make(map[string]transport.Channel, len(m.followers))
	for u, ch := range m.followers {
		followers[u] = ch
	}

	if len(m.pending) == 0 {
		m.mu.Unlock()
		if m.opts.EmptyBlockHeartbeat {
			m.broadcast(ctx, nil, followers)
		}
		return
	}

	chain := m.group.Chain()
	block, err := message.SealBlock(chain.Len(), time.Now().UnixMilli(), m.pending, chain.LastHash(), m.keys)
	if err != nil {
		m.mu.Unlock()
		log.Errorf("%s: failed to seal block: %v", m.ref, err)
		return
	}
	next := cloneGroup(m.group)
	if err := next.Chain().Append(*block); err != nil {
		m.mu.Unlock()
		log.Errorf("%s: sealed block does not extend chain: %v", m.ref, err)
		return
	}
	next.ReconcileUnsent(block)
	if err := m.db.UpdateGroup(ctx, next); err != nil {
		m.mu.Unlock()
		log.Warnf("%s: failed to store block %d, retrying next tick: %v", m.ref, block.Serial, err)
		return
	}
	m.group = next
	m.pending = nil
	m.blocksCreated++
	rotate := m.opts.Rotation.ShouldRotate(m.blocksCreated)
	m.mu.Unlock()

	log.Debugf("%s: sealed block %d with %d messages", m.ref, block.Serial, len(block.Messages))
	m.broadcast(ctx, block, followers)

	if rotate {
		go m.stepDown()
	}
}

// broadcast sends block, or a heartbeat when block is nil, to each follower
// encrypted for that follower. Followers that cannot be reached are dropped.
func (m *Manager) broadcast(ctx context.Context, block *message.Block, followers map[string]transport.Channel) {
	var result *multierror.Error
	for username, ch := range followers {
		msg, err := m.msgr.NewMessage(message.AddBlockPayload{Group: m.ref, Block: block}, username)
		if err == nil {
			err = m.msgr.Notify(ctx, msg, ch)
		}
		if err != nil {
			result = multierror.Append(result, err)
			m.dropFollower(username, ch)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		log.Warnf("%s: block delivery failed: %v", m.ref, err)
	}
}

func (m *Manager) dropFollower(username string, ch transport.Channel) {
	m.mu.Lock()
	if cur, ok := m.followers[username]; ok && cur == ch {
		delete(m.followers, username)
	}
	m.mu.Unlock()
	_ = ch.Close()
}

// stepDown hands the creator role to the next member in round-robin order.
func (m *Manager) stepDown() {
	m.mu.Lock()
	if m.state != Leader {
		m.mu.Unlock()
		return
	}
	next := (m.selfIndex() + 1) % len(m.list)
	m.index = next
	m.mu.Unlock()

	log.Infof("%s: rotating block creator to %s", m.ref, m.list[next].Username)
	if err := m.reconnect(m.ctx, false); err != nil {
		log.Warnf("%s: rotation failed: %v", m.ref, err)
	}
}

func (m *Manager) isMember(username string) bool {
	for _, c := range m.list {
		if c.Username == username {
			return true
		}
	}
	return false
}

// HandleConnectToBlockCreator answers a member that wants to follow this
// session. As creator the channel is registered for block delivery.
func (m *Manager) HandleConnectToBlockCreator(ch transport.Channel, from string) (message.Payload, error) {
	if !m.isMember(from) {
		return nil, ErrNotMember
	}
	m.mu.Lock()
	state, idx := m.state, m.index
	var replaced transport.Channel
	if state == Leader {
		if old, ok := m.followers[from]; ok && old != ch {
			replaced = old
		}
		m.followers[from] = ch
	}
	m.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close()
	}
	switch state {
	case Leader:
		log.Debugf("%s: %s is following", m.ref, from)
		return message.IndexAnswer(idx), nil
	case Follower:
		return message.IndexAnswer(idx), nil
	default:
		return message.AnswerPayload{}, nil
	}
}

// HandleAskForBlockCreator answers an election query.
func (m *Manager) HandleAskForBlockCreator(from string) (message.Payload, error) {
	if !m.isMember(from) {
		return nil, ErrNotMember
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if (m.state == Leader || m.state == Follower) && m.index >= 0 {
		return message.IndexAnswer(m.index), nil
	}
	return message.IndexAnswer(message.UnknownIndex), nil
}

// HandleGroupMessage queues a member's message for the next block.
func (m *Manager) HandleGroupMessage(from string, item message.BlockMessageItem) (message.Payload, error) {
	contact, ok := m.contact(from)
	if !ok {
		return nil, ErrNotMember
	}
	if item.SenderUsername != from {
		return nil, fmt.Errorf("%s relayed a message signed as %s", from, item.SenderUsername)
	}
	pub, err := contact.PubKey()
	if err != nil {
		return nil, err
	}
	if valid, err := item.Verify(pub); err != nil || !valid {
		return nil, fmt.Errorf("invalid signature on group message from %s", from)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Leader {
		return message.IAmNotBlockCreatorPayload{Group: m.ref}, nil
	}
	m.addPendingLocked(item)
	return message.AckPayload{}, nil
}

// HandlePullAllBlocks returns the blocks from a serial onward.
func (m *Manager) HandlePullAllBlocks(from string, since int) (message.Payload, error) {
	if !m.isMember(from) {
		return nil, ErrNotMember
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	answer := message.AnswerPayload{Blocks: m.group.Chain().Since(since)}
	if answer.Blocks == nil {
		answer.Blocks = []message.Block{}
	}
	if m.index >= 0 {
		idx := m.index
		answer.Index = &idx
	}
	return answer, nil
}

func (m *Manager) contact(username string) (message.Contact, bool) {
	for _, c := range m.list {
		if c.Username == username {
			return c, true
		}
	}
	return message.Contact{}, false
}
