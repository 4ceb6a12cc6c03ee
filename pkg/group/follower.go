package group

import (
	"context"
	"fmt"
	"time"

	"github.com/baderanaas/hushchain/pkg/message"
	"github.com/baderanaas/hushchain/pkg/transport"
	"golang.org/x/sync/errgroup"
)

// watch treats the creator as gone once its channel closes or it has been
// silent for two block intervals.
func (m *Manager) watch(ctx context.Context, creator string, ch transport.Channel) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.BlockInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.Done():
			m.creatorLost(creator, ch, "connection closed")
			return
		case <-ticker.C:
			m.mu.Lock()
			silent := time.Since(m.lastBlock)
			m.mu.Unlock()
			if silent > 2*m.opts.BlockInterval {
				m.creatorLost(creator, ch, fmt.Sprintf("no block for %s", silent.Round(time.Millisecond)))
				return
			}
		}
	}
}

func (m *Manager) creatorLost(creator string, ch transport.Channel, reason string) {
	m.mu.Lock()
	if m.state != Follower || m.creatorConn != ch {
		m.mu.Unlock()
		return
	}
	last := m.index
	// The pool entry goes away with RemovePeer, so it must not be released
	// later on leaving the role.
	m.creatorConn = nil
	m.creator = ""
	m.mu.Unlock()

	log.Infof("%s: lost block creator %s: %s", m.ref, creator, reason)
	m.pool.RemovePeer(creator)

	go func() {
		forget := true
		if m.opts.ShiftOnLeaderFailure {
			idx := m.shiftBlockCreator(m.ctx, last)
			m.mu.Lock()
			m.index = idx
			m.mu.Unlock()
			forget = false
		}
		if err := m.reconnect(m.ctx, forget); err != nil {
			log.Warnf("%s: reconnect failed: %v", m.ref, err)
		}
	}()
}

// shiftBlockCreator probes every member and returns the first one online in
// round-robin order starting at from. This session always counts as online.
func (m *Manager) shiftBlockCreator(ctx context.Context, from int) int {
	online := make([]bool, len(m.list))
	var g errgroup.Group
	for i, c := range m.list {
		if c.Username == m.self {
			online[i] = true
			continue
		}
		g.Go(func() error {
			online[i] = m.msgr.IsOnline(ctx, c.Username)
			return nil
		})
	}
	_ = g.Wait()

	if from < 0 {
		from = 0
	}
	for k := 0; k < len(m.list); k++ {
		i := (from + k) % len(m.list)
		if online[i] {
			return i
		}
	}
	return m.selfIndex()
}

// HandleAddBlock accepts a block, or a heartbeat, from the creator this
// session follows.
func (m *Manager) HandleAddBlock(ctx context.Context, from string, block *message.Block) error {
	m.mu.Lock()
	if m.state != Follower || from != m.creator {
		m.mu.Unlock()
		return fmt.Errorf("%s is not the block creator of %s", from, m.ref)
	}
	m.lastBlock = time.Now()
	m.mu.Unlock()

	if block == nil {
		return nil
	}
	gap, err := m.applyBlocks(ctx, []message.Block{*block})
	if gap {
		go m.pullBlocks(m.ctx)
	}
	return err
}

// applyBlocks appends the blocks that extend the local chain. It reports
// whether a block arrived ahead of the chain so earlier ones are missing.
func (m *Manager) applyBlocks(ctx context.Context, blocks []message.Block) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := cloneGroup(m.group)
	chain := next.Chain()
	var accepted []*message.Block
	gap := false
	for i := range blocks {
		b := &blocks[i]
		if b.Serial < chain.Len() || chain.Contains(b.Hash) {
			continue
		}
		if b.Serial > chain.Len() {
			gap = true
			break
		}
		if !m.signedByMember(b) {
			return false, fmt.Errorf("block %d of %s is not signed by a member", b.Serial, m.ref)
		}
		if err := chain.Append(*b); err != nil {
			return false, err
		}
		next.ReconcileUnsent(b)
		accepted = append(accepted, b)
	}
	if len(accepted) == 0 {
		return gap, nil
	}
	if err := m.db.UpdateGroup(ctx, next); err != nil {
		return false, fmt.Errorf("failed to store blocks: %w", err)
	}
	m.group = next
	for _, b := range accepted {
		if err := m.opts.DropDetector.Inspect(next, b); err != nil {
			log.Warnf("%s: block %d: %v", m.ref, b.Serial, err)
		}
	}
	log.Debugf("%s: accepted %d blocks, chain length %d", m.ref, len(accepted), chain.Len())
	return gap, nil
}

// signedByMember reports whether some member signed b. Blocks pulled from
// history may come from earlier creators.
func (m *Manager) signedByMember(b *message.Block) bool {
	if m.index >= 0 && m.index < len(m.list) {
		if m.verifiedBy(b, m.list[m.index]) {
			return true
		}
	}
	for i, c := range m.list {
		if i != m.index && m.verifiedBy(b, c) {
			return true
		}
	}
	return false
}

func (m *Manager) verifiedBy(b *message.Block, c message.Contact) bool {
	pub, err := c.PubKey()
	if err != nil {
		return false
	}
	ok, err := b.VerifySignature(pub)
	return err == nil && ok
}

// pullBlocks fetches the blocks after the local chain head from the creator.
// A call made while a pull is running makes that pull go around once more.
func (m *Manager) pullBlocks(ctx context.Context) {
	m.mu.Lock()
	if m.pulling {
		m.pullAgain = true
		m.mu.Unlock()
		return
	}
	m.pulling = true
	m.mu.Unlock()

	for {
		m.pullOnce(ctx)
		m.mu.Lock()
		if !m.pullAgain || ctx.Err() != nil {
			m.pulling, m.pullAgain = false, false
			m.mu.Unlock()
			return
		}
		m.pullAgain = false
		m.mu.Unlock()
	}
}

func (m *Manager) pullOnce(ctx context.Context) {
	m.mu.Lock()
	creator, ch, from := m.creator, m.creatorConn, m.group.Chain().Len()
	m.mu.Unlock()
	if ch == nil {
		return
	}

	reply, err := m.msgr.Request(ctx, creator, message.PullAllBlocksPayload{Group: m.ref, From: from}, ch)
	if err != nil {
		log.Debugf("%s: failed to pull blocks from %s: %v", m.ref, creator, err)
		return
	}
	answer, ok := reply.(*message.AnswerPayload)
	if !ok {
		return
	}
	if _, err := m.applyBlocks(ctx, answer.Blocks); err != nil {
		log.Warnf("%s: rejected blocks from %s: %v", m.ref, creator, err)
	}
}
