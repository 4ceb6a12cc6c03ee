// Package group runs the per-group consensus session: electing a block
// creator, following it or acting as it, and keeping the group's hash
// chained ledger in sync.
package group

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baderanaas/hushchain/pkg/message"
	"github.com/baderanaas/hushchain/pkg/transport"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("group")

var (
	ErrNotMember         = errors.New("not a member of the group")
	ErrTerminated        = errors.New("group session terminated")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnknownGroup      = errors.New("unknown group")

	errNoCreator  = errors.New("no block creator connection")
	errNotCreator = errors.New("peer is not the block creator")
	errFound      = errors.New("block creator found")
)

// Messenger is the secure request path the session talks over.
type Messenger interface {
	Username() string
	NewMessage(p message.Payload, receiver string) (*message.Message, error)
	Request(ctx context.Context, receiver string, p message.Payload, ch transport.Channel) (message.Payload, error)
	Notify(ctx context.Context, msg *message.Message, ch transport.Channel) error
	IsOnline(ctx context.Context, username string) bool
}

type Pool interface {
	GetConnection(ctx context.Context, username string) (transport.Channel, error)
	Release(username string)
	RemovePeer(username string)
}

type Store interface {
	UpdateGroup(ctx context.Context, g *message.Group) error
}

// Keystore signs group messages and blocks on behalf of this user.
type Keystore interface {
	Sign(v any) ([]byte, error)
	PublicKeyBytes() ([]byte, error)
}

// RotationPolicy decides when a block creator hands its role to the next
// member of the round-robin list.
type RotationPolicy interface {
	ShouldRotate(blocksCreated int) bool
}

type neverRotate struct{}

func (neverRotate) ShouldRotate(int) bool { return false }

// BlockCountRotation rotates after the given number of blocks. Zero never
// rotates.
type BlockCountRotation int

func (n BlockCountRotation) ShouldRotate(blocksCreated int) bool {
	return n > 0 && blocksCreated >= int(n)
}

// DropDetector inspects every block a follower accepts, for instance to
// notice own messages the creator left out.
type DropDetector interface {
	Inspect(g *message.Group, b *message.Block) error
}

type noDropDetection struct{}

func (noDropDetection) Inspect(*message.Group, *message.Block) error { return nil }

type Options struct {
	// BlockInterval is raised to 10ms when shorter.
	BlockInterval time.Duration
	// MaxConnectionRetries bounds the failed joins before the session takes
	// over as block creator. Zero means 3.
	MaxConnectionRetries int
	EmptyBlockHeartbeat  bool
	ShiftOnLeaderFailure bool
	// ElectionBatchSize is how many members are asked at once. Zero means 10.
	ElectionBatchSize int
	Rotation          RotationPolicy
	DropDetector      DropDetector
	OnStateChange     func(ref message.GroupRef, from, to State)
}

const minBlockInterval = 10 * time.Millisecond

func (o Options) withDefaults() Options {
	if o.ElectionBatchSize <= 0 {
		o.ElectionBatchSize = 10
	}
	if o.MaxConnectionRetries <= 0 {
		o.MaxConnectionRetries = 3
	}
	if o.BlockInterval < minBlockInterval {
		o.BlockInterval = minBlockInterval
	}
	if o.Rotation == nil {
		o.Rotation = neverRotate{}
	}
	if o.DropDetector == nil {
		o.DropDetector = noDropDetection{}
	}
	return o
}

// Manager is the session of one group on this device.
type Manager struct {
	self string
	keys Keystore
	msgr Messenger
	pool Pool
	db   Store
	opts Options
	ref  message.GroupRef
	list []message.Contact

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnecting atomic.Bool

	mu            sync.Mutex
	state         State
	stateChanged  chan struct{}
	group         *message.Group
	index         int
	retries       int
	creator       string
	creatorConn   transport.Channel
	stopWatch     context.CancelFunc
	lastBlock     time.Time
	followers     map[string]transport.Channel
	pending       []message.BlockMessageItem
	blocksCreated int
	stopLeader    context.CancelFunc
	pulling       bool
	pullAgain     bool
}

func NewManager(g *message.Group, keys Keystore, msgr Messenger, pool Pool, db Store, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		self:         msgr.Username(),
		keys:         keys,
		msgr:         msgr,
		pool:         pool,
		db:           db,
		opts:         opts.withDefaults(),
		ref:          g.Ref(),
		list:         g.RoundRobinList(),
		ctx:          ctx,
		cancel:       cancel,
		state:        Idle,
		stateChanged: make(chan struct{}),
		group:        g,
		index:        message.UnknownIndex,
		followers:    make(map[string]transport.Channel),
	}
}

func (m *Manager) Ref() message.GroupRef {
	return m.ref
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Index is the round-robin position of the current block creator, or
// message.UnknownIndex.
func (m *Manager) Index() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index
}

// Creator is the username of the block creator this session follows or is.
func (m *Manager) Creator() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index < 0 || m.index >= len(m.list) {
		return ""
	}
	return m.list[m.index].Username
}

// Group returns a snapshot of the group and its ledger.
func (m *Manager) Group() *message.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneGroup(m.group)
}

// Followers lists the members connected to this session as block creator.
func (m *Manager) Followers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.followers))
	for u := range m.followers {
		names = append(names, u)
	}
	return names
}

func cloneGroup(g *message.Group) *message.Group {
	c := *g
	if g.Blockchain != nil {
		c.Blockchain = &message.Blockchain{Blocks: append([]message.Block(nil), g.Blockchain.Blocks...)}
	}
	c.UnsentMessages = append([]message.BlockMessageItem(nil), g.UnsentMessages...)
	return &c
}

// setState moves to next. Callers hold mu.
func (m *Manager) setState(next State) error {
	prev := m.state
	if !prev.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	m.state = next
	close(m.stateChanged)
	m.stateChanged = make(chan struct{})
	log.Debugf("%s: %s -> %s", m.ref, prev, next)
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(m.ref, prev, next)
	}
	return nil
}

func (m *Manager) selfIndex() int {
	for i, c := range m.list {
		if c.Username == m.self {
			return i
		}
	}
	return -1
}

// Connect joins the group session. It is a no-op unless the session is idle.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return nil
	}
	if m.selfIndex() < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", ErrNotMember, m.self, m.ref)
	}
	if err := m.setState(Electing); err != nil {
		m.mu.Unlock()
		return err
	}
	m.retries = 0
	m.mu.Unlock()
	return m.electAndJoin(ctx)
}

// Reconnect drops the creator connection and joins again, keeping the known
// creator index. Calls made while one is in progress return immediately.
func (m *Manager) Reconnect(ctx context.Context) error {
	return m.reconnect(ctx, false)
}

func (m *Manager) reconnect(ctx context.Context, forget bool) error {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	defer m.reconnecting.Store(false)

	m.mu.Lock()
	switch m.state {
	case Terminated:
		m.mu.Unlock()
		return ErrTerminated
	case Idle:
		m.mu.Unlock()
		return m.Connect(ctx)
	case Electing:
		m.mu.Unlock()
		return nil
	}
	closing := m.leaveRoleLocked()
	if forget {
		m.index = message.UnknownIndex
	}
	if err := m.setState(Reconnecting); err != nil {
		m.mu.Unlock()
		return err
	}
	_ = m.setState(Electing)
	m.retries = 0
	m.mu.Unlock()

	closeAll(closing)
	return m.electAndJoin(ctx)
}

// leaveRoleLocked stops the follower or creator machinery and returns the
// follower channels to close once mu is released.
func (m *Manager) leaveRoleLocked() []transport.Channel {
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
	if m.creatorConn != nil {
		m.pool.Release(m.creator)
		m.creatorConn = nil
		m.creator = ""
	}
	if m.stopLeader != nil {
		m.stopLeader()
		m.stopLeader = nil
	}
	var closing []transport.Channel
	for u, ch := range m.followers {
		closing = append(closing, ch)
		delete(m.followers, u)
	}
	return closing
}

func closeAll(chs []transport.Channel) error {
	var result *multierror.Error
	for _, ch := range chs {
		if err := ch.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

type followOutcome int

const (
	confirmed followOutcome = iota
	reelect
	redirect
)

// electAndJoin resolves the block creator and joins it, self-promoting once
// the connection retries are used up. The session must be Electing.
func (m *Manager) electAndJoin(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.state != Electing {
			m.mu.Unlock()
			return ErrTerminated
		}
		idx := m.index
		m.mu.Unlock()

		if idx < 0 {
			idx = m.elect(ctx)
			if err := ctx.Err(); err != nil {
				m.abortElection()
				return err
			}
			m.mu.Lock()
			m.index = idx
			m.mu.Unlock()
		}
		if idx == m.selfIndex() {
			return m.becomeLeader()
		}

		outcome, next, err := m.follow(ctx, idx)
		if outcome == confirmed && err == nil {
			return nil
		}
		if errors.Is(err, ErrTerminated) {
			return err
		}
		if ctx.Err() != nil {
			m.abortElection()
			return ctx.Err()
		}

		m.mu.Lock()
		m.retries++
		exhausted := m.retries > m.opts.MaxConnectionRetries
		if outcome == redirect {
			m.index = next
		} else {
			m.index = message.UnknownIndex
		}
		m.mu.Unlock()

		if exhausted {
			log.Infof("%s: no reachable block creator after %d attempts, taking over", m.ref, m.opts.MaxConnectionRetries)
			m.mu.Lock()
			m.index = m.selfIndex()
			m.mu.Unlock()
			return m.becomeLeader()
		}
	}
}

// awaitRole blocks while an election or reconnect started elsewhere is
// still running.
func (m *Manager) awaitRole(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, changed := m.state, m.stateChanged
		m.mu.Unlock()
		if state != Electing && state != Reconnecting {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) abortElection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Electing {
		_ = m.setState(Idle)
	}
}

// elect asks the other members, in random batches, who the block creator is.
// The first definite answer wins; with none the session elects itself.
func (m *Manager) elect(ctx context.Context) int {
	var candidates []message.Contact
	for _, c := range m.list {
		if c.Username != m.self {
			candidates = append(candidates, c)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	for start := 0; start < len(candidates); start += m.opts.ElectionBatchSize {
		end := min(start+m.opts.ElectionBatchSize, len(candidates))
		if idx := m.askBatch(ctx, candidates[start:end]); idx >= 0 {
			log.Debugf("%s: block creator is %s", m.ref, m.list[idx].Username)
			return idx
		}
		if ctx.Err() != nil {
			break
		}
	}
	log.Infof("%s: nobody knows the block creator, electing self", m.ref)
	return m.selfIndex()
}

func (m *Manager) askBatch(ctx context.Context, batch []message.Contact) int {
	g, gctx := errgroup.WithContext(ctx)
	var once sync.Once
	found := message.UnknownIndex
	for _, c := range batch {
		g.Go(func() error {
			reply, err := m.msgr.Request(gctx, c.Username, message.AskForBlockCreatorPayload{Group: m.ref}, nil)
			if err != nil {
				log.Debugf("%s: %s did not answer: %v", m.ref, c.Username, err)
				return nil
			}
			idx, ok := m.answeredIndex(reply)
			if !ok {
				return nil
			}
			once.Do(func() { found = idx })
			return errFound
		})
	}
	_ = g.Wait()
	return found
}

// answeredIndex extracts a usable creator index from an Answer reply.
func (m *Manager) answeredIndex(reply message.Payload) (int, bool) {
	a, ok := reply.(*message.AnswerPayload)
	if !ok || a.Index == nil {
		return 0, false
	}
	idx := *a.Index
	if idx < 0 || idx >= len(m.list) {
		return 0, false
	}
	return idx, true
}

// follow pins a connection to the member at idx and asks it to accept this
// session as a follower.
func (m *Manager) follow(ctx context.Context, idx int) (followOutcome, int, error) {
	username := m.list[idx].Username
	ch, err := m.pool.GetConnection(ctx, username)
	if err != nil {
		log.Debugf("%s: cannot reach %s: %v", m.ref, username, err)
		return reelect, 0, err
	}
	reply, err := m.msgr.Request(ctx, username, message.ConnectToBlockCreatorPayload{Group: m.ref}, ch)
	if err != nil {
		m.pool.Release(username)
		log.Debugf("%s: %s did not accept connection: %v", m.ref, username, err)
		return reelect, 0, err
	}
	answer, ok := m.answeredIndex(reply)
	switch {
	case !ok:
		m.pool.Release(username)
		return reelect, 0, nil
	case answer != idx:
		m.pool.Release(username)
		log.Debugf("%s: %s points to %s", m.ref, username, m.list[answer].Username)
		return redirect, answer, nil
	}

	if err := m.becomeFollower(username, ch); err != nil {
		m.pool.Release(username)
		return reelect, 0, err
	}
	return confirmed, idx, nil
}

func (m *Manager) becomeFollower(username string, ch transport.Channel) error {
	m.mu.Lock()
	if err := m.setState(Follower); err != nil {
		m.mu.Unlock()
		return ErrTerminated
	}
	m.creator = username
	m.creatorConn = ch
	m.retries = 0
	m.lastBlock = time.Now()
	watchCtx, stop := context.WithCancel(m.ctx)
	m.stopWatch = stop
	m.wg.Add(1)
	m.mu.Unlock()

	log.Infof("%s: following block creator %s", m.ref, username)
	go m.watch(watchCtx, username, ch)
	go m.pullBlocks(m.ctx)
	go m.resendUnsent(watchCtx)
	return nil
}

// resendUnsent hands the messages no accepted block contains yet to the
// new block creator.
func (m *Manager) resendUnsent(ctx context.Context) {
	m.mu.Lock()
	unsent := append([]message.BlockMessageItem(nil), m.group.UnsentMessages...)
	m.mu.Unlock()
	for _, item := range unsent {
		if err := m.relay(ctx, item, false); err != nil {
			log.Debugf("%s: unsent message stays queued: %v", m.ref, err)
			return
		}
	}
}

// Members returns the round-robin list.
func (m *Manager) Members() []message.Contact {
	return append([]message.Contact(nil), m.list...)
}

// SendGroupMessage signs text and hands it to the block creator. The
// message stays in the group's unsent list until a block containing it is
// accepted.
func (m *Manager) SendGroupMessage(ctx context.Context, text string) (message.BlockMessageItem, error) {
	item, err := message.NewBlockMessageItem(m.self, text, time.Now().UnixMilli(), m.keys)
	if err != nil {
		return item, err
	}

	m.mu.Lock()
	if m.state == Terminated {
		m.mu.Unlock()
		return item, ErrTerminated
	}
	next := cloneGroup(m.group)
	next.UnsentMessages = append(next.UnsentMessages, item)
	if err := m.db.UpdateGroup(ctx, next); err != nil {
		m.mu.Unlock()
		return item, fmt.Errorf("failed to store unsent message: %w", err)
	}
	m.group = next
	idle := m.state == Idle
	m.mu.Unlock()

	if idle {
		if err := m.Connect(ctx); err != nil {
			return item, err
		}
	}
	return item, m.relay(ctx, item, true)
}

func (m *Manager) relay(ctx context.Context, item message.BlockMessageItem, retry bool) error {
	m.mu.Lock()
	state, creator, ch := m.state, m.creator, m.creatorConn
	if state == Leader {
		m.addPendingLocked(item)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	err := errNoCreator
	if state == Follower && ch != nil {
		var reply message.Payload
		reply, err = m.msgr.Request(ctx, creator, message.GroupMessagePayload{Group: m.ref, Item: item}, ch)
		if err == nil {
			switch reply.(type) {
			case *message.AckPayload, *message.AlreadyReceivedPayload:
				return nil
			default:
				err = fmt.Errorf("%w: %s", errNotCreator, creator)
			}
		}
	}
	if !retry {
		return fmt.Errorf("failed to relay group message: %w", err)
	}
	log.Infof("%s: relaying to block creator failed (%v), reconnecting", m.ref, err)
	if err := m.reconnect(ctx, true); err != nil {
		return err
	}
	if err := m.awaitRole(ctx); err != nil {
		return err
	}
	return m.relay(ctx, item, false)
}

// Terminate stops the session and closes every follower connection.
func (m *Manager) Terminate() error {
	m.mu.Lock()
	if m.state == Terminated {
		m.mu.Unlock()
		return nil
	}
	closing := m.leaveRoleLocked()
	_ = m.setState(Terminated)
	m.mu.Unlock()

	m.cancel()
	err := closeAll(closing)
	m.wg.Wait()
	return err
}
