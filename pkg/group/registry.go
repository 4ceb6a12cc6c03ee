package group

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/baderanaas/hushchain/pkg/crypto"
	"github.com/baderanaas/hushchain/pkg/message"
	"github.com/baderanaas/hushchain/pkg/store"
	"github.com/baderanaas/hushchain/pkg/transport"
	"github.com/hashicorp/go-multierror"
)

// GroupStore is the persistence the registry needs.
type GroupStore interface {
	Store
	AddGroup(ctx context.Context, g *message.Group) error
	GetGroup(ctx context.Context, ref message.GroupRef) (*message.Group, error)
	ListGroups(ctx context.Context) ([]*message.Group, error)
	GetContact(ctx context.Context, username string) (*message.Contact, error)
	PutContact(ctx context.Context, c message.Contact) error
}

// Queue delivers group invitations durably.
type Queue interface {
	AddMessage(ctx context.Context, msg *message.Message, retry bool) (*message.StoredMessage, error)
}

// Registry owns the sessions of every group this user belongs to and
// answers the group requests of other members.
type Registry struct {
	name  string
	keys  Keystore
	msgr  Messenger
	pool  Pool
	db    GroupStore
	queue Queue
	opts  Options

	mu       sync.Mutex
	managers map[message.GroupRef]*Manager
}

func NewRegistry(name string, keys Keystore, msgr Messenger, pool Pool, db GroupStore, queue Queue, opts Options) *Registry {
	return &Registry{
		name:     name,
		keys:     keys,
		msgr:     msgr,
		pool:     pool,
		db:       db,
		queue:    queue,
		opts:     opts,
		managers: make(map[message.GroupRef]*Manager),
	}
}

// Manager returns the session for ref, loading the group on first use.
func (r *Registry) Manager(ctx context.Context, ref message.GroupRef) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[ref]; ok {
		return m, nil
	}
	g, err := r.db.GetGroup(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, ref)
	}
	if err != nil {
		return nil, err
	}
	m := NewManager(g, r.keys, r.msgr, r.pool, r.db, r.opts)
	r.managers[ref] = m
	return m, nil
}

// Find returns the newest group called name.
func (r *Registry) Find(ctx context.Context, name string) (*Manager, error) {
	groups, err := r.db.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.Name == name {
			return r.Manager(ctx, g.Ref())
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, name)
}

func (r *Registry) Groups(ctx context.Context) ([]*message.Group, error) {
	return r.db.ListGroups(ctx)
}

// ConnectAll starts a session for every stored group.
func (r *Registry) ConnectAll(ctx context.Context) error {
	groups, err := r.db.ListGroups(ctx)
	if err != nil {
		return err
	}
	var g multierror.Group
	for _, grp := range groups {
		ref := grp.Ref()
		g.Go(func() error {
			m, err := r.Manager(ctx, ref)
			if err != nil {
				return err
			}
			return m.Connect(ctx)
		})
	}
	return g.Wait().ErrorOrNil()
}

// CreateGroup creates a group administered by this user and invites the
// given contacts through the message queue.
func (r *Registry) CreateGroup(ctx context.Context, name string, usernames []string) (*message.Group, error) {
	self := r.msgr.Username()
	pub, err := r.keys.PublicKeyBytes()
	if err != nil {
		return nil, err
	}
	g := &message.Group{
		Name:      name,
		Admins:    []message.Contact{{Name: r.name, Username: self, PublicKey: pub}},
		CreatedAt: time.Now().UnixMilli(),
	}
	for _, u := range usernames {
		if u == self {
			continue
		}
		c, err := r.db.GetContact(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("no contact for %s, exchange keys first: %w", u, err)
		}
		g.Members = append(g.Members, *c)
	}
	key, err := crypto.NewSymmetricKey()
	if err != nil {
		return nil, err
	}
	g.EncryptionKey = base64.StdEncoding.EncodeToString(key)

	if err := r.db.AddGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("failed to store group: %w", err)
	}
	for _, c := range g.Members {
		msg, err := r.msgr.NewMessage(message.CreateGroupPayload{Group: *g}, c.Username)
		if err != nil {
			return nil, err
		}
		if _, err := r.queue.AddMessage(ctx, msg, true); err != nil {
			return nil, fmt.Errorf("failed to invite %s: %w", c.Username, err)
		}
	}
	log.Infof("created group %s with %d members", g.Ref(), len(g.Members))
	return g, nil
}

// SendGroupMessage sends text to the group ref.
func (r *Registry) SendGroupMessage(ctx context.Context, ref message.GroupRef, text string) error {
	m, err := r.Manager(ctx, ref)
	if err != nil {
		return err
	}
	_, err = m.SendGroupMessage(ctx, text)
	return err
}

// Close terminates every session.
func (r *Registry) Close() error {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	var result *multierror.Error
	for _, m := range managers {
		if err := m.Terminate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", m.Ref(), err))
		}
	}
	return result.ErrorOrNil()
}

// HandleCreateGroup stores a group an admin invited this user to. A group
// that is already stored is left as is.
func (r *Registry) HandleCreateGroup(ctx context.Context, from string, p *message.CreateGroupPayload) (message.Payload, error) {
	g := p.Group
	isAdmin := false
	for _, a := range g.Admins {
		if a.Username == from {
			isAdmin = true
		}
	}
	if !isAdmin {
		return nil, fmt.Errorf("%s is not an admin of %s", from, g.Ref())
	}
	self := r.msgr.Username()
	if !g.IsMember(self) {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotMember, self, g.Ref())
	}

	for _, c := range g.RoundRobinList() {
		if c.Username == self || c.Username == from {
			continue
		}
		if err := r.db.PutContact(ctx, c); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
	}
	g.Blockchain = nil
	g.UnsentMessages = nil
	if err := r.db.AddGroup(ctx, &g); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
		log.Debugf("group %s already stored", g.Ref())
		return message.AckPayload{}, nil
	}
	log.Infof("joined group %s created by %s", g.Ref(), from)
	return message.AckPayload{}, nil
}

func (r *Registry) HandleAskForBlockCreator(ctx context.Context, from string, p *message.AskForBlockCreatorPayload) (message.Payload, error) {
	m, err := r.Manager(ctx, p.Group)
	if err != nil {
		return message.IndexAnswer(message.UnknownIndex), nil
	}
	return m.HandleAskForBlockCreator(from)
}

func (r *Registry) HandleConnectToBlockCreator(ctx context.Context, ch transport.Channel, from string, p *message.ConnectToBlockCreatorPayload) (message.Payload, error) {
	m, err := r.Manager(ctx, p.Group)
	if err != nil {
		return message.AnswerPayload{}, nil
	}
	return m.HandleConnectToBlockCreator(ch, from)
}

func (r *Registry) HandleGroupMessage(ctx context.Context, from string, p *message.GroupMessagePayload) (message.Payload, error) {
	m, err := r.Manager(ctx, p.Group)
	if err != nil {
		return message.IAmNotBlockCreatorPayload{Group: p.Group}, nil
	}
	return m.HandleGroupMessage(from, p.Item)
}

func (r *Registry) HandlePullAllBlocks(ctx context.Context, from string, p *message.PullAllBlocksPayload) (message.Payload, error) {
	m, err := r.Manager(ctx, p.Group)
	if err != nil {
		return nil, err
	}
	return m.HandlePullAllBlocks(from, p.From)
}

func (r *Registry) HandleAddBlock(ctx context.Context, from string, p *message.AddBlockPayload) error {
	m, err := r.Manager(ctx, p.Group)
	if err != nil {
		return err
	}
	return m.HandleAddBlock(ctx, from, p.Block)
}
