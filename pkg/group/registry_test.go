package group

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/baderanaas/hushchain/pkg/message"
	"github.com/baderanaas/hushchain/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu   sync.Mutex
	msgs []*message.StoredMessage
}

func (q *fakeQueue) AddMessage(_ context.Context, msg *message.Message, retry bool) (*message.StoredMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sm := &message.StoredMessage{Message: *msg, Status: message.StatusQueued, Retry: retry}
	q.msgs = append(q.msgs, sm)
	return sm, nil
}

func newRegistry(t *testing.T, self string) (*Registry, *store.DB, *fakeQueue) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q := &fakeQueue{}
	r := NewRegistry(self+"'s phone", keysFor(t, self), newFakeMessenger(self), newFakePool(), db, q, Options{})
	t.Cleanup(func() { _ = r.Close() })
	return r, db, q
}

func TestCreateGroup(t *testing.T) {
	r, db, q := newRegistry(t, "alice")
	ctx := context.Background()
	require.NoError(t, db.PutContact(ctx, contactOf(t, "bob")))
	require.NoError(t, db.PutContact(ctx, contactOf(t, "carol")))

	g, err := r.CreateGroup(ctx, "friends", []string{"bob", "carol", "alice"})
	require.NoError(t, err)
	require.Len(t, g.Admins, 1)
	assert.Equal(t, "alice", g.Admins[0].Username)
	assert.Equal(t, "alice's phone", g.Admins[0].Name)
	require.Len(t, g.Members, 2)
	key, err := base64.StdEncoding.DecodeString(g.EncryptionKey)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	stored, err := db.GetGroup(ctx, g.Ref())
	require.NoError(t, err)
	assert.Equal(t, g.Name, stored.Name)

	require.Len(t, q.msgs, 2)
	for i, to := range []string{"bob", "carol"} {
		sm := q.msgs[i]
		assert.Equal(t, message.CreateGroup, sm.Type)
		assert.Equal(t, to, sm.ReceiverUsername)
		assert.True(t, sm.Retry)
		p, err := sm.Decode()
		require.NoError(t, err)
		assert.Equal(t, g.Ref(), p.(*message.CreateGroupPayload).Group.Ref())
	}

	found, err := r.Find(ctx, "friends")
	require.NoError(t, err)
	assert.Equal(t, g.Ref(), found.Ref())
	_, err = r.Find(ctx, "strangers")
	require.ErrorIs(t, err, ErrUnknownGroup)
}

func TestCreateGroupNeedsContacts(t *testing.T) {
	r, db, q := newRegistry(t, "alice")
	ctx := context.Background()

	_, err := r.CreateGroup(ctx, "friends", []string{"zed"})
	require.ErrorIs(t, err, store.ErrNotFound)
	groups, err := db.ListGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
	assert.Empty(t, q.msgs)
}

func TestHandleCreateGroupIsIdempotent(t *testing.T) {
	r, db, _ := newRegistry(t, "bob")
	ctx := context.Background()
	g := newGroup(t)

	for range 2 {
		reply, err := r.HandleCreateGroup(ctx, "alice", &message.CreateGroupPayload{Group: *g})
		require.NoError(t, err)
		assert.Equal(t, message.AckPayload{}, reply)
	}

	groups, err := db.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, g.Ref(), groups[0].Ref())

	for _, u := range []string{"carol", "dave"} {
		c, err := db.GetContact(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, contactOf(t, u).PublicKey, c.PublicKey)
	}
}

func TestHandleCreateGroupRequiresAdmin(t *testing.T) {
	r, db, _ := newRegistry(t, "bob")
	ctx := context.Background()

	_, err := r.HandleCreateGroup(ctx, "carol", &message.CreateGroupPayload{Group: *newGroup(t)})
	require.Error(t, err)
	groups, err := db.ListGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestHandleCreateGroupRequiresMembership(t *testing.T) {
	r, _, _ := newRegistry(t, "eve")
	_, err := r.HandleCreateGroup(context.Background(), "alice", &message.CreateGroupPayload{Group: *newGroup(t)})
	require.ErrorIs(t, err, ErrNotMember)
}

func TestRegistryUnknownGroup(t *testing.T) {
	r, _, _ := newRegistry(t, "bob")
	ctx := context.Background()
	ref := message.GroupRef{Name: "nope", CreatedAt: 1}

	_, err := r.Manager(ctx, ref)
	require.ErrorIs(t, err, ErrUnknownGroup)

	reply, err := r.HandleAskForBlockCreator(ctx, "alice", &message.AskForBlockCreatorPayload{Group: ref})
	require.NoError(t, err)
	assert.Equal(t, message.IndexAnswer(message.UnknownIndex), reply)

	reply, err = r.HandleGroupMessage(ctx, "alice", &message.GroupMessagePayload{Group: ref})
	require.NoError(t, err)
	assert.Equal(t, message.IAmNotBlockCreatorPayload{Group: ref}, reply)

	require.Error(t, r.HandleAddBlock(ctx, "alice", &message.AddBlockPayload{Group: ref}))
}

func TestRegistryReusesManagers(t *testing.T) {
	r, _, _ := newRegistry(t, "bob")
	ctx := context.Background()
	g := newGroup(t)
	_, err := r.HandleCreateGroup(ctx, "alice", &message.CreateGroupPayload{Group: *g})
	require.NoError(t, err)

	first, err := r.Manager(ctx, g.Ref())
	require.NoError(t, err)
	second, err := r.Manager(ctx, g.Ref())
	require.NoError(t, err)
	assert.Same(t, first, second)
}
