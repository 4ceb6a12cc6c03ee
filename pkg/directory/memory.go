package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/baderanaas/hushchain/pkg/transport"
)

// Memory is an in-process directory.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	lookups  map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		profiles: make(map[string]Profile),
		lookups:  make(map[string]int),
	}
}

// Add registers a full profile, including the display name.
func (m *Memory) Add(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.Username] = p
}

// Lookups returns how many times username was resolved.
func (m *Memory) Lookups(username string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookups[username]
}

func (m *Memory) ResolveUser(ctx context.Context, username string) (*Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups[username]++
	p, ok := m.profiles[username]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return &p, nil
}

func (m *Memory) RegisterEndpoint(_ context.Context, username, _ string, ep transport.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.profiles[username]
	p.Username = username
	p.Endpoint = ep
	p.RoutingID = ep.PeerID
	m.profiles[username] = p
	return nil
}
