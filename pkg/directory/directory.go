// Package directory resolves usernames to reachable transport endpoints and
// publishes this node's own endpoint.
package directory

import (
	"context"
	"errors"

	"github.com/baderanaas/hushchain/pkg/transport"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrLookupFailed = errors.New("directory lookup failed")
)

// Profile is what the directory knows about a user.
type Profile struct {
	Username  string             `json:"username"`
	Name      string             `json:"name,omitempty"`
	Endpoint  transport.Endpoint `json:"endpoint"`
	RoutingID string             `json:"routingId"`
}

// Directory is the lookup and registration API of the signaling service.
type Directory interface {
	ResolveUser(ctx context.Context, username string) (*Profile, error)
	RegisterEndpoint(ctx context.Context, username, deviceKey string, ep transport.Endpoint) error
}
