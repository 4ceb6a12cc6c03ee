package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/baderanaas/hushchain/pkg/transport"
)

// HTTP talks to a directory server over its REST API:
// GET {base}/users/{username} and PUT {base}/users.
type HTTP struct {
	base   string
	client *http.Client
}

func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	return &HTTP{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type userRecord struct {
	Username  string   `json:"username"`
	Name      string   `json:"name,omitempty"`
	DeviceKey string   `json:"deviceKey,omitempty"`
	PeerID    string   `json:"peerId"`
	Addrs     []string `json:"addrs,omitempty"`
}

func (d *HTTP) ResolveUser(ctx context.Context, username string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/users/"+url.PathEscape(username), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %s returned %s", ErrLookupFailed, req.URL, resp.Status)
	}

	var rec userRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: failed to decode user %s: %v", ErrLookupFailed, username, err)
	}
	if rec.PeerID == "" {
		return nil, fmt.Errorf("%w: %s has no registered endpoint", ErrUserNotFound, username)
	}
	return &Profile{
		Username:  username,
		Name:      rec.Name,
		Endpoint:  transport.Endpoint{PeerID: rec.PeerID, Addrs: rec.Addrs},
		RoutingID: rec.PeerID,
	}, nil
}

func (d *HTTP) RegisterEndpoint(ctx context.Context, username, deviceKey string, ep transport.Endpoint) error {
	body, err := json.Marshal(userRecord{
		Username:  username,
		DeviceKey: deviceKey,
		PeerID:    ep.PeerID,
		Addrs:     ep.Addrs,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.base+"/users", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to register %s: %v", ErrLookupFailed, username, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: register %s returned %s", ErrLookupFailed, username, resp.Status)
	}
	return nil
}
