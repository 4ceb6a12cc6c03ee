package message

import (
	"fmt"

	"github.com/baderanaas/hushchain/pkg/crypto"
	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// Contact is a peer whose public key has been exchanged.
type Contact struct {
	Name      string `json:"name"`
	Username  string `json:"username"`
	PublicKey []byte `json:"publicKey"`
}

// PubKey decodes the contact's public key.
func (c Contact) PubKey() (lcrypto.PubKey, error) {
	return crypto.UnmarshalPublicKey(c.PublicKey)
}

// GroupRef identifies a group; names may be reused over time.
type GroupRef struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

func (r GroupRef) String() string {
	return fmt.Sprintf("%s@%d", r.Name, r.CreatedAt)
}

// Group is a chat group and its ledger.
type Group struct {
	Name           string             `json:"name"`
	Members        []Contact          `json:"members"`
	Admins         []Contact          `json:"admins"`
	EncryptionKey  string             `json:"encryptionKey"`
	CreatedAt      int64              `json:"createdAt"`
	Blockchain     *Blockchain        `json:"blockchain,omitempty"`
	UnsentMessages []BlockMessageItem `json:"unsentMessages,omitempty"`
}

// Ref returns the identity of g.
func (g *Group) Ref() GroupRef {
	return GroupRef{Name: g.Name, CreatedAt: g.CreatedAt}
}

// RoundRobinList is the canonical leader order: admins, then members. A user
// listed both as admin and member appears once, at its admin position.
func (g *Group) RoundRobinList() []Contact {
	seen := make(map[string]bool, len(g.Admins)+len(g.Members))
	list := make([]Contact, 0, len(g.Admins)+len(g.Members))
	for _, c := range append(append([]Contact{}, g.Admins...), g.Members...) {
		if seen[c.Username] {
			continue
		}
		seen[c.Username] = true
		list = append(list, c)
	}
	return list
}

// Contact returns the member or admin with the given username.
func (g *Group) Contact(username string) (Contact, bool) {
	for _, c := range g.RoundRobinList() {
		if c.Username == username {
			return c, true
		}
	}
	return Contact{}, false
}

// IsMember reports whether username belongs to the group.
func (g *Group) IsMember(username string) bool {
	_, ok := g.Contact(username)
	return ok
}

// Chain returns the group's blockchain, creating an empty one if needed.
func (g *Group) Chain() *Blockchain {
	if g.Blockchain == nil {
		g.Blockchain = &Blockchain{}
	}
	return g.Blockchain
}

// ReconcileUnsent drops every unsent message whose signature appears in b.
// It reports how many entries were removed.
func (g *Group) ReconcileUnsent(b *Block) int {
	if b == nil || len(g.UnsentMessages) == 0 {
		return 0
	}
	sealed := make(map[string]bool, len(b.Messages))
	for _, m := range b.Messages {
		sealed[m.DigitalSignature] = true
	}
	kept := g.UnsentMessages[:0]
	for _, m := range g.UnsentMessages {
		if !sealed[m.DigitalSignature] {
			kept = append(kept, m)
		}
	}
	removed := len(g.UnsentMessages) - len(kept)
	g.UnsentMessages = kept
	return removed
}
