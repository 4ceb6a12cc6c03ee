package message

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/baderanaas/hushchain/pkg/crypto"
	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

var (
	ErrBrokenChain  = errors.New("block does not extend the chain")
	ErrBadBlockHash = errors.New("block hash mismatch")
)

// Signer signs the canonical form of a value.
type Signer interface {
	Sign(v any) ([]byte, error)
}

// BlockMessageItem is one group chat message, signed by its author.
type BlockMessageItem struct {
	SenderUsername   string `json:"senderUsername"`
	CreatedAt        int64  `json:"createdAt"`
	Message          string `json:"message"`
	DigitalSignature string `json:"digitalSignature"`
}

type itemSignedContent struct {
	SenderUsername string `json:"senderUsername"`
	CreatedAt      int64  `json:"createdAt"`
	Message        string `json:"message"`
}

// NewBlockMessageItem signs a group message for sender.
func NewBlockMessageItem(sender, text string, createdAt int64, s Signer) (BlockMessageItem, error) {
	item := BlockMessageItem{SenderUsername: sender, CreatedAt: createdAt, Message: text}
	sig, err := s.Sign(item.signedContent())
	if err != nil {
		return BlockMessageItem{}, fmt.Errorf("failed to sign group message: %w", err)
	}
	item.DigitalSignature = base64.StdEncoding.EncodeToString(sig)
	return item, nil
}

func (m BlockMessageItem) signedContent() itemSignedContent {
	return itemSignedContent{SenderUsername: m.SenderUsername, CreatedAt: m.CreatedAt, Message: m.Message}
}

// Verify checks the author signature against pub.
func (m BlockMessageItem) Verify(pub lcrypto.PubKey) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(m.DigitalSignature)
	if err != nil {
		return false, err
	}
	return crypto.Verify(m.signedContent(), sig, pub)
}

// Block is an immutable, hash-linked bundle of group messages.
type Block struct {
	Serial           int                `json:"serial"`
	Timestamp        int64              `json:"timestamp"`
	DigitalSignature string             `json:"digitalSignature"`
	PreviousHash     string             `json:"previousHash"`
	Hash             string             `json:"hash"`
	Messages         []BlockMessageItem `json:"messages"`
}

type blockSignedContent struct {
	Serial    int                `json:"serial"`
	Timestamp int64              `json:"timestamp"`
	Messages  []BlockMessageItem `json:"messages"`
}

type blockHashedContent struct {
	Serial           int                `json:"serial"`
	Timestamp        int64              `json:"timestamp"`
	Messages         []BlockMessageItem `json:"messages"`
	DigitalSignature string             `json:"digitalSignature"`
	PreviousHash     string             `json:"previousHash"`
}

// SealBlock builds, signs and hashes the next block.
func SealBlock(serial int, timestamp int64, messages []BlockMessageItem, previousHash string, s Signer) (*Block, error) {
	if messages == nil {
		messages = []BlockMessageItem{}
	}
	b := &Block{
		Serial:       serial,
		Timestamp:    timestamp,
		PreviousHash: previousHash,
		Messages:     messages,
	}
	sig, err := s.Sign(b.signedContent())
	if err != nil {
		return nil, fmt.Errorf("failed to sign block: %w", err)
	}
	b.DigitalSignature = base64.StdEncoding.EncodeToString(sig)
	if b.Hash, err = b.ComputeHash(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Block) signedContent() blockSignedContent {
	return blockSignedContent{Serial: b.Serial, Timestamp: b.Timestamp, Messages: b.Messages}
}

// SigningBytes returns the canonical bytes the creator signs.
func (b *Block) SigningBytes() ([]byte, error) {
	return crypto.Canonicalize(b.signedContent())
}

// HashingBytes returns the canonical bytes the block hash is computed over.
func (b *Block) HashingBytes() ([]byte, error) {
	return crypto.Canonicalize(blockHashedContent{
		Serial:           b.Serial,
		Timestamp:        b.Timestamp,
		Messages:         b.Messages,
		DigitalSignature: b.DigitalSignature,
		PreviousHash:     b.PreviousHash,
	})
}

// ComputeHash returns base64(SHA-256(HashingBytes)).
func (b *Block) ComputeHash() (string, error) {
	data, err := b.HashingBytes()
	if err != nil {
		return "", fmt.Errorf("failed to hash block: %w", err)
	}
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// VerifySignature checks the creator signature against pub.
func (b *Block) VerifySignature(pub lcrypto.PubKey) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(b.DigitalSignature)
	if err != nil {
		return false, err
	}
	return crypto.Verify(b.signedContent(), sig, pub)
}

// HasSignature reports whether the block contains a message with signature sig.
func (b *Block) HasSignature(sig string) bool {
	for _, m := range b.Messages {
		if m.DigitalSignature == sig {
			return true
		}
	}
	return false
}

// Blockchain is the append-only block sequence of a group.
type Blockchain struct {
	Blocks []Block `json:"blocks"`
}

// Len returns the number of blocks.
func (c *Blockchain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Blocks)
}

// LastHash returns the hash of the newest block, or "" for an empty chain.
func (c *Blockchain) LastHash() string {
	if c.Len() == 0 {
		return ""
	}
	return c.Blocks[len(c.Blocks)-1].Hash
}

// Contains reports whether a block with the given hash is already present.
func (c *Blockchain) Contains(hash string) bool {
	if c == nil {
		return false
	}
	for i := range c.Blocks {
		if c.Blocks[i].Hash == hash {
			return true
		}
	}
	return false
}

// Append adds b if it extends the chain.
func (c *Blockchain) Append(b Block) error {
	if b.Serial != c.Len() || b.PreviousHash != c.LastHash() {
		return fmt.Errorf("%w: serial %d prev %q, chain length %d head %q",
			ErrBrokenChain, b.Serial, b.PreviousHash, c.Len(), c.LastHash())
	}
	hash, err := b.ComputeHash()
	if err != nil {
		return err
	}
	if hash != b.Hash {
		return fmt.Errorf("%w: serial %d", ErrBadBlockHash, b.Serial)
	}
	c.Blocks = append(c.Blocks, b)
	return nil
}

// Since returns a copy of the blocks from serial from onward.
func (c *Blockchain) Since(from int) []Block {
	if from < 0 {
		from = 0
	}
	if from >= c.Len() {
		return nil
	}
	return append([]Block(nil), c.Blocks[from:]...)
}

// Verify checks every link and hash of the chain.
func (c *Blockchain) Verify() error {
	prev := ""
	for i := range c.Blocks {
		b := &c.Blocks[i]
		if b.Serial != i || b.PreviousHash != prev {
			return fmt.Errorf("%w: at serial %d", ErrBrokenChain, i)
		}
		hash, err := b.ComputeHash()
		if err != nil {
			return err
		}
		if hash != b.Hash {
			return fmt.Errorf("%w: serial %d", ErrBadBlockHash, i)
		}
		prev = b.Hash
	}
	return nil
}
