package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

var log = logging.Logger("crypto")

// EncryptedPayload is a symmetric ciphertext plus the symmetric key wrapped
// for one recipient.
type EncryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	WrappedKey []byte `json:"wrappedKey"`
}

// EncryptPayload encrypts plaintext under a fresh AES-256 key and wraps that
// key with the recipient's RSA public key.
func EncryptPayload(plaintext []byte, recipient lcrypto.PubKey) (*EncryptedPayload, error) {
	if recipient == nil {
		return nil, errors.New("missing recipient public key")
	}
	std, err := lcrypto.PubKeyToStdKey(recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to convert public key: %w", err)
	}
	rsaKey, ok := std.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("recipient key is not an RSA key")
	}

	key, err := NewSymmetricKey()
	if err != nil {
		return nil, err
	}
	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaKey, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key: %w", err)
	}
	return &EncryptedPayload{Ciphertext: ciphertext, WrappedKey: wrapped}, nil
}

func unwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid wrapped key", ErrDecrypt)
	}
	return key, nil
}
