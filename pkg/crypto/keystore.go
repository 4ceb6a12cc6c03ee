package crypto

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"

	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// KeystoreKey is the app-data key the RSA keypair is stored under.
const KeystoreKey = "rsa-keystore"

const rsaBits = 2048

// ErrKeyStoreNotFound is returned when no local keypair has been created yet.
var ErrKeyStoreNotFound = errors.New("RSA keystore not found")

// AppData is the slice of the persistent store the keystore lives in.
type AppData interface {
	GetAppData(ctx context.Context, key string) ([]byte, bool, error)
	PutAppData(ctx context.Context, key string, value []byte) error
}

// Keystore holds the local messaging keypair.
type Keystore struct {
	priv lcrypto.PrivKey
	pub  lcrypto.PubKey
}

// GenerateKeystore creates a fresh 2048-bit RSA keypair.
func GenerateKeystore() (*Keystore, error) {
	priv, pub, err := lcrypto.GenerateRSAKeyPair(rsaBits, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA keypair: %w", err)
	}
	return &Keystore{priv: priv, pub: pub}, nil
}

// NewKeystore wraps an existing private key.
func NewKeystore(priv lcrypto.PrivKey) *Keystore {
	return &Keystore{priv: priv, pub: priv.GetPublic()}
}

// LoadKeystore reads the keypair from app data.
func LoadKeystore(ctx context.Context, db AppData) (*Keystore, error) {
	raw, ok, err := db.GetAppData(ctx, KeystoreKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	if !ok {
		return nil, ErrKeyStoreNotFound
	}
	priv, err := lcrypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode keystore: %w", err)
	}
	return NewKeystore(priv), nil
}

// LoadOrCreateKeystore loads the keypair, generating and saving one on first run.
func LoadOrCreateKeystore(ctx context.Context, db AppData) (*Keystore, error) {
	ks, err := LoadKeystore(ctx, db)
	if err == nil {
		return ks, nil
	}
	if !errors.Is(err, ErrKeyStoreNotFound) {
		return nil, err
	}
	log.Info("RSA keystore not found, generating new key pair")
	ks, err = GenerateKeystore()
	if err != nil {
		return nil, err
	}
	if err := ks.Save(ctx, db); err != nil {
		return nil, err
	}
	return ks, nil
}

// Save persists the private key.
func (k *Keystore) Save(ctx context.Context, db AppData) error {
	raw, err := lcrypto.MarshalPrivateKey(k.priv)
	if err != nil {
		return fmt.Errorf("failed to encode keystore: %w", err)
	}
	return db.PutAppData(ctx, KeystoreKey, raw)
}

// PublicKey returns the public half of the keypair.
func (k *Keystore) PublicKey() lcrypto.PubKey {
	return k.pub
}

// PublicKeyBytes returns the protobuf-encoded public key sent during key exchange.
func (k *Keystore) PublicKeyBytes() ([]byte, error) {
	return lcrypto.MarshalPublicKey(k.pub)
}

// Sign signs the canonical JSON form of v.
func (k *Keystore) Sign(v any) ([]byte, error) {
	data, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	return k.priv.Sign(data)
}

// DecryptPayload unwraps the symmetric key with the local private key and
// opens the ciphertext.
func (k *Keystore) DecryptPayload(p *EncryptedPayload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrDecrypt)
	}
	std, err := lcrypto.PrivKeyToStdKey(k.priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	rsaKey, ok := std.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: keystore is not an RSA key", ErrDecrypt)
	}
	key, err := unwrapKey(rsaKey, p.WrappedKey)
	if err != nil {
		return nil, err
	}
	return Decrypt(p.Ciphertext, key)
}

// Verify checks sig against the canonical JSON form of v.
func Verify(v any, sig []byte, pub lcrypto.PubKey) (bool, error) {
	if pub == nil {
		return false, errors.New("missing public key")
	}
	data, err := Canonicalize(v)
	if err != nil {
		return false, err
	}
	return pub.Verify(data, sig)
}

// UnmarshalPublicKey decodes a public key received during key exchange.
func UnmarshalPublicKey(raw []byte) (lcrypto.PubKey, error) {
	pub, err := lcrypto.UnmarshalPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	return pub, nil
}
