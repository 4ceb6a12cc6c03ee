package node

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
)

const identityFileName = "identity.key"

// SaveIdentity writes the libp2p host key into dataDir.
func SaveIdentity(key crypto.PrivKey, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return err
	}
	keyBytes, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, identityFileName), keyBytes, 0600)
}

// LoadIdentity loads the host key from dataDir. If there is none yet, an
// Ed25519 key is generated and saved, so the peer ID survives restarts.
func LoadIdentity(dataDir string) (crypto.PrivKey, error) {
	keyBytes, err := os.ReadFile(filepath.Join(dataDir, identityFileName))
	if os.IsNotExist(err) {
		privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate identity: %w", err)
		}
		if err := SaveIdentity(privKey, dataDir); err != nil {
			return nil, fmt.Errorf("failed to save identity: %w", err)
		}
		return privKey, nil
	}
	if err != nil {
		return nil, err
	}
	return crypto.UnmarshalPrivateKey(keyBytes)
}
