package crypto

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memAppData struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memAppData) GetAppData(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memAppData) PutAppData(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = value
	return nil
}

var (
	testKeysOnce sync.Once
	testKeyA     *Keystore
	testKeyB     *Keystore
)

func testKeys(t *testing.T) (*Keystore, *Keystore) {
	testKeysOnce.Do(func() {
		var err error
		testKeyA, err = GenerateKeystore()
		require.NoError(t, err)
		testKeyB, err = GenerateKeystore()
		require.NoError(t, err)
	})
	return testKeyA, testKeyB
}

func TestKeyHash(t *testing.T) {
	key1 := KeyHash([]byte("group-key"))
	key2 := KeyHash([]byte("group-key"))
	key3 := KeyHash([]byte("other-key"))

	require.Equal(t, key1, key2, "hashes of the same key should be equal")
	require.NotEqual(t, key1, key3, "hashes of different keys should not be equal")
}

func TestEncryptDecrypt(t *testing.T) {
	key, err := NewSymmetricKey()
	require.NoError(t, err)
	require.Len(t, key, 32, "key should be 32 bytes for AES-256")
	plaintext := []byte("this is a super secret message")

	ciphertext, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	require.NotEmpty(t, ciphertext)

	again, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	require.NotEqual(t, ciphertext, again, "nonces should differ between encryptions")

	decrypted, err := Decrypt(ciphertext, key)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted, "decrypted text should match original plaintext")
}

func TestDecryptFailure(t *testing.T) {
	key1, err := NewSymmetricKey()
	require.NoError(t, err)
	key2, err := NewSymmetricKey()
	require.NoError(t, err)

	ciphertext, err := Encrypt([]byte("another secret"), key1)
	require.NoError(t, err)

	// Try to decrypt with the wrong key
	_, err = Decrypt(ciphertext, key2)
	require.ErrorIs(t, err, ErrDecrypt)

	// Try to decrypt corrupted ciphertext
	_, err = Decrypt("not_a_valid_base64_string", key1)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestHybridRoundTrip(t *testing.T) {
	alice, bob := testKeys(t)

	sealed, err := EncryptPayload([]byte(`{"text":"hello"}`), bob.PublicKey())
	require.NoError(t, err)
	require.NotEmpty(t, sealed.WrappedKey)

	plaintext, err := bob.DecryptPayload(sealed)
	require.NoError(t, err)
	require.Equal(t, `{"text":"hello"}`, string(plaintext))

	// Only the recipient can unwrap the key.
	_, err = alice.DecryptPayload(sealed)
	require.ErrorIs(t, err, ErrDecrypt)

	sealed.WrappedKey = []byte("garbage")
	_, err = bob.DecryptPayload(sealed)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestSignVerify(t *testing.T) {
	alice, bob := testKeys(t)
	payload := map[string]any{"b": 2, "a": "x"}

	sig, err := alice.Sign(payload)
	require.NoError(t, err)

	ok, err := Verify(map[string]any{"a": "x", "b": 2}, sig, alice.PublicKey())
	require.NoError(t, err)
	require.True(t, ok, "key order must not affect the signature")

	ok, _ = Verify(payload, sig, bob.PublicKey())
	require.False(t, ok)

	ok, _ = Verify(map[string]any{"a": "y", "b": 2}, sig, alice.PublicKey())
	require.False(t, ok)
}

func TestCanonicalize(t *testing.T) {
	type item struct {
		Zed   string `json:"zed"`
		Alpha int64  `json:"alpha"`
		HTML  string `json:"html"`
	}
	out, err := Canonicalize(item{Zed: "z", Alpha: 1700000000000, HTML: "<b>"})
	require.NoError(t, err)
	require.Equal(t, `{"alpha":1700000000000,"html":"<b>","zed":"z"}`, string(out))
}

func TestLoadOrCreateKeystore(t *testing.T) {
	ctx := context.Background()
	db := &memAppData{}

	_, err := LoadKeystore(ctx, db)
	require.ErrorIs(t, err, ErrKeyStoreNotFound)

	ks, err := LoadOrCreateKeystore(ctx, db)
	require.NoError(t, err)

	loaded, err := LoadOrCreateKeystore(ctx, db)
	require.NoError(t, err)
	require.True(t, ks.PublicKey().Equals(loaded.PublicKey()), "second load should reuse the stored key")

	raw, err := loaded.PublicKeyBytes()
	require.NoError(t, err)
	pub, err := UnmarshalPublicKey(raw)
	require.NoError(t, err)
	require.True(t, pub.Equals(ks.PublicKey()))
}
