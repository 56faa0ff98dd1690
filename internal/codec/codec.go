// Package codec encrypts the serialized entry collection before it leaves
// the device.
//
// Algorithm:
//   - XChaCha20-Poly1305 (authenticated encryption)
//   - 24-byte random nonce per encryption, prepended to the ciphertext
//   - Output is standard base64 so the snapshot is a text object remotely
//
// The key is 32 random bytes generated once per install and persisted in
// the local document store. It is never uploaded.
package codec

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyName is the document-store key holding the hex-encoded encryption key.
const KeyName = "encryption_key"

var (
	// ErrDecryption is returned when a snapshot cannot be decrypted: the key
	// is missing, the input is malformed, or authentication fails.
	ErrDecryption = errors.New("decryption failed")

	// ErrNoKey is returned when no encryption key has been created yet.
	ErrNoKey = errors.New("encryption key not found")
)

// KeyStore is the slice of the document store the codec needs.
type KeyStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Codec encrypts and decrypts opaque strings with one symmetric key.
type Codec struct {
	key []byte
}

// New creates a codec from a raw 32-byte key.
func New(key []byte) (*Codec, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes (got %d)", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k}, nil
}

// GenerateKey returns a fresh random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return key, nil
}

// LoadOrCreate returns a codec for the persisted key, generating and
// persisting a new key on first use.
func LoadOrCreate(store KeyStore) (*Codec, error) {
	c, err := FromStore(store)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNoKey) {
		return nil, err
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := store.Set(KeyName, hex.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("failed to persist encryption key: %w", err)
	}
	return New(key)
}

// FromStore returns a codec for the persisted key without ever creating one.
func FromStore(store KeyStore) (*Codec, error) {
	raw, ok, err := store.Get(KeyName)
	if err != nil {
		return nil, fmt.Errorf("failed to read encryption key: %w", err)
	}
	if !ok || raw == "" {
		return nil, ErrNoKey
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("stored encryption key is corrupt: %w", err)
	}
	return New(key)
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (c *Codec) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any failure, including an empty plaintext,
// is reported as ErrDecryption.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	if c == nil || len(c.key) == 0 {
		return "", fmt.Errorf("%w: %w", ErrDecryption, ErrNoKey)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding: %v", ErrDecryption, err)
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: wrong key or tampered data", ErrDecryption)
	}
	if len(plain) == 0 {
		return "", fmt.Errorf("%w: empty plaintext", ErrDecryption)
	}
	return string(plain), nil
}
