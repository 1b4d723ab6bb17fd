// Package keyring encrypts upstream provider credentials at rest.
//
// Ciphertexts carry the id of the key that produced them
// ("v1.<keyID>.<base64(nonce|sealed)>"). Rotating the secret makes a new key
// current while the previous one stays available for decryption; credentials
// are re-sealed under the current key whenever they are saved again.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32

	formatVersion = "v1"
	hkdfInfo      = "tutor-gateway credential key"
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrUnknownKey        = errors.New("unknown credential key")
	ErrNoKey             = errors.New("no credential key configured")
)

// KeyProvider hands out AES keys by id. Current is used for new ciphertexts.
type KeyProvider interface {
	Current() (id string, key []byte, err error)
	Key(id string) ([]byte, error)
}

// StaticKeyProvider holds keys in memory. Secret-manager backed providers
// implement KeyProvider directly.
type StaticKeyProvider struct {
	current string
	keys    map[string][]byte
}

// NewEnvKeyProvider derives keys from secrets given through the environment.
// previous may be empty.
func NewEnvKeyProvider(secret, previous string) (*StaticKeyProvider, error) {
	if secret == "" {
		return nil, ErrNoKey
	}
	p := &StaticKeyProvider{keys: make(map[string][]byte)}

	id, key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	p.current = id
	p.keys[id] = key

	if previous != "" {
		pid, pkey, err := deriveKey(previous)
		if err != nil {
			return nil, err
		}
		p.keys[pid] = pkey
	}
	return p, nil
}

func (p *StaticKeyProvider) Current() (string, []byte, error) {
	key, ok := p.keys[p.current]
	if !ok {
		return "", nil, ErrNoKey
	}
	return p.current, key, nil
}

func (p *StaticKeyProvider) Key(id string) ([]byte, error) {
	key, ok := p.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	return key, nil
}

// deriveKey expands secret with HKDF-SHA256. The key id is a short digest of
// the derived key, so the same secret always maps to the same id.
func deriveKey(secret string) (string, []byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return "", nil, fmt.Errorf("failed to derive key: %w", err)
	}
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4]), key, nil
}

// Cipher seals and opens credentials with keys from a KeyProvider.
type Cipher struct {
	keys KeyProvider
}

func NewCipher(keys KeyProvider) *Cipher {
	return &Cipher{keys: keys}
}

// Encrypt seals plaintext under the current key.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	id, key, err := c.keys.Current()
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return formatVersion + "." + id + "." + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt under any known key.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	id, data, err := parse(ciphertext)
	if err != nil {
		return "", err
	}

	key, err := c.keys.Key(id)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

// NeedsRotation reports whether ciphertext was sealed under a non-current key.
func (c *Cipher) NeedsRotation(ciphertext string) bool {
	id, _, err := parse(ciphertext)
	if err != nil {
		return false
	}
	current, _, err := c.keys.Current()
	return err == nil && id != current
}

// Reencrypt opens ciphertext and seals it again under the current key.
func (c *Cipher) Reencrypt(ciphertext string) (string, error) {
	plaintext, err := c.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plaintext)
}

func parse(ciphertext string) (string, []byte, error) {
	parts := strings.SplitN(ciphertext, ".", 3)
	if len(parts) != 3 || parts[0] != formatVersion || parts[1] == "" {
		return "", nil, ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", nil, ErrInvalidCiphertext
	}
	return parts[1], data, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher block: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
