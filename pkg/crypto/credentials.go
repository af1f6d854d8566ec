// Package crypto protects broker credentials stored in the catalog.
//
// Sealed values look like ENC[v<N>]:<base64(nonce|ciphertext)> and are
// AES-256-GCM encrypted with the broker id as additional data, so a secret
// copied onto another broker entry fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	KeySize   = 32
	NonceSize = 12

	sealedPrefix = "ENC[v"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrMalformed         = errors.New("malformed sealed value")
	ErrOpenFailed        = errors.New("credential decryption failed")
	ErrNoKeys            = errors.New("no credential keys configured")
	ErrUnknownKeyVersion = errors.New("credential key version not loaded")
)

// Keyring holds versioned AES keys. The highest version seals new values;
// any loaded version can open.
type Keyring struct {
	mu      sync.RWMutex
	current int
	aeads   map[int]cipher.AEAD
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{aeads: make(map[int]cipher.AEAD)}
}

// KeyringFromEnv loads <prefix> as version 1 and <prefix>_V2.._V10 as later
// versions; each value is a base64 32-byte key. A missing primary key yields
// an empty keyring that only passes plaintext through.
func KeyringFromEnv(prefix string) (*Keyring, error) {
	return KeyringFromLookup(prefix, os.Getenv)
}

// KeyringFromLookup is KeyringFromEnv with an injectable variable source.
func KeyringFromLookup(prefix string, lookup func(string) string) (*Keyring, error) {
	kr := NewKeyring()
	for v := 1; v <= 10; v++ {
		name := prefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", prefix, v)
		}
		raw := lookup(name)
		if raw == "" {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if err := kr.Add(v, key); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return kr, nil
}

// Add loads a key under version v.
func (k *Keyring) Add(v int, key []byte) error {
	if len(key) != KeySize {
		return ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("create GCM: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.aeads[v] = aead
	if v > k.current {
		k.current = v
	}
	return nil
}

// Seal encrypts plaintext for the given scope (broker id).
func (k *Keyring) Seal(scope, plaintext string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	aead, ok := k.aeads[k.current]
	if !ok {
		return "", ErrNoKeys
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(scope))
	return fmt.Sprintf("%s%d]:%s", sealedPrefix, k.current, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Reveal returns the plaintext of a sealed value. Values without the sealed
// prefix are returned unchanged.
func (k *Keyring) Reveal(scope, value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	var v int
	if _, err := fmt.Sscanf(value, sealedPrefix+"%d]:", &v); err != nil {
		return "", ErrMalformed
	}
	idx := strings.Index(value, "]:")
	data, err := base64.StdEncoding.DecodeString(value[idx+2:])
	if err != nil || len(data) < NonceSize {
		return "", ErrMalformed
	}

	k.mu.RLock()
	aead, ok := k.aeads[v]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, v)
	}
	plain, err := aead.Open(nil, data[:NonceSize], data[NonceSize:], []byte(scope))
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plain), nil
}

// Current returns the sealing key version, 0 when no key is loaded.
func (k *Keyring) Current() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// GenerateKey returns a new random base64 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
