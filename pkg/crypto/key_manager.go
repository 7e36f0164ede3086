package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKeyNotFound  = errors.New("encryption key not found")
	ErrKeyNotLoaded = errors.New("key manager not initialized")
)

// EnvKeyPrefix names the variables holding base64 master keys:
// MASTER_ENCRYPTION_KEY is version 1, MASTER_ENCRYPTION_KEY_V2 version 2, and so on.
const EnvKeyPrefix = "MASTER_ENCRYPTION_KEY"

const maxKeyVersion = 10

// KeyManager holds every loaded key version. New values are sealed with the
// highest version; older versions stay available for Open during rotation.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyManager builds a manager from raw keys indexed by version.
func NewKeyManager(keys map[int][]byte) (*KeyManager, error) {
	km := &KeyManager{encryptors: make(map[int]*Encryptor, len(keys))}
	for v, key := range keys {
		enc, err := NewEncryptor(key, v)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", v, err)
		}
		km.encryptors[v] = enc
		if v > km.currentVer {
			km.currentVer = v
		}
	}
	if km.currentVer == 0 {
		return nil, ErrKeyNotFound
	}
	return km, nil
}

// LoadKeyManager reads master keys from the environment. Version 1 is required.
func LoadKeyManager() (*KeyManager, error) {
	keys := make(map[int][]byte)
	for v := 1; v <= maxKeyVersion; v++ {
		name := EnvKeyPrefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", EnvKeyPrefix, v)
		}
		raw := os.Getenv(name)
		if raw == "" {
			if v == 1 {
				return nil, fmt.Errorf("%s: %w", name, ErrKeyNotFound)
			}
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		keys[v] = key
	}
	return NewKeyManager(keys)
}

// Seal encrypts plaintext with the current key version.
func (km *KeyManager) Seal(plaintext, scope string) (string, int, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	enc, ok := km.encryptors[km.currentVer]
	if !ok {
		return "", 0, ErrKeyNotLoaded
	}
	out, err := enc.Seal(plaintext, scope)
	return out, km.currentVer, err
}

// Open decrypts ciphertext with the key version recorded in its prefix.
func (km *KeyManager) Open(ciphertext, scope string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	enc, ok := km.encryptors[version]
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return enc.Open(ciphertext, scope)
}

// Reseal re-encrypts ciphertext under the current key version.
func (km *KeyManager) Reseal(ciphertext, scope string) (string, int, error) {
	plaintext, err := km.Open(ciphertext, scope)
	if err != nil {
		return "", 0, fmt.Errorf("open for reseal: %w", err)
	}
	return km.Seal(plaintext, scope)
}

// CurrentVersion returns the version new values are sealed with.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}

// GenerateKey returns a random base64 AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
