package crypto

import (
	"encoding/base64"
	"errors"
	"testing"
)

func testKey(seed byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i) + seed
	}
	return key
}

func TestSealOpen(t *testing.T) {
	enc, err := NewEncryptor(testKey(0), 1)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"api_key", "abc123XYZ789"},
		{"long", "a fairly long api secret issued by the venue for the trading account"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := enc.Seal(tt.plaintext, "acc-1")
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if ParseVersion(sealed) != 1 {
				t.Fatalf("ciphertext missing version prefix: %s", sealed)
			}
			opened, err := enc.Open(sealed, "acc-1")
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if opened != tt.plaintext {
				t.Errorf("opened = %q, want %q", opened, tt.plaintext)
			}
		})
	}
}

func TestOpenRejectsOtherScope(t *testing.T) {
	enc, _ := NewEncryptor(testKey(0), 1)
	sealed, _ := enc.Seal("secret", "acc-1")
	if _, err := enc.Open(sealed, "acc-2"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	enc, _ := NewEncryptor(testKey(0), 1)
	c1, _ := enc.Seal("same-api-key", "acc-1")
	c2, _ := enc.Seal("same-api-key", "acc-1")
	if c1 == c2 {
		t.Error("expected different ciphertexts for same plaintext")
	}
}

func TestInvalidKey(t *testing.T) {
	if _, err := NewEncryptor([]byte("short"), 1); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := NewEncryptor(testKey(0), 0); err == nil {
		t.Error("expected error for version 0")
	}
}

func TestOpenInvalidCiphertext(t *testing.T) {
	enc, _ := NewEncryptor(testKey(0), 1)

	invalids := []string{
		"",
		"not-encrypted",
		"ENC[v1]:",
		"ENC[v1]:!!!invalid",
		"ENC[v2]:AAAA",
	}
	for _, invalid := range invalids {
		if _, err := enc.Open(invalid, "acc-1"); err == nil {
			t.Errorf("expected error for invalid ciphertext: %s", invalid)
		}
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		ciphertext string
		expected   int
	}{
		{"ENC[v1]:data", 1},
		{"ENC[v2]:data", 2},
		{"ENC[v10]:data", 10},
		{"invalid", 0},
		{"ENC[vX]:data", 0},
		{"ENC[v3]", 0},
	}

	for _, tt := range tests {
		if got := ParseVersion(tt.ciphertext); got != tt.expected {
			t.Errorf("ParseVersion(%q) = %d, want %d", tt.ciphertext, got, tt.expected)
		}
	}
}

func TestKeyManagerRotation(t *testing.T) {
	old, err := NewKeyManager(map[int][]byte{1: testKey(0)})
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	sealed, v, err := old.Seal("secret", "acc-1")
	if err != nil || v != 1 {
		t.Fatalf("Seal = v%d, %v", v, err)
	}

	rotated, err := NewKeyManager(map[int][]byte{1: testKey(0), 2: testKey(7)})
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	if rotated.CurrentVersion() != 2 {
		t.Fatalf("current version = %d, want 2", rotated.CurrentVersion())
	}
	if got, err := rotated.Open(sealed, "acc-1"); err != nil || got != "secret" {
		t.Fatalf("Open old value = %q, %v", got, err)
	}
	resealed, v, err := rotated.Reseal(sealed, "acc-1")
	if err != nil || v != 2 || ParseVersion(resealed) != 2 {
		t.Fatalf("Reseal = %q v%d, %v", resealed, v, err)
	}
	if _, err := old.Open(resealed, "acc-1"); err == nil {
		t.Fatal("old manager must not open a v2 value")
	}
}

func TestLoadKeyManagerFromEnv(t *testing.T) {
	t.Setenv(EnvKeyPrefix, "")
	if _, err := LoadKeyManager(); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	t.Setenv(EnvKeyPrefix, base64.StdEncoding.EncodeToString(testKey(0)))
	t.Setenv(EnvKeyPrefix+"_V3", base64.StdEncoding.EncodeToString(testKey(3)))
	km, err := LoadKeyManager()
	if err != nil {
		t.Fatalf("LoadKeyManager: %v", err)
	}
	if km.CurrentVersion() != 3 {
		t.Fatalf("current version = %d, want 3", km.CurrentVersion())
	}

	generated, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if raw, _ := base64.StdEncoding.DecodeString(generated); len(raw) != KeySize {
		t.Fatalf("generated key has %d bytes", len(raw))
	}
}
