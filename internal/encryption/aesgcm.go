// Package encryption implements the at-rest AES-256-GCM wrapper the
// Credential Store uses to encrypt credential material (spec §6). This is
// the one component built on the standard library rather than a
// third-party dependency: crypto/aes + crypto/cipher + crypto/rand is the
// idiomatic Go way to do AES-GCM, and no library in the retrieved example
// pack reimplements the primitive rather than calling these same packages
// (see DESIGN.md).
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// Box encrypts and decrypts credential material with a single fixed key.
type Box struct {
	gcm cipher.AEAD
}

// New builds a Box from a 32-byte key.
func New(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Box{gcm: gcm}, nil
}

// Seal encrypts plaintext and returns "base64(iv):base64(tag):base64(ciphertext)"
// per the spec's wire format. Go's GCM seal appends the tag to the
// ciphertext, so it is split back out here to match that format exactly.
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := b.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	tagSize := b.gcm.Overhead()
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

// Open reverses Seal.
func (b *Box) Open(encoded string) (string, error) {
	parts := strings.SplitN(encoded, ":", 3)
	if len(parts) != 3 {
		return "", errors.New("malformed ciphertext: expected iv:tag:ciphertext")
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode tag: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	sealed := append(ciphertext, tag...)
	plaintext, err := b.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// LoadKey resolves the encryption key per §6: environment first, then the
// config field, else generate-and-persist to a mode-0600 file next to the
// database path.
func LoadKey(envValue, configValue, databasePath string) ([]byte, error) {
	if k := strings.TrimSpace(envValue); k != "" {
		return decodeKey(k)
	}
	if k := strings.TrimSpace(configValue); k != "" {
		return decodeKey(k)
	}

	dir := filepath.Dir(databasePath)
	if dir == "" {
		dir = "."
	}
	keyPath := filepath.Join(dir, "encryption.key")

	if data, err := os.ReadFile(keyPath); err == nil {
		return decodeKey(strings.TrimSpace(string(data)))
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	encoded := hex.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("persist encryption key: %w", err)
	}
	return key, nil
}

func decodeKey(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	if len(s) == KeySize {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("encryption key must decode to %d bytes (got %d hex chars)", KeySize, len(s))
}
