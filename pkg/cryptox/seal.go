package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ErrOpen is returned when sealed data fails authentication, either because
// it was tampered with or because it was sealed under a different key.
var ErrOpen = errors.New("cryptox: unable to open sealed data")

// Sealer encrypts small blobs (token documents) with AES-256-GCM.
// Output format is: [12-byte nonce][ciphertext][16-byte auth tag]
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 32-byte AES key from keyMaterial with HKDF-SHA256.
// info binds the key to one purpose so the same material can be reused for
// different stores without sharing a key.
func NewSealer(keyMaterial []byte, info string) (*Sealer, error) {
	if len(keyMaterial) == 0 {
		return nil, errors.New("cryptox: empty key material")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, keyMaterial, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Sealer{aead: gcm}, nil
}

// Seal encrypts and authenticates plaintext with a random nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrOpen)
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	return plaintext, nil
}

// LoadOrCreateKeyMaterial returns master key material for sealing. When value
// is set it is used directly. Otherwise the key file at path is read, and if
// it does not exist a random 256-bit key is written there with 0600
// permissions.
func LoadOrCreateKeyMaterial(value, path string) ([]byte, error) {
	if value != "" {
		return []byte(value), nil
	}
	if path == "" {
		return nil, errors.New("cryptox: no master key or key file configured")
	}

	data, err := os.ReadFile(path)
	if err == nil {
		key := strings.TrimSpace(string(data))
		if key == "" {
			return nil, fmt.Errorf("master key file %s is empty", path)
		}
		return []byte(key), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read master key file: %w", err)
	}

	key, err := GenerateToken(TokenSize256)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write master key file: %w", err)
	}
	return []byte(key), nil
}
