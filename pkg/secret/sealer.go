// Package secret seals bot credentials for storage. Values live in the
// registry as AES-256-GCM ciphertext and are opened only while building
// the payload of an FSM invocation.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrBadKey is returned when the sealing key is not 32 bytes of hex.
var ErrBadKey = errors.New("sealing key must be 64 hex characters (32 bytes)")

// Sealer seals and opens individual credential values.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a sealer from a hex-encoded 32-byte key.
func NewSealer(hexKey string) (*Sealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts one value. The nonce is prepended to the ciphertext and
// the whole token is base64-encoded for storage in a text column.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts one sealed token.
func (s *Sealer) Open(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("open: token too short")
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plain), nil
}

// OpenAll decrypts a credential map, leaving the stored values untouched.
func (s *Sealer) OpenAll(sealed map[string]string) (map[string]string, error) {
	if len(sealed) == 0 {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(sealed))
	for name, token := range sealed {
		plain, err := s.Open(token)
		if err != nil {
			return nil, fmt.Errorf("credential %s: %w", name, err)
		}
		out[name] = plain
	}
	return out, nil
}

// SealAll encrypts a credential map.
func (s *Sealer) SealAll(plain map[string]string) (map[string]string, error) {
	if len(plain) == 0 {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(plain))
	for name, value := range plain {
		token, err := s.Seal(value)
		if err != nil {
			return nil, fmt.Errorf("credential %s: %w", name, err)
		}
		out[name] = token
	}
	return out, nil
}
