package settings

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrSealerDisabled = errors.New("settings: SETTINGS_KEY is not configured")

// Sealer encrypts secrets at rest with XChaCha20-Poly1305. Output is nonce || ciphertext.
type Sealer struct {
	key []byte
}

// NewSealer takes a hex encoded 32 byte key.
func NewSealer(hexKey string) (*Sealer, error) {
	if hexKey == "" {
		return nil, ErrSealerDisabled
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("settings key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("settings key: want %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: key}, nil
}

func (s *Sealer) Seal(plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (s *Sealer) Open(sealed []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return "", errors.New("settings: sealed value too short")
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("settings: open sealed value: %w", err)
	}
	return string(pt), nil
}
