package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"strata/pkg/dberrors"
)

const (
	NonceSize = 12 // GCM standard nonce size
	TagSize   = 16 // GCM authentication tag size
	KeySize   = 32 // AES-256 key size
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = fmt.Errorf("%w: ciphertext too short", dberrors.ErrIntegrity)
	ErrDecryptFailed     = fmt.Errorf("%w: authentication failed", dberrors.ErrIntegrity)
)

// BlockCipher seals raw blocks before they reach disk and opens them on the way back.
type BlockCipher interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
	// Overhead is the number of bytes Seal adds.
	Overhead() int
	Enabled() bool
}

// Passthrough stores blocks unencrypted.
type Passthrough struct{}

func (Passthrough) Seal(plain []byte) ([]byte, error)  { return plain, nil }
func (Passthrough) Open(sealed []byte) ([]byte, error) { return sealed, nil }
func (Passthrough) Overhead() int                      { return 0 }
func (Passthrough) Enabled() bool                      { return false }

// AESGCM seals blocks with AES-256-GCM and a random per-block nonce.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM creates a cipher from a 32-byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &AESGCM{aead: gcm}, nil
}

// Seal returns nonce || ciphertext || tag.
func (c *AESGCM) Seal(plain []byte) ([]byte, error) {
	out := make([]byte, NonceSize, NonceSize+len(plain)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return c.aead.Seal(out, out[:NonceSize], plain, nil), nil
}

// Open verifies and decrypts a sealed block.
func (c *AESGCM) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}

	plain, err := c.aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

func (c *AESGCM) Overhead() int { return NonceSize + TagSize }

func (c *AESGCM) Enabled() bool { return true }

// GenerateKey generates a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
