// Package crypto provides AES-256-GCM sealing for memory content at rest.
//
// Sealed payloads are framed as [version(1)] + [nonce(12)] + [ciphertext].
// The version byte lets a future key-rotation scheme coexist with data that
// was sealed under the current layout.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the GCM standard nonce size (12 bytes).
	NonceSize = 12
	// KeySize is the required key length for AES-256-GCM (32 bytes).
	KeySize = 32

	sealVersion byte = 1
)

var (
	ErrInvalidKeySize  = fmt.Errorf("key must be exactly %d bytes", KeySize)
	ErrSealedTooShort  = errors.New("sealed payload too short")
	ErrUnknownVersion  = errors.New("sealed payload has unknown version")
	ErrPayloadTampered = errors.New("sealed payload failed authentication")
)

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext with the given 32-byte key. aad is authenticated
// but not encrypted; pass the same value to Open.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 1+NonceSize, 1+NonceSize+len(plaintext)+gcm.Overhead())
	out[0] = sealVersion
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(out, out[1:], plaintext, aad), nil
}

// Open reverses Seal.
func Open(key, sealed, aad []byte) ([]byte, error) {
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < 1+NonceSize+gcm.Overhead() {
		return nil, ErrSealedTooShort
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, sealed[0])
	}

	nonce, data := sealed[1:1+NonceSize], sealed[1+NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, data, aad)
	if err != nil {
		return nil, ErrPayloadTampered
	}
	return plaintext, nil
}
