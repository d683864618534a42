package pagevault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// errTagMismatch is the only failure Open reports. Callers translate it into
// a slot miss or a ChunkIntegrityError depending on what was being opened.
var errTagMismatch = errors.New("message authentication failed")

// CipherEngine provides AEAD encryption/decryption with explicit nonce and AAD
type CipherEngine interface {
	// Seal encrypts plaintext and appends the authentication tag
	Seal(nonce, plaintext, aad []byte) ([]byte, error)

	// Open authenticates and decrypts ciphertext+tag
	Open(nonce, ciphertext, aad []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes
	NonceSize() int

	// Overhead returns the authentication tag size
	Overhead() int
}

// AESGCMEngine implements CipherEngine using AES-256-GCM
type AESGCMEngine struct {
	aead cipher.AEAD
}

// NewAESGCMEngine creates a new AES-256-GCM cipher engine
func NewAESGCMEngine(key []byte) (*AESGCMEngine, error) {
	if err := ValidateKey(key, KeySize); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESGCMEngine{aead: aead}, nil
}

// Seal encrypts plaintext using AES-256-GCM
func (e *AESGCMEngine) Seal(nonce, plaintext, aad []byte) ([]byte, error) {
	if err := ValidateNonce(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(plaintext)+e.Overhead())
	return e.aead.Seal(out, nonce, plaintext, aad), nil
}

// Open decrypts ciphertext using AES-256-GCM
func (e *AESGCMEngine) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if err := ValidateNonce(nonce); err != nil {
		return nil, err
	}
	if len(ciphertext) < e.Overhead() {
		return nil, errTagMismatch
	}

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, errTagMismatch
	}

	return plaintext, nil
}

// NonceSize returns the nonce size for AES-GCM (12 bytes)
func (e *AESGCMEngine) NonceSize() int {
	return e.aead.NonceSize()
}

// Overhead returns the authentication tag size (16 bytes)
func (e *AESGCMEngine) Overhead() int {
	return e.aead.Overhead()
}

// randomBytes reads n bytes from r (crypto/rand when nil). A short or failed
// read is a ResourceExhaustedError.
func randomBytes(r io.Reader, n int) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, &ResourceExhaustedError{Resource: "random source", Err: err}
	}
	return b, nil
}
