package pagevault

import (
	"fmt"
)

// Input validation helpers

// ValidateBuffer checks if a buffer is valid (non-nil and has expected size)
func ValidateBuffer(buf []byte, name string, minSize int) error {
	if buf == nil {
		return &ConfigurationError{
			Field:   name,
			Message: "buffer cannot be nil",
			Err:     ErrNilBuffer,
		}
	}
	if minSize > 0 && len(buf) < minSize {
		return &ConfigurationError{
			Field:   name,
			Value:   len(buf),
			Message: fmt.Sprintf("buffer too small: got %d bytes, need at least %d bytes", len(buf), minSize),
		}
	}
	return nil
}

// ValidateSize checks if a size parameter is valid
func ValidateSize(size int, name string, minSize, maxSize int) error {
	if size < 0 {
		return &ConfigurationError{
			Field:   name,
			Value:   size,
			Message: "size cannot be negative",
		}
	}
	if minSize >= 0 && size < minSize {
		return &ConfigurationError{
			Field:   name,
			Value:   size,
			Message: fmt.Sprintf("size too small: got %d, minimum is %d", size, minSize),
		}
	}
	if maxSize > 0 && size > maxSize {
		return &ConfigurationError{
			Field:   name,
			Value:   size,
			Message: fmt.Sprintf("size too large: got %d, maximum is %d", size, maxSize),
		}
	}
	return nil
}

// ValidateNonce checks that a nonce is exactly NonceSize bytes
func ValidateNonce(nonce []byte) error {
	if nonce == nil {
		return &ConfigurationError{
			Field:   "nonce",
			Message: "nonce cannot be nil",
		}
	}
	if len(nonce) != NonceSize {
		return &ConfigurationError{
			Field:   "nonce",
			Value:   len(nonce),
			Message: fmt.Sprintf("invalid nonce size: got %d bytes, expected %d bytes", len(nonce), NonceSize),
		}
	}
	return nil
}

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ConfigurationError{
			Field:   "key",
			Message: "key cannot be nil",
			Err:     ErrInvalidKey,
		}
	}
	if len(key) != expectedSize {
		return &ConfigurationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
			Err:     ErrInvalidKey,
		}
	}
	return nil
}

// ValidateChunkIndex checks that a chunk index is below the chunk count
func ValidateChunkIndex(index, count uint32) error {
	if index >= count {
		return &ConfigurationError{
			Field:   "chunk_index",
			Value:   index,
			Message: fmt.Sprintf("chunk index %d out of range (count: %d)", index, count),
		}
	}
	return nil
}

// ValidateLabel checks a key slot label
func ValidateLabel(label string) error {
	if label == "" {
		return &ConfigurationError{
			Field:   "label",
			Message: "slot label cannot be empty",
		}
	}
	if len(label) > 128 {
		return &ConfigurationError{
			Field:   "label",
			Value:   len(label),
			Message: "slot label longer than 128 bytes",
		}
	}
	return nil
}
