package pagevault

import (
	"fmt"
	"io"
	"log/slog"
)

// SchemaVersion is the manifest schema version. It is also the trailing byte
// of every chunk AAD, so a manifest from a future schema cannot be spliced
// onto chunks produced under this one.
const SchemaVersion = uint8(1)

const (
	// ExportIDSize is the size of the per-archive identifier in bytes
	ExportIDSize = 16

	// KeySize is the size of the DEK and every KEK (AES-256)
	KeySize = 32

	// NonceSize is the AES-GCM nonce size
	NonceSize = 12

	// TagSize is the AES-GCM authentication tag size
	TagSize = 16

	// SaltSize is the per-slot KDF salt size
	SaltSize = 16

	// WrappedKeySize is the fixed size of a wrapped DEK (key + tag)
	WrappedKeySize = KeySize + TagSize
)

// Compression identifies how the payload was compressed before encryption
type Compression string

const (
	// CompressionDeflate is a raw DEFLATE stream spanning all chunks
	CompressionDeflate Compression = "deflate"
	// CompressionNone stores the payload as-is
	CompressionNone Compression = "none"
)

// Validate checks that the compression tag is known
func (c Compression) Validate() error {
	switch c {
	case CompressionDeflate, CompressionNone:
		return nil
	default:
		return &ConfigurationError{
			Field:   "compression",
			Value:   string(c),
			Message: "unsupported compression",
		}
	}
}

// SlotKind identifies which derivation a key slot expects
type SlotKind string

const (
	// SlotKindPassword slots are unlocked by a human password through Argon2id
	SlotKindPassword SlotKind = "password"
	// SlotKindRecovery slots are unlocked by a high-entropy recovery secret through HKDF
	SlotKindRecovery SlotKind = "recovery"
)

// String returns the string representation of the slot kind
func (k SlotKind) String() string {
	return string(k)
}

// KDFParams contains parameters for Argon2id key derivation
type KDFParams struct {
	Memory      uint32 `json:"memory_kib"`  // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 `json:"iterations"`  // Number of iterations (time parameter)
	Parallelism uint8  `json:"parallelism"` // Degree of parallelism
}

const (
	// MinKDFMemory is the lowest accepted Argon2id memory cost (64 MiB)
	MinKDFMemory = 64 * 1024
	// MinKDFIterations is the lowest accepted Argon2id time cost
	MinKDFIterations = 3
	// MinKDFParallelism is the lowest accepted Argon2id parallelism
	MinKDFParallelism = 4
)

// DefaultKDFParams returns the minimum accepted Argon2id cost
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Memory:      MinKDFMemory,
		Iterations:  MinKDFIterations,
		Parallelism: MinKDFParallelism,
	}
}

// Validate rejects parameters below the floor. Values are never clamped.
func (p KDFParams) Validate() error {
	if p.Memory < MinKDFMemory {
		return &ConfigurationError{
			Field:   "kdf.memory_kib",
			Value:   p.Memory,
			Message: fmt.Sprintf("memory cost %d KiB below minimum %d KiB", p.Memory, MinKDFMemory),
		}
	}
	if p.Iterations < MinKDFIterations {
		return &ConfigurationError{
			Field:   "kdf.iterations",
			Value:   p.Iterations,
			Message: fmt.Sprintf("time cost %d below minimum %d", p.Iterations, MinKDFIterations),
		}
	}
	if p.Parallelism < MinKDFParallelism {
		return &ConfigurationError{
			Field:   "kdf.parallelism",
			Value:   p.Parallelism,
			Message: fmt.Sprintf("parallelism %d below minimum %d", p.Parallelism, MinKDFParallelism),
		}
	}
	return nil
}

// SlotSpec names a credential to bind to the DEK
type SlotSpec struct {
	Label      string
	Credential Credential
}

// EncryptOptions contains configuration for producing an archive
type EncryptOptions struct {
	// ChunkSize is the plaintext size of every chunk but the last (default 8 MiB)
	ChunkSize int

	// KDF is the Argon2id cost recorded in the manifest
	KDF KDFParams

	// Compression is the tag describing the payload stream
	Compression Compression

	// Slots are the initial credentials, in order
	Slots []SlotSpec

	// Parallel controls concurrent chunk encryption
	Parallel ParallelConfig

	// Rand overrides the random source (crypto/rand when nil)
	Rand io.Reader

	// Logger receives progress records; nothing secret is ever logged
	Logger *slog.Logger
}

// DefaultEncryptOptions returns options with the default chunk size, KDF cost
// and deflate compression. Slots still have to be supplied.
func DefaultEncryptOptions() EncryptOptions {
	return EncryptOptions{
		ChunkSize:   DefaultChunkSize,
		KDF:         DefaultKDFParams(),
		Compression: CompressionDeflate,
		Parallel:    DefaultParallelConfig(),
	}
}

// Validate checks the options before any cryptographic work starts
func (o *EncryptOptions) Validate() error {
	if o == nil {
		return ErrNilConfig
	}
	if err := ValidateChunkSize(o.ChunkSize); err != nil {
		return err
	}
	if err := o.KDF.Validate(); err != nil {
		return err
	}
	if err := o.Compression.Validate(); err != nil {
		return err
	}
	if len(o.Slots) == 0 {
		return &ConfigurationError{
			Field:   "slots",
			Message: "at least one key slot is required",
		}
	}
	for i, s := range o.Slots {
		if s.Credential == nil {
			return &ConfigurationError{
				Field:   fmt.Sprintf("slots[%d].credential", i),
				Message: "credential cannot be nil",
			}
		}
		if err := s.Credential.validate(); err != nil {
			return err
		}
	}
	return o.Parallel.Validate()
}
