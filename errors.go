package pagevault

import (
	"errors"
	"fmt"
)

// Error types represent different categories of errors. None of them ever
// carries key material, derived keys or secrets.

// ConfigurationError represents a parameter that was rejected before any
// cryptographic operation started
type ConfigurationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value (never a secret)
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// AuthenticationError is returned when no key slot accepts a credential.
// It deliberately carries no slot identifier.
type AuthenticationError struct {
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// ChunkIntegrityError represents an authentication tag mismatch on a payload chunk
type ChunkIntegrityError struct {
	ChunkIdx uint32 // Chunk index
	Message  string // Human-readable error message
	Err      error  // Underlying error
}

func (e *ChunkIntegrityError) Error() string {
	return fmt.Sprintf("chunk integrity error (chunk %d): %s", e.ChunkIdx, e.Message)
}

func (e *ChunkIntegrityError) Unwrap() error {
	return e.Err
}

// InvariantViolation represents an operation that would break an envelope invariant
type InvariantViolation struct {
	Invariant string // Short name of the invariant
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s: %s", e.Invariant, e.Message)
}

func (e *InvariantViolation) Unwrap() error {
	return e.Err
}

// ResourceExhaustedError represents a failure of the random source or of an
// allocation while producing an archive
type ResourceExhaustedError struct {
	Resource string // "random source", "memory", ...
	Err      error  // Underlying error
}

func (e *ResourceExhaustedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resource exhausted: %s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("resource exhausted: %s", e.Resource)
}

func (e *ResourceExhaustedError) Unwrap() error {
	return ErrResourceExhausted
}

// IOError represents an archive storage error
type IOError struct {
	Operation string // "read", "write", "open", "rename", etc.
	Path      string // File path
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CorruptionError represents a malformed manifest or archive layout
type CorruptionError struct {
	Path    string // File path
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrChunkIntegrity       = errors.New("chunk authentication failed - data may be corrupted or tampered")
	ErrResourceExhausted    = errors.New("resource exhausted")
	ErrLastSlot             = errors.New("cannot remove the last key slot")
	ErrSlotNotFound         = errors.New("key slot not found")
	ErrSessionLocked        = errors.New("session is locked")
	ErrSessionStale         = errors.New("session is not a live unlock of this envelope")
	ErrExportMismatch       = errors.New("export id does not match")
	ErrChunkOrder           = errors.New("chunk out of order or missing")
	ErrSnapshotSuperseded   = errors.New("manifest snapshot was superseded by a key rotation")
	ErrInvalidManifest      = errors.New("invalid manifest")
	ErrArchiveNotFound      = errors.New("archive not found")
	ErrCacheMiss            = errors.New("no cached copy for export id")
	ErrNilConfig            = errors.New("config cannot be nil")
	ErrNilBuffer            = errors.New("buffer cannot be nil")
	ErrInvalidKey           = errors.New("invalid encryption key")
)

// Helper functions for creating structured errors

// NewConfigurationError creates a new configuration error
func NewConfigurationError(field string, value any, message string) error {
	return &ConfigurationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewAuthenticationError creates the single outward authentication failure
func NewAuthenticationError() error {
	return &AuthenticationError{
		Message: "no key slot accepted the credential",
		Err:     ErrAuthenticationFailed,
	}
}

// NewChunkIntegrityError creates a new chunk integrity error
func NewChunkIntegrityError(index uint32) error {
	return &ChunkIntegrityError{
		ChunkIdx: index,
		Message:  "authentication tag mismatch",
		Err:      ErrChunkIntegrity,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(path string, message string) error {
	return &CorruptionError{
		Path:    path,
		Message: message,
		Err:     ErrInvalidManifest,
	}
}

// Error checking helpers

// IsConfigurationError checks if an error is a configuration error
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsChunkIntegrityError checks if an error is a chunk integrity error
func IsChunkIntegrityError(err error) bool {
	var ce *ChunkIntegrityError
	return errors.As(err, &ce)
}

// IsInvariantViolation checks if an error is an invariant violation
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

// IsResourceExhausted checks if an error is a resource exhaustion error
func IsResourceExhausted(err error) bool {
	var re *ResourceExhaustedError
	return errors.As(err, &re)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}
