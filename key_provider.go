package pagevault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// RecoveryKEKInfo is the HKDF domain-separation label for recovery slots
	RecoveryKEKInfo = "pagevault/recovery-kek/v1"

	// MinRecoverySecretSize is the shortest accepted recovery secret (128 bits)
	MinRecoverySecretSize = 16

	// RecoverySecretSize is the size of generated recovery secrets
	RecoverySecretSize = 32
)

// DeriveKEK derives a 32-byte key-encryption key from a human password with
// Argon2id. Identical inputs always give the identical key.
func DeriveKEK(secret, salt []byte, params KDFParams) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, &ConfigurationError{Field: "password", Message: "password cannot be empty"}
	}
	if err := ValidateBuffer(salt, "salt", 1); err != nil {
		return nil, err
	}

	return argon2.IDKey(
		secret,
		salt,
		params.Iterations,
		params.Memory,
		params.Parallelism,
		KeySize,
	), nil
}

// DeriveKEKFromSecretMaterial derives a 32-byte key with HKDF-SHA256. Only
// for secrets that already carry at least 128 bits of entropy.
func DeriveKEKFromSecretMaterial(secret, salt []byte, info string) ([]byte, error) {
	if len(secret) < MinRecoverySecretSize {
		return nil, &ConfigurationError{
			Field:   "secret",
			Value:   len(secret),
			Message: fmt.Sprintf("secret material must be at least %d bytes", MinRecoverySecretSize),
		}
	}
	if info == "" {
		return nil, &ConfigurationError{
			Field:   "info",
			Message: "domain separation label cannot be empty",
		}
	}

	kek := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), kek); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}
	return kek, nil
}

// Credential is a secret that can be turned into a KEK for slots of one kind
type Credential interface {
	// Kind returns the slot kind this credential unlocks
	Kind() SlotKind

	// Wipe zeroes the credential's copy of the secret
	Wipe()

	deriveKEK(salt []byte, params KDFParams) ([]byte, error)
	validate() error
}

type passwordCredential struct {
	secret []byte
}

// Password returns a credential for password slots. The secret is copied.
func Password(password []byte) Credential {
	return &passwordCredential{secret: append([]byte(nil), password...)}
}

func (p *passwordCredential) Kind() SlotKind { return SlotKindPassword }

func (p *passwordCredential) Wipe() { memguard.WipeBytes(p.secret) }

func (p *passwordCredential) deriveKEK(salt []byte, params KDFParams) ([]byte, error) {
	return DeriveKEK(p.secret, salt, params)
}

func (p *passwordCredential) validate() error {
	if len(p.secret) == 0 {
		return &ConfigurationError{
			Field:   "password",
			Message: "password cannot be empty",
		}
	}
	return nil
}

type recoveryCredential struct {
	secret []byte
}

// RecoverySecret returns a credential for recovery slots. The secret is copied.
func RecoverySecret(secret []byte) Credential {
	return &recoveryCredential{secret: append([]byte(nil), secret...)}
}

func (r *recoveryCredential) Kind() SlotKind { return SlotKindRecovery }

func (r *recoveryCredential) Wipe() { memguard.WipeBytes(r.secret) }

func (r *recoveryCredential) deriveKEK(salt []byte, _ KDFParams) ([]byte, error) {
	return DeriveKEKFromSecretMaterial(r.secret, salt, RecoveryKEKInfo)
}

func (r *recoveryCredential) validate() error {
	if len(r.secret) < MinRecoverySecretSize {
		return &ConfigurationError{
			Field:   "recovery_secret",
			Value:   len(r.secret),
			Message: fmt.Sprintf("recovery secret must be at least %d bytes", MinRecoverySecretSize),
		}
	}
	return nil
}

// GenerateRecoverySecret returns a fresh 256-bit recovery secret
func GenerateRecoverySecret(rand io.Reader) ([]byte, error) {
	return randomBytes(rand, RecoverySecretSize)
}

// FormatRecoverySecret renders a recovery secret as dash-separated groups of
// eight hex digits
func FormatRecoverySecret(secret []byte) string {
	h := hex.EncodeToString(secret)
	var b strings.Builder
	for i := 0; i < len(h); i += 8 {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + 8
		if end > len(h) {
			end = len(h)
		}
		b.WriteString(h[i:end])
	}
	return b.String()
}

// ParseRecoverySecret reverses FormatRecoverySecret. Dashes and whitespace
// are ignored.
func ParseRecoverySecret(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)

	secret, err := hex.DecodeString(strings.ToLower(cleaned))
	if err != nil {
		return nil, &ConfigurationError{
			Field:   "recovery_secret",
			Message: "recovery secret is not valid hex",
		}
	}
	if len(secret) < MinRecoverySecretSize {
		return nil, &ConfigurationError{
			Field:   "recovery_secret",
			Value:   len(secret),
			Message: fmt.Sprintf("recovery secret must be at least %d bytes", MinRecoverySecretSize),
		}
	}
	return secret, nil
}
