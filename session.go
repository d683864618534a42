package pagevault

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

// State is a step of the unlock and decrypt lifecycle
type State int

const (
	// StateAwaitingSecret is the state before a credential is supplied
	StateAwaitingSecret State = iota
	// StateDerivingKey is set while a slot's KEK is derived
	StateDerivingKey
	// StateUnwrappingDEK is set while a wrapped DEK is opened
	StateUnwrappingDEK
	// StateUnlocked means the session holds the DEK
	StateUnlocked
	// StateSlotExhausted means no slot accepted the credential
	StateSlotExhausted
	// StateStreamingChunks is set while Stream decrypts chunks
	StateStreamingChunks
	// StateComplete means every chunk was verified and the sink committed
	StateComplete
	// StateAborted means a failure or cancellation wiped the DEK
	StateAborted
	// StateLocked means Lock wiped the DEK
	StateLocked
)

var stateNames = [...]string{
	StateAwaitingSecret:  "awaiting-secret",
	StateDerivingKey:     "deriving-key",
	StateUnwrappingDEK:   "unwrapping-dek",
	StateUnlocked:        "unlocked",
	StateSlotExhausted:   "slot-exhausted",
	StateStreamingChunks: "streaming-chunks",
	StateComplete:        "complete",
	StateAborted:         "aborted",
	StateLocked:          "locked",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Session owns the DEK of one unlocked archive. The key sits in a memguard
// LockedBuffer and is destroyed on Lock or on the first fatal error.
type Session struct {
	id         string
	env        *Envelope // snapshot the DEK was unwrapped from
	unlockedAt time.Time
	logger     *slog.Logger

	mu    sync.Mutex
	dek   *memguard.LockedBuffer
	state State
}

// newSession takes ownership of dek; the slice is wiped
func newSession(env *Envelope, dek []byte, logger *slog.Logger) *Session {
	return &Session{
		id:         uuid.NewString(),
		env:        env.Clone(),
		unlockedAt: time.Now(),
		logger:     logger,
		dek:        memguard.NewBufferFromBytes(dek),
		state:      StateUnlocked,
	}
}

// ID returns a random identifier for log correlation
func (s *Session) ID() string { return s.id }

// ExportID returns the export id the session was unlocked against
func (s *Session) ExportID() []byte { return append([]byte(nil), s.env.ExportID...) }

// Envelope returns a copy of the snapshot the session was unlocked against
func (s *Session) Envelope() *Envelope { return s.env.Clone() }

// UnlockedAt returns when the slot was unwrapped
func (s *Session) UnlockedAt() time.Time { return s.unlockedAt }

// State returns the current session state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Live reports whether the DEK is still resident
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dek != nil
}

// Lock wipes the DEK. Calling it more than once is harmless.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dek == nil {
		return
	}
	s.dek.Destroy()
	s.dek = nil
	if s.state != StateAborted {
		s.state = StateLocked
	}
	s.logger.Debug("session locked", "session", s.id)
}

// fail wipes the DEK and marks the session aborted
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dek != nil {
		s.dek.Destroy()
		s.dek = nil
	}
	s.state = StateAborted
	s.logger.Warn("session aborted", "session", s.id, "error", err)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dek != nil {
		s.state = st
	}
}

// withDEK runs fn while holding the session, so Lock cannot race a use of
// the key
func (s *Session) withDEK(fn func(dek []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dek == nil {
		return &InvariantViolation{
			Invariant: "live-session",
			Message:   "the data key has been wiped",
			Err:       ErrSessionLocked,
		}
	}
	return fn(s.dek.Bytes())
}

// boundTo reports whether the session was unlocked against exportID
func (s *Session) boundTo(exportID []byte) bool {
	return bytes.Equal(s.env.ExportID, exportID)
}

// sameGeneration reports whether env was sealed under the session's DEK.
// Slot edits keep the generation; a key rotation starts a new one.
func (s *Session) sameGeneration(env *Envelope) bool {
	return s.boundTo(env.ExportID) && bytes.Equal(s.env.BaseNonce, env.BaseNonce)
}

// DecryptChunk authenticates and decrypts chunk index of env. A tag mismatch
// is a ChunkIntegrityError and locks the session.
func (s *Session) DecryptChunk(env *Envelope, index uint32, ciphertext []byte) ([]byte, error) {
	if err := ValidateChunkIndex(index, env.ChunkCount); err != nil {
		return nil, err
	}
	if len(env.ExportID) != ExportIDSize || len(env.BaseNonce) != NonceSize {
		return nil, NewCorruptionError(ManifestName, "envelope is missing export_id or base_nonce")
	}

	var plaintext []byte
	err := s.withDEK(func(dek []byte) error {
		engine, err := NewAESGCMEngine(dek)
		if err != nil {
			return err
		}
		pt, err := engine.Open(ChunkNonce(env.BaseNonce, index), ciphertext, ChunkAAD(env.ExportID, index))
		if err != nil {
			return NewChunkIntegrityError(index)
		}
		plaintext = pt
		return nil
	})
	if IsChunkIntegrityError(err) {
		s.fail(err)
	}
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}
