package pagevault

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
)

// Unlocker turns a credential into a Session by trying the envelope's key
// slots. It keeps the state of its last attempt for progress reporting.
type Unlocker struct {
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

// NewUnlocker creates an unlocker. A nil logger discards.
func NewUnlocker(logger *slog.Logger) *Unlocker {
	return &Unlocker{logger: loggerOrDiscard(logger)}
}

// State returns the state of the current or last attempt
func (u *Unlocker) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *Unlocker) setState(s State) {
	u.mu.Lock()
	u.state = s
	u.mu.Unlock()
}

// slotResult is the outcome of one slot attempt
type slotResult struct {
	dek []byte
	err error
}

// Unlock tries every slot whose kind matches cred. Key derivation runs to
// completion once started; ctx is only checked between slots. When no slot
// accepts the credential the error is always a bare AuthenticationError.
func (u *Unlocker) Unlock(ctx context.Context, env *Envelope, cred Credential) (*Session, error) {
	u.setState(StateAwaitingSecret)
	if env == nil {
		return nil, ErrNilConfig
	}
	if cred == nil {
		return nil, &ConfigurationError{Field: "credential", Message: "credential cannot be nil"}
	}
	if err := cred.validate(); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	for _, slot := range env.Slots {
		if slot.Kind != cred.Kind() {
			continue
		}
		if err := ctx.Err(); err != nil {
			u.setState(StateAborted)
			return nil, err
		}

		res := u.attempt(slot, env, cred)
		if res.err == nil {
			u.setState(StateUnlocked)
			sess := newSession(env, res.dek, u.logger)
			u.logger.Info("archive unlocked", "export_id", env.ExportIDHex(), "session", sess.ID())
			return sess, nil
		}
		if !errors.Is(res.err, errTagMismatch) {
			u.setState(StateAborted)
			return nil, res.err
		}
	}

	u.setState(StateSlotExhausted)
	u.logger.Info("unlock failed", "export_id", env.ExportIDHex())
	return nil, NewAuthenticationError()
}

func (u *Unlocker) attempt(slot KeySlot, env *Envelope, cred Credential) slotResult {
	u.setState(StateDerivingKey)
	kek, err := cred.deriveKEK(slot.Salt, env.KDF)
	if err != nil {
		return slotResult{err: err}
	}
	defer memguard.WipeBytes(kek)

	u.setState(StateUnwrappingDEK)
	engine, err := NewAESGCMEngine(kek)
	if err != nil {
		return slotResult{err: err}
	}
	dek, err := engine.Open(slot.Nonce, slot.WrappedDEK, SlotAAD(env.ExportID, slot.ID))
	if err != nil {
		return slotResult{err: errTagMismatch}
	}
	return slotResult{dek: dek}
}

// Unlock is NewUnlocker(nil).Unlock
func Unlock(ctx context.Context, env *Envelope, cred Credential) (*Session, error) {
	return NewUnlocker(nil).Unlock(ctx, env, cred)
}
