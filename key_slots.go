package pagevault

import (
	"fmt"
	"io"
	"time"
)

// SessionFreshness is how long after unlocking a session may still authorize
// slot mutations. Older sessions must unlock again first.
var SessionFreshness = 5 * time.Minute

// AddSlot returns a copy of env with one more slot wrapping the DEK held by
// sess. The session must have been unlocked against env within
// SessionFreshness; a new credential alone can never mint a slot. Chunks are
// not touched and env itself is left unchanged.
func AddSlot(sess *Session, env *Envelope, spec SlotSpec, rand io.Reader) (*Envelope, error) {
	if env == nil {
		return nil, ErrNilConfig
	}
	if spec.Credential == nil {
		return nil, &ConfigurationError{Field: "credential", Message: "credential cannot be nil"}
	}
	if err := spec.Credential.validate(); err != nil {
		return nil, err
	}
	if err := ValidateLabel(spec.Label); err != nil {
		return nil, err
	}
	if err := checkSession(sess, env); err != nil {
		return nil, err
	}

	next := env.Clone()
	id := next.nextSlotID()
	var slot KeySlot
	err := sess.withDEK(func(dek []byte) error {
		var err error
		slot, err = wrapDEK(dek, next.ExportID, id, spec, next.KDF, rand)
		return err
	})
	if err != nil {
		return nil, err
	}
	next.Slots = append(next.Slots, slot)

	sess.logger.Info("key slot added", "export_id", next.ExportIDHex(), "slot", id, "kind", slot.Kind, "label", slot.Label)
	return next, nil
}

// checkSession requires a live, recent unlock of env
func checkSession(sess *Session, env *Envelope) error {
	if sess == nil {
		return &InvariantViolation{
			Invariant: "live-session",
			Message:   "slot mutation requires an unlocked session",
			Err:       ErrSessionStale,
		}
	}
	if !sess.boundTo(env.ExportID) {
		return &InvariantViolation{
			Invariant: "live-session",
			Message:   "session was unlocked against a different archive",
			Err:       ErrExportMismatch,
		}
	}
	if !sess.sameGeneration(env) {
		return &InvariantViolation{
			Invariant: "live-session",
			Message:   "session predates a key rotation; unlock again",
			Err:       ErrSessionStale,
		}
	}
	if !sess.Live() {
		return &InvariantViolation{
			Invariant: "live-session",
			Message:   "session is locked",
			Err:       ErrSessionLocked,
		}
	}
	if time.Since(sess.UnlockedAt()) > SessionFreshness {
		return &InvariantViolation{
			Invariant: "live-session",
			Message:   fmt.Sprintf("session is older than %s; unlock again", SessionFreshness),
			Err:       ErrSessionStale,
		}
	}
	return nil
}

// RevokeSlot returns a copy of env without slot id. Removing the last slot
// is refused and env is left unchanged either way.
func RevokeSlot(env *Envelope, id uint32) (*Envelope, error) {
	if env == nil {
		return nil, ErrNilConfig
	}
	if _, ok := env.Slot(id); !ok {
		return nil, &ConfigurationError{
			Field:   "slot_id",
			Value:   id,
			Message: fmt.Sprintf("no key slot with id %d", id),
			Err:     ErrSlotNotFound,
		}
	}
	if len(env.Slots) == 1 {
		return nil, &InvariantViolation{
			Invariant: "min-one-slot",
			Message:   "an envelope must keep at least one key slot",
			Err:       ErrLastSlot,
		}
	}

	next := env.Clone()
	kept := next.Slots[:0]
	for _, s := range next.Slots {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	next.Slots = kept
	return next, nil
}
