package pagevault

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/awnumar/memguard"
)

// KeyRotationOptions contains options for key rotation operations
type KeyRotationOptions struct {
	// NewSlots are the credentials bound to the new DEK. Old slots are dropped.
	NewSlots []SlotSpec

	// KDF replaces the recorded Argon2id cost when non-zero
	KDF KDFParams

	// Parallel controls concurrent re-encryption
	Parallel ParallelConfig

	// Rand overrides the random source (crypto/rand when nil)
	Rand io.Reader

	// DryRun authenticates every chunk under the old key without writing
	DryRun bool

	// Logger receives progress records
	Logger *slog.Logger
}

// Validate checks the options before the old credential is tried
func (o *KeyRotationOptions) Validate() error {
	if len(o.NewSlots) == 0 && !o.DryRun {
		return &ConfigurationError{Field: "new_slots", Message: "at least one key slot is required"}
	}
	for i, s := range o.NewSlots {
		if s.Credential == nil {
			return &ConfigurationError{
				Field:   fmt.Sprintf("new_slots[%d].credential", i),
				Message: "credential cannot be nil",
			}
		}
		if err := s.Credential.validate(); err != nil {
			return err
		}
		if err := ValidateLabel(s.Label); err != nil {
			return err
		}
	}
	if o.KDF != (KDFParams{}) {
		if err := o.KDF.Validate(); err != nil {
			return err
		}
	}
	return o.Parallel.Validate()
}

// Rotate unwraps the DEK with oldCred, then re-encrypts every chunk of src
// under a brand-new DEK and base nonce, writing them to dst in order. The
// returned envelope keeps the export id and carries only opts.NewSlots. The
// old DEK is wiped before Rotate returns.
func Rotate(ctx context.Context, env *Envelope, src ChunkSource, dst ChunkWriter, oldCred Credential, opts KeyRotationOptions) (*Envelope, error) {
	if env == nil {
		return nil, ErrNilConfig
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := loggerOrDiscard(opts.Logger)

	sess, err := NewUnlocker(logger).Unlock(ctx, env, oldCred)
	if err != nil {
		return nil, err
	}
	defer sess.Lock()

	if opts.DryRun {
		if err := VerifyChunks(ctx, sess, env, src); err != nil {
			return nil, err
		}
		logger.Info("rotation dry run verified", "export_id", env.ExportIDHex(), "chunks", env.ChunkCount)
		return env.Clone(), nil
	}
	if dst == nil {
		return nil, &ConfigurationError{Field: "writer", Message: "chunk writer cannot be nil"}
	}

	next := env.Clone()
	if opts.KDF != (KDFParams{}) {
		next.KDF = opts.KDF
	}

	dek, err := randomBytes(opts.Rand, KeySize)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(dek)
	if next.BaseNonce, err = randomBytes(opts.Rand, NonceSize); err != nil {
		return nil, err
	}
	next.Payload = GenerationDir(next.BaseNonce)

	next.Slots = next.Slots[:0]
	for i, spec := range opts.NewSlots {
		slot, err := wrapDEK(dek, next.ExportID, uint32(i), spec, next.KDF, opts.Rand)
		if err != nil {
			return nil, err
		}
		next.Slots = append(next.Slots, slot)
	}

	s, err := newSealer(dek, next, opts.Parallel, dst)
	if err != nil {
		return nil, err
	}
	r := &chunkReader{ctx: ctx, sess: sess, env: env, src: src}
	defer r.wipe()
	count, err := s.run(ctx, r)
	if err != nil {
		return nil, err
	}
	if count != env.ChunkCount {
		return nil, NewCorruptionError(PayloadDir, fmt.Sprintf("re-encrypted %d chunks, manifest declares %d", count, env.ChunkCount))
	}

	logger.Info("keys rotated", "export_id", next.ExportIDHex(), "chunks", count, "slots", len(next.Slots))
	return next, nil
}

// VerifyChunks authenticates every chunk of src in order without keeping any
// plaintext
func VerifyChunks(ctx context.Context, sess *Session, env *Envelope, src ChunkSource) error {
	for i := uint32(0); i < env.ChunkCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ct, err := src.ReadChunk(ctx, i)
		if err != nil {
			return err
		}
		pt, err := sess.DecryptChunk(env, i, ct)
		if err != nil {
			return err
		}
		memguard.WipeBytes(pt)
	}
	return nil
}

// chunkReader yields the decrypted chunk stream of env in index order
type chunkReader struct {
	ctx  context.Context
	sess *Session
	env  *Envelope
	src  ChunkSource

	next uint32
	pt   []byte // current chunk, wiped once drained
	buf  []byte // unread tail of pt
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		r.wipe()
		if r.next >= r.env.ChunkCount {
			return 0, io.EOF
		}
		ct, err := r.src.ReadChunk(r.ctx, r.next)
		if err != nil {
			return 0, err
		}
		pt, err := r.sess.DecryptChunk(r.env, r.next, ct)
		if err != nil {
			return 0, err
		}
		r.pt, r.buf = pt, pt
		r.next++
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) wipe() {
	if r.pt != nil {
		memguard.WipeBytes(r.pt)
		r.pt, r.buf = nil, nil
	}
}
