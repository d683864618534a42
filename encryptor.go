package pagevault

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"

	"github.com/awnumar/memguard"
)

func loggerOrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l
}

// Encrypt produces an archive from payload. The payload is compressed with
// opts.Compression, cut into opts.ChunkSize pieces and every piece is sealed
// under a fresh DEK. Chunks go to w in index order; the returned envelope
// holds one slot per opts.Slots entry. On any error no envelope is returned
// and whatever reached w must be discarded.
func Encrypt(ctx context.Context, payload io.Reader, opts EncryptOptions, w ChunkWriter) (*Envelope, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	for _, s := range opts.Slots {
		if err := ValidateLabel(s.Label); err != nil {
			return nil, err
		}
	}
	if w == nil {
		return nil, &ConfigurationError{Field: "writer", Message: "chunk writer cannot be nil"}
	}
	logger := loggerOrDiscard(opts.Logger)

	exportID, err := randomBytes(opts.Rand, ExportIDSize)
	if err != nil {
		return nil, err
	}
	dek, err := randomBytes(opts.Rand, KeySize)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(dek)
	baseNonce, err := randomBytes(opts.Rand, NonceSize)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Version:     SchemaVersion,
		ExportID:    exportID,
		KDF:         opts.KDF,
		Compression: opts.Compression,
		ChunkSize:   opts.ChunkSize,
		BaseNonce:   baseNonce,
	}
	logger.Info("export started", "export_id", env.ExportIDHex(), "chunk_size", env.ChunkSize, "compression", env.Compression)

	for i, spec := range opts.Slots {
		slot, err := wrapDEK(dek, exportID, uint32(i), spec, opts.KDF, opts.Rand)
		if err != nil {
			return nil, err
		}
		env.Slots = append(env.Slots, slot)
		logger.Debug("key slot wrapped", "slot", slot.ID, "kind", slot.Kind, "label", slot.Label)
	}

	pr, pw := io.Pipe()
	go func() {
		cw, err := newCompressor(pw, opts.Compression)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(cw, payload); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(cw.Close())
	}()

	s, err := newSealer(dek, env, opts.Parallel, w)
	if err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	count, err := s.run(ctx, pr)
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return nil, err
	}
	env.ChunkCount = count

	logger.Info("export sealed", "export_id", env.ExportIDHex(), "chunks", count, "slots", len(env.Slots))
	return env, nil
}

// EncryptBytes is Encrypt over an in-memory payload, returning the chunks in
// index order
func EncryptBytes(payload []byte, opts EncryptOptions) (*Envelope, [][]byte, error) {
	chunks := NewMemoryChunks()
	env, err := Encrypt(context.Background(), bytes.NewReader(payload), opts, chunks)
	if err != nil {
		return nil, nil, err
	}
	return env, chunks.Slice(), nil
}

// sealer cuts a stream into chunks and seals them in batches
type sealer struct {
	engine    CipherEngine
	exportID  []byte
	baseNonce []byte
	chunkSize int
	parallel  ParallelConfig
	w         ChunkWriter
}

func newSealer(dek []byte, env *Envelope, parallel ParallelConfig, w ChunkWriter) (*sealer, error) {
	engine, err := NewAESGCMEngine(dek)
	if err != nil {
		return nil, err
	}
	return &sealer{
		engine:    engine,
		exportID:  env.ExportID,
		baseNonce: env.BaseNonce,
		chunkSize: env.ChunkSize,
		parallel:  parallel,
		w:         w,
	}, nil
}

// run seals r until EOF and returns the number of chunks written
func (s *sealer) run(ctx context.Context, r io.Reader) (uint32, error) {
	batch := make([]chunkJob, 0, s.parallel.batchSize())

	flush := func() error {
		defer func() {
			for _, j := range batch {
				memguard.WipeBytes(j.plaintext)
			}
			batch = batch[:0]
		}()
		if err := sealChunks(s.engine, s.baseNonce, s.exportID, batch, s.parallel); err != nil {
			return err
		}
		for _, j := range batch {
			if err := s.w.WriteChunk(j.index, j.ciphertext); err != nil {
				return NewIOError("write", ChunkFileName(j.index), err)
			}
		}
		return nil
	}

	var index uint32
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		buf := make([]byte, s.chunkSize)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if index == math.MaxUint32 {
				return 0, &ConfigurationError{Field: "payload", Message: "payload needs more than 2^32-1 chunks"}
			}
			batch = append(batch, chunkJob{index: index, plaintext: buf[:n]})
			index++
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return 0, readError(err)
		}
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}

	if err := flush(); err != nil {
		return 0, err
	}
	return index, nil
}

// readError keeps typed errors from the chunk source intact and wraps
// anything else as payload I/O
func readError(err error) error {
	switch {
	case IsChunkIntegrityError(err), IsAuthenticationError(err), IsInvariantViolation(err),
		IsIOError(err), IsCorruptionError(err), IsConfigurationError(err),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return NewIOError("read", "payload", err)
	}
}

// wrapDEK seals dek for one credential under a fresh salt and nonce
func wrapDEK(dek, exportID []byte, id uint32, spec SlotSpec, params KDFParams, rand io.Reader) (KeySlot, error) {
	if err := ValidateLabel(spec.Label); err != nil {
		return KeySlot{}, err
	}
	salt, err := randomBytes(rand, SaltSize)
	if err != nil {
		return KeySlot{}, err
	}
	nonce, err := randomBytes(rand, NonceSize)
	if err != nil {
		return KeySlot{}, err
	}

	kek, err := spec.Credential.deriveKEK(salt, params)
	if err != nil {
		return KeySlot{}, err
	}
	defer memguard.WipeBytes(kek)

	engine, err := NewAESGCMEngine(kek)
	if err != nil {
		return KeySlot{}, err
	}
	wrapped, err := engine.Seal(nonce, dek, SlotAAD(exportID, id))
	if err != nil {
		return KeySlot{}, err
	}

	return KeySlot{
		ID:         id,
		Kind:       spec.Credential.Kind(),
		Label:      spec.Label,
		Salt:       salt,
		Nonce:      nonce,
		WrappedDEK: wrapped,
	}, nil
}
