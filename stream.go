package pagevault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
)

// streamBufferSize is the read size between the decompressor and the sink
const streamBufferSize = 64 * 1024

// fetched is one chunk handed from the fetch goroutine to the decrypt stage
type fetched struct {
	index uint32
	data  []byte
	err   error
}

// Stream decrypts every chunk of env from src in index order, decompresses
// the joined stream and writes it to sink. The fetcher runs at most one
// chunk ahead of the chunk being decrypted. Only authenticated bytes reach
// the sink; on any failure or cancellation the sink is aborted and the
// session is wiped. An env from another key generation than the session's
// is refused before any chunk is read.
func (s *Session) Stream(ctx context.Context, env *Envelope, src ChunkSource, sink Sink) (err error) {
	if env == nil || src == nil || sink == nil {
		return ErrNilConfig
	}
	if !s.Live() {
		return &InvariantViolation{Invariant: "live-session", Message: "session is locked", Err: ErrSessionLocked}
	}
	if s.boundTo(env.ExportID) && !s.sameGeneration(env) {
		return &InvariantViolation{
			Invariant: "live-session",
			Message:   "envelope belongs to another key generation; unlock it again",
			Err:       ErrSessionStale,
		}
	}
	s.setState(StateStreamingChunks)
	s.logger.Debug("stream started", "session", s.id, "export_id", env.ExportIDHex(), "chunks", env.ChunkCount)

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	var wg sync.WaitGroup

	defer func() {
		pr.CloseWithError(io.ErrClosedPipe)
		cancel()
		wg.Wait()
		if err != nil {
			if aerr := sink.Abort(); aerr != nil {
				err = errors.Join(err, aerr)
			}
			s.fail(err)
			return
		}
		s.setState(StateComplete)
		s.logger.Info("stream complete", "session", s.id, "export_id", env.ExportIDHex())
	}()

	chunks := make(chan fetched)

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(chunks)
		for i := uint32(0); i < env.ChunkCount; i++ {
			data, err := src.ReadChunk(ctx, i)
			select {
			case chunks <- fetched{index: i, data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		pw.CloseWithError(s.decryptInto(ctx, env, chunks, pw))
	}()

	dec, err := newDecompressor(pr, env.Compression)
	if err != nil {
		return err
	}
	defer dec.Close()

	buf := make([]byte, streamBufferSize)
	defer memguard.WipeBytes(buf)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := dec.Read(buf)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return fmt.Errorf("sink write failed: %w", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return streamError(rerr)
		}
	}

	// Trailing chunks must still authenticate even if the decompressor
	// stopped early.
	if _, err := io.Copy(io.Discard, pr); err != nil {
		return streamError(err)
	}

	return sink.Commit()
}

// decryptInto authenticates chunks in order and writes the plaintext to w.
// A nil return means every declared chunk was verified.
func (s *Session) decryptInto(ctx context.Context, env *Envelope, chunks <-chan fetched, w io.Writer) error {
	var expected uint32
	for f := range chunks {
		if f.err != nil {
			return readError(f.err)
		}
		if f.index != expected {
			return &InvariantViolation{
				Invariant: "chunk-order",
				Message:   fmt.Sprintf("expected chunk %d, got %d", expected, f.index),
				Err:       ErrChunkOrder,
			}
		}
		pt, err := s.DecryptChunk(env, f.index, f.data)
		if err != nil {
			return err
		}
		_, err = w.Write(pt)
		memguard.WipeBytes(pt)
		if err != nil {
			return err
		}
		expected++
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if expected != env.ChunkCount {
		return &InvariantViolation{
			Invariant: "chunk-order",
			Message:   fmt.Sprintf("stream ended after %d of %d chunks", expected, env.ChunkCount),
			Err:       ErrChunkOrder,
		}
	}
	return nil
}

// streamError keeps typed pipeline errors and reports anything else from the
// decompressor as a corrupt payload
func streamError(err error) error {
	switch {
	case IsChunkIntegrityError(err), IsInvariantViolation(err), IsIOError(err),
		IsCorruptionError(err), IsConfigurationError(err),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &CorruptionError{Path: PayloadDir, Message: "payload stream is malformed", Err: err}
	}
}
