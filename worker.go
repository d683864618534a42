package pagevault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Command is a request variant understood by Worker
type Command interface {
	commandName() string
}

// UnlockCommand unlocks Envelope with Credential and keeps the session
type UnlockCommand struct {
	Envelope   *Envelope
	Credential Credential
}

// DecryptChunkCommand decrypts one chunk with the worker's session
type DecryptChunkCommand struct {
	Index      uint32
	Ciphertext []byte
}

// LockCommand wipes the worker's session
type LockCommand struct{}

func (UnlockCommand) commandName() string       { return "unlock" }
func (DecryptChunkCommand) commandName() string { return "decrypt-chunk" }
func (LockCommand) commandName() string         { return "lock" }

// Result is a response variant produced by Worker
type Result interface {
	resultName() string
}

// UnlockResult reports a successful unlock
type UnlockResult struct {
	SessionID string
}

// DecryptChunkResult carries one chunk of plaintext
type DecryptChunkResult struct {
	Index     uint32
	Plaintext []byte
}

// LockResult acknowledges a lock
type LockResult struct{}

func (UnlockResult) resultName() string       { return "unlocked" }
func (DecryptChunkResult) resultName() string { return "chunk" }
func (LockResult) resultName() string         { return "locked" }

// Request pairs a command with a correlation id
type Request struct {
	ID      string
	Command Command
}

// Response answers the request with the same ID. Exactly one of Result and
// Err is set.
type Response struct {
	ID     string
	Result Result
	Err    error
}

var (
	// ErrWorkerStopped is returned by Call once Run has exited
	ErrWorkerStopped = errors.New("worker stopped")
	// ErrNoSession is returned for chunk commands before a successful unlock
	ErrNoSession = errors.New("worker has no unlocked session")
)

// Worker runs key derivation and chunk decryption on its own goroutine. It
// exclusively owns its Session; callers only ever see typed results.
type Worker struct {
	requests  chan Request
	responses chan Response
	done      chan struct{}
	logger    *slog.Logger

	callMu sync.Mutex

	// owned by Run
	sess *Session
	env  *Envelope
}

// NewWorker creates a worker. Start it with Run.
func NewWorker(logger *slog.Logger) *Worker {
	return &Worker{
		requests:  make(chan Request),
		responses: make(chan Response, 1),
		done:      make(chan struct{}),
		logger:    loggerOrDiscard(logger),
	}
}

// Run serves requests until ctx is done, then wipes the session
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if w.sess != nil {
			w.sess.Lock()
			w.sess = nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.requests:
			resp := w.handle(ctx, req)
			select {
			case w.responses <- resp:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, req Request) (resp Response) {
	resp.ID = req.ID
	defer func() {
		if r := recover(); r != nil {
			resp.Result = nil
			resp.Err = fmt.Errorf("panic in worker: %v", r)
		}
	}()
	w.logger.Debug("worker request", "id", req.ID, "command", commandName(req.Command))

	switch cmd := req.Command.(type) {
	case UnlockCommand:
		if w.sess != nil {
			w.sess.Lock()
			w.sess, w.env = nil, nil
		}
		sess, err := NewUnlocker(w.logger).Unlock(ctx, cmd.Envelope, cmd.Credential)
		if err != nil {
			resp.Err = err
			return resp
		}
		w.sess, w.env = sess, cmd.Envelope.Clone()
		resp.Result = UnlockResult{SessionID: sess.ID()}

	case DecryptChunkCommand:
		if w.sess == nil {
			resp.Err = &InvariantViolation{Invariant: "live-session", Message: "unlock first", Err: ErrNoSession}
			return resp
		}
		pt, err := w.sess.DecryptChunk(w.env, cmd.Index, cmd.Ciphertext)
		if err != nil {
			resp.Err = err
			return resp
		}
		resp.Result = DecryptChunkResult{Index: cmd.Index, Plaintext: pt}

	case LockCommand:
		if w.sess != nil {
			w.sess.Lock()
			w.sess, w.env = nil, nil
		}
		resp.Result = LockResult{}

	default:
		resp.Err = &ConfigurationError{Field: "command", Value: fmt.Sprintf("%T", req.Command), Message: "unknown command"}
	}
	return resp
}

func commandName(c Command) string {
	if c == nil {
		return "nil"
	}
	return c.commandName()
}

// Call sends cmd with a fresh correlation id and waits for its response
func (w *Worker) Call(ctx context.Context, cmd Command) (Result, error) {
	w.callMu.Lock()
	defer w.callMu.Unlock()

	req := Request{ID: uuid.NewString(), Command: cmd}
	select {
	case w.requests <- req:
	case <-w.done:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		select {
		case resp := <-w.responses:
			if resp.ID != req.ID {
				// answer to an earlier call that gave up waiting
				w.logger.Debug("dropping stale worker response", "id", resp.ID)
				continue
			}
			return resp.Result, resp.Err
		case <-w.done:
			return nil, ErrWorkerStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
