package pagevault

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sync"
	"sync/atomic"

	"github.com/absfs/absfs"
)

const (
	stagingDir      = PayloadDir + ".staging"
	rotateDir       = PayloadDir + ".rotate"
	manifestTmp     = ManifestName + ".tmp"
	archiveDirPerm  = 0755
	archiveFilePerm = 0644
)

// Archive is an archive directory on an absfs.FileSystem. Slot mutations
// are serialized; readers work against the snapshot returned by Manifest.
type Archive struct {
	fs     absfs.FileSystem
	root   string
	logger *slog.Logger

	mu   sync.Mutex // single writer
	snap atomic.Pointer[Envelope]
}

// CreateArchive encrypts payload into a new archive at root. Chunks are
// staged and the manifest is written last, so a failed export leaves no
// archive behind.
func CreateArchive(ctx context.Context, fs absfs.FileSystem, root string, payload io.Reader, opts EncryptOptions) (*Archive, error) {
	a := &Archive{fs: fs, root: root, logger: loggerOrDiscard(opts.Logger)}
	if _, err := fs.Stat(a.path(ManifestName)); err == nil {
		return nil, &ConfigurationError{Field: "archive", Value: root, Message: "an archive already exists here"}
	}

	stage := a.path(stagingDir)
	fs.RemoveAll(stage)
	if err := fs.MkdirAll(stage, archiveDirPerm); err != nil {
		return nil, NewIOError("mkdir", stage, err)
	}

	env, err := Encrypt(ctx, payload, opts, &dirChunks{fs: fs, dir: stage})
	if err != nil {
		fs.RemoveAll(stage)
		return nil, err
	}

	fs.RemoveAll(a.path(PayloadDir))
	if err := fs.Rename(stage, a.path(PayloadDir)); err != nil {
		fs.RemoveAll(stage)
		return nil, NewIOError("rename", stage, err)
	}
	if err := a.writeManifest(env, ManifestName); err != nil {
		return nil, err
	}
	a.snap.Store(env)
	return a, nil
}

// OpenArchive loads the manifest at root. An uncommitted manifest and every
// chunk directory it does not reference are removed.
func OpenArchive(fs absfs.FileSystem, root string, logger *slog.Logger) (*Archive, error) {
	a := &Archive{fs: fs, root: root, logger: loggerOrDiscard(logger)}
	a.discardUncommitted()

	f, err := fs.Open(a.path(ManifestName))
	if err != nil {
		return nil, &IOError{
			Operation: "open",
			Path:      a.path(ManifestName),
			Message:   "archive not found",
			Err:       fmt.Errorf("%w: %v", ErrArchiveNotFound, err),
		}
	}
	defer f.Close()

	env, err := ReadManifest(f)
	if err != nil {
		return nil, err
	}
	a.prune(env.ChunkDir())
	a.snap.Store(env)
	a.logger.Debug("archive opened", "root", root, "export_id", env.ExportIDHex(), "slots", len(env.Slots))
	return a, nil
}

func (a *Archive) path(name string) string {
	return path.Join(a.root, name)
}

func (a *Archive) exists(name string) bool {
	_, err := a.fs.Stat(a.path(name))
	return err == nil
}

// Root returns the archive directory
func (a *Archive) Root() string { return a.root }

// Manifest returns the current envelope snapshot. Later mutations produce
// new snapshots and never modify a returned one.
func (a *Archive) Manifest() *Envelope {
	return a.snap.Load().Clone()
}

// ReadChunk reads chunk index of the current snapshot
func (a *Archive) ReadChunk(ctx context.Context, index uint32) ([]byte, error) {
	return a.Chunks(a.snap.Load()).ReadChunk(ctx, index)
}

// Chunks returns the chunk source of snapshot env. A rotation leaves the
// chunks of the snapshot it replaced in place until the archive is opened
// again; after that, reads report ErrSnapshotSuperseded.
func (a *Archive) Chunks(env *Envelope) ChunkSource {
	return &snapshotChunks{a: a, env: env.Clone()}
}

// Unlock opens a session on the current snapshot
func (a *Archive) Unlock(ctx context.Context, cred Credential) (*Session, error) {
	return NewUnlocker(a.logger).Unlock(ctx, a.snap.Load(), cred)
}

// Decrypt streams the whole payload into sink, reading the snapshot the
// session was unlocked against
func (a *Archive) Decrypt(ctx context.Context, sess *Session, sink Sink) error {
	if sess == nil {
		return ErrNilConfig
	}
	if !sess.boundTo(a.snap.Load().ExportID) {
		return &InvariantViolation{
			Invariant: "live-session",
			Message:   "session was unlocked against a different archive",
			Err:       ErrExportMismatch,
		}
	}
	env := sess.Envelope()
	return sess.Stream(ctx, env, a.Chunks(env), sink)
}

// AddSlot binds a new credential using an unlocked session and persists the
// manifest
func (a *Archive) AddSlot(sess *Session, spec SlotSpec, rand io.Reader) (*Envelope, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next, err := AddSlot(sess, a.snap.Load(), spec, rand)
	if err != nil {
		return nil, err
	}
	if err := a.commitManifest(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// RevokeSlot removes slot id and persists the manifest. On error the
// manifest on disk is untouched.
func (a *Archive) RevokeSlot(id uint32) (*Envelope, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next, err := RevokeSlot(a.snap.Load(), id)
	if err != nil {
		return nil, err
	}
	if err := a.commitManifest(next); err != nil {
		return nil, err
	}
	a.logger.Info("key slot revoked", "export_id", next.ExportIDHex(), "slot", id)
	return next.Clone(), nil
}

// Rotate re-encrypts the archive under a new DEK. The new chunks go to
// their own generation directory and the manifest rename publishes them.
// The generation being replaced stays readable for snapshot holders; older
// ones are removed first.
func (a *Archive) Rotate(ctx context.Context, oldCred Credential, opts KeyRotationOptions) (*Envelope, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.snap.Load()
	if opts.Logger == nil {
		opts.Logger = a.logger
	}
	if opts.DryRun {
		return Rotate(ctx, cur, a.Chunks(cur), nil, oldCred, opts)
	}

	a.prune(cur.ChunkDir())
	stage := a.path(rotateDir)
	if err := a.fs.MkdirAll(stage, archiveDirPerm); err != nil {
		return nil, NewIOError("mkdir", stage, err)
	}

	next, err := Rotate(ctx, cur, a.Chunks(cur), &dirChunks{fs: a.fs, dir: stage}, oldCred, opts)
	if err != nil {
		a.fs.RemoveAll(stage)
		return nil, err
	}
	if next.ChunkDir() == cur.ChunkDir() {
		a.fs.RemoveAll(stage)
		return nil, &ResourceExhaustedError{Resource: "random source", Err: fmt.Errorf("base nonce prefix repeated")}
	}

	gen := a.path(next.ChunkDir())
	a.fs.RemoveAll(gen)
	if err := a.fs.Rename(stage, gen); err != nil {
		a.fs.RemoveAll(stage)
		return nil, NewIOError("rename", stage, err)
	}
	if err := a.commitManifest(next); err != nil {
		a.fs.RemoveAll(gen)
		return nil, err
	}
	a.logger.Debug("key generation installed", "export_id", next.ExportIDHex(), "payload", next.ChunkDir(), "previous", cur.ChunkDir())
	return next.Clone(), nil
}

// discardUncommitted drops a manifest that was written but never renamed
// into place. Its chunks are removed by prune.
func (a *Archive) discardUncommitted() {
	if a.exists(manifestTmp) {
		a.logger.Warn("discarding uncommitted manifest", "root", a.root)
		a.fs.Remove(a.path(manifestTmp))
	}
}

// prune removes every chunk directory except keep, including staging
// directories left by an interrupted export or rotation
func (a *Archive) prune(keep string) {
	f, err := a.fs.Open(a.root)
	if err != nil {
		a.logger.Warn("cannot list archive directory", "root", a.root, "error", err)
		return
	}
	infos, err := f.Readdir(-1)
	f.Close()
	if err != nil {
		a.logger.Warn("cannot list archive directory", "root", a.root, "error", err)
		return
	}

	for _, info := range infos {
		name := info.Name()
		if !info.IsDir() || name == keep {
			continue
		}
		if isGenerationDir(name) || name == stagingDir || name == rotateDir {
			a.logger.Debug("removing retired chunk directory", "root", a.root, "dir", name)
			a.fs.RemoveAll(a.path(name))
		}
	}
}

// commitManifest writes env through a temporary file and publishes it as
// the new snapshot
func (a *Archive) commitManifest(env *Envelope) error {
	if err := a.writeManifest(env, manifestTmp); err != nil {
		return err
	}
	if err := a.fs.Rename(a.path(manifestTmp), a.path(ManifestName)); err != nil {
		a.fs.Remove(a.path(manifestTmp))
		return NewIOError("rename", a.path(manifestTmp), err)
	}
	a.snap.Store(env)
	return nil
}

func (a *Archive) writeManifest(env *Envelope, name string) error {
	p := a.path(name)
	f, err := a.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, archiveFilePerm)
	if err != nil {
		return NewIOError("create", p, err)
	}
	if _, err := env.WriteTo(f); err != nil {
		f.Close()
		return NewIOError("write", p, err)
	}
	if err := f.Close(); err != nil {
		return NewIOError("close", p, err)
	}
	return nil
}

// snapshotChunks reads the chunk directory of one envelope snapshot
type snapshotChunks struct {
	a   *Archive
	env *Envelope
}

func (c *snapshotChunks) ReadChunk(ctx context.Context, index uint32) ([]byte, error) {
	dir := c.env.ChunkDir()
	ct, err := (&dirChunks{fs: c.a.fs, dir: c.a.path(dir), limit: c.env.ChunkSize + TagSize}).ReadChunk(ctx, index)
	if err != nil && IsIOError(err) && dir != c.a.snap.Load().ChunkDir() && !c.a.exists(dir) {
		return nil, &InvariantViolation{
			Invariant: "current-snapshot",
			Message:   fmt.Sprintf("chunks of %s were removed; fetch the manifest again", dir),
			Err:       ErrSnapshotSuperseded,
		}
	}
	return ct, err
}

// dirChunks stores one chunk per file in dir
type dirChunks struct {
	fs    absfs.FileSystem
	dir   string
	limit int // largest accepted chunk file, 0 for no limit
}

func (d *dirChunks) WriteChunk(index uint32, ciphertext []byte) error {
	p := path.Join(d.dir, chunkBaseName(index))
	f, err := d.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, archiveFilePerm)
	if err != nil {
		return err
	}
	if _, err := f.Write(ciphertext); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (d *dirChunks) ReadChunk(ctx context.Context, index uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := path.Join(d.dir, chunkBaseName(index))
	f, err := d.fs.Open(p)
	if err != nil {
		return nil, NewIOError("open", p, err)
	}
	defer f.Close()

	var r io.Reader = f
	if d.limit > 0 {
		r = io.LimitReader(f, int64(d.limit)+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, NewIOError("read", p, err)
	}
	if d.limit > 0 && len(data) > d.limit {
		return nil, NewCorruptionError(p, fmt.Sprintf("chunk file larger than %d bytes", d.limit))
	}
	return data, nil
}
