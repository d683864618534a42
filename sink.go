package pagevault

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

// Sink consumes the decrypted payload stream. Nothing written becomes
// visible to readers until Commit; Abort discards everything.
type Sink interface {
	io.Writer
	Commit() error
	Abort() error
}

var errSinkClosed = errors.New("sink already committed or aborted")

const memorySinkName = "/payload"

// MemorySink keeps the plaintext in a private in-memory filesystem. It is
// the default policy: nothing touches disk and Discard drops it all.
type MemorySink struct {
	fs        absfs.FileSystem
	f         absfs.File
	size      int64
	committed bool
}

// NewMemorySink creates an empty volatile sink
func NewMemorySink() (*MemorySink, error) {
	fs, err := memfs.NewFS()
	if err != nil {
		return nil, fmt.Errorf("failed to create memfs: %w", err)
	}
	f, err := fs.OpenFile(memorySinkName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, NewIOError("open", memorySinkName, err)
	}
	return &MemorySink{fs: fs, f: f}, nil
}

// Write appends p
func (m *MemorySink) Write(p []byte) (int, error) {
	if m.f == nil || m.committed {
		return 0, errSinkClosed
	}
	n, err := m.f.Write(p)
	m.size += int64(n)
	return n, err
}

// Commit marks the payload complete
func (m *MemorySink) Commit() error {
	if m.f == nil || m.committed {
		return errSinkClosed
	}
	if err := m.f.Close(); err != nil {
		return NewIOError("close", memorySinkName, err)
	}
	m.committed = true
	return nil
}

// Abort drops whatever was written
func (m *MemorySink) Abort() error {
	if m.f == nil {
		return nil
	}
	if !m.committed {
		m.f.Close()
	}
	m.f = nil
	m.committed = false
	m.size = 0
	return m.fs.Remove(memorySinkName)
}

// Discard drops a committed payload at session end
func (m *MemorySink) Discard() error { return m.Abort() }

// Size returns the number of bytes written
func (m *MemorySink) Size() int64 { return m.size }

// Open returns a reader over a committed payload
func (m *MemorySink) Open() (absfs.File, error) {
	if m.f == nil || !m.committed {
		return nil, &InvariantViolation{Invariant: "committed-sink", Message: "payload is not complete"}
	}
	return m.fs.Open(memorySinkName)
}

// Bytes returns a committed payload
func (m *MemorySink) Bytes() ([]byte, error) {
	f, err := m.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Cache is the opt-in durable sink store. Entries are named by export id
// and begin with the export id itself; an entry is only ever served for an
// exact export id match.
type Cache struct {
	fs  absfs.FileSystem
	dir string
}

// NewCache returns a cache rooted at dir on fs
func NewCache(fs absfs.FileSystem, dir string) *Cache {
	return &Cache{fs: fs, dir: dir}
}

func (c *Cache) entry(exportID []byte) string {
	return path.Join(c.dir, hex.EncodeToString(exportID))
}

// Sink returns a sink that becomes the cache entry for exportID on Commit
func (c *Cache) Sink(exportID []byte) (*CacheSink, error) {
	if len(exportID) != ExportIDSize {
		return nil, NewConfigurationError("export_id", len(exportID), "export id must be 16 bytes")
	}
	if err := c.fs.MkdirAll(c.dir, 0700); err != nil {
		return nil, NewIOError("mkdir", c.dir, err)
	}

	final := c.entry(exportID)
	partial := final + ".partial"
	f, err := c.fs.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, NewIOError("open", partial, err)
	}
	if _, err := f.Write(exportID); err != nil {
		f.Close()
		c.fs.Remove(partial)
		return nil, NewIOError("write", partial, err)
	}
	return &CacheSink{fs: c.fs, f: f, partial: partial, final: final}, nil
}

// Lookup opens the cached payload for exportID, positioned after the
// header. Any mismatch or absence is ErrCacheMiss.
func (c *Cache) Lookup(exportID []byte) (absfs.File, error) {
	name := c.entry(exportID)
	f, err := c.fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCacheMiss, hex.EncodeToString(exportID))
	}
	header := make([]byte, ExportIDSize)
	if _, err := io.ReadFull(f, header); err != nil || !bytes.Equal(header, exportID) {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrCacheMiss, hex.EncodeToString(exportID))
	}
	return f, nil
}

// Evict removes the entry for exportID
func (c *Cache) Evict(exportID []byte) error {
	name := c.entry(exportID)
	if err := c.fs.Remove(name); err != nil && !os.IsNotExist(err) {
		return NewIOError("remove", name, err)
	}
	return nil
}

// CacheSink writes a cache entry under a temporary name and renames it into
// place on Commit
type CacheSink struct {
	fs      absfs.FileSystem
	f       absfs.File
	partial string
	final   string
}

// Write appends p to the pending entry
func (s *CacheSink) Write(p []byte) (int, error) {
	if s.f == nil {
		return 0, errSinkClosed
	}
	return s.f.Write(p)
}

// Commit publishes the entry
func (s *CacheSink) Commit() error {
	if s.f == nil {
		return errSinkClosed
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		s.fs.Remove(s.partial)
		return NewIOError("close", s.partial, err)
	}
	if err := s.fs.Rename(s.partial, s.final); err != nil {
		s.fs.Remove(s.partial)
		return NewIOError("rename", s.final, err)
	}
	return nil
}

// Abort removes the pending entry
func (s *CacheSink) Abort() error {
	if s.f == nil {
		return nil
	}
	s.f.Close()
	s.f = nil
	if err := s.fs.Remove(s.partial); err != nil && !os.IsNotExist(err) {
		return NewIOError("remove", s.partial, err)
	}
	return nil
}
