package pagevault

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Archive layout:
//
//	manifest.json              <- Envelope (JSON)
//	payload/chunk-00000.bin    <- ciphertext ‖ tag of chunk 0
//	payload/chunk-00001.bin
//	...
//
// A key rotation writes its chunks to payload-<hex>/ and records that
// directory in the manifest's payload field. The directory it replaces is
// kept until the archive is next opened.
//
// Every chunk but the last carries exactly ChunkSize bytes of the (possibly
// compressed) payload stream plus a 16 byte tag. Chunks have no header: the
// nonce and AAD are recomputed from the manifest and the chunk index.

const (
	// DefaultChunkSize is the default plaintext chunk size (8 MiB)
	DefaultChunkSize = 8 * 1024 * 1024

	// MinChunkSize is the minimum allowed chunk size (64 bytes, for testing)
	MinChunkSize = 64

	// MaxChunkSize is the maximum allowed chunk size (32 MiB)
	MaxChunkSize = 32 * 1024 * 1024

	// ManifestName is the manifest file name at the archive root
	ManifestName = "manifest.json"

	// PayloadDir holds the encrypted chunks of a fresh export. Rotated key
	// generations use GenerationDir.
	PayloadDir = "payload"
)

// ChunkFileName returns the archive-relative path of chunk index in
// PayloadDir
func ChunkFileName(index uint32) string {
	return PayloadDir + "/" + chunkBaseName(index)
}

// GenerationDir names the chunk directory of the key generation that uses
// baseNonce: PayloadDir, a dash and the hex of the nonce's fixed prefix
func GenerationDir(baseNonce []byte) string {
	return PayloadDir + "-" + hex.EncodeToString(baseNonce[:NonceSize-4])
}

// isGenerationDir reports whether name is PayloadDir or a GenerationDir name
func isGenerationDir(name string) bool {
	if name == PayloadDir {
		return true
	}
	suffix, ok := strings.CutPrefix(name, PayloadDir+"-")
	if !ok || len(suffix) != 2*(NonceSize-4) {
		return false
	}
	_, err := hex.DecodeString(suffix)
	return err == nil && strings.ToLower(suffix) == suffix
}

func chunkBaseName(index uint32) string {
	return fmt.Sprintf("chunk-%05d.bin", index)
}

// ChunkWriter receives encrypted chunks as they are produced
type ChunkWriter interface {
	WriteChunk(index uint32, ciphertext []byte) error
}

// ChunkSource serves encrypted chunks by index
type ChunkSource interface {
	ReadChunk(ctx context.Context, index uint32) ([]byte, error)
}

// MemoryChunks is an in-memory ChunkWriter and ChunkSource
type MemoryChunks struct {
	mu     sync.RWMutex
	chunks map[uint32][]byte
}

// NewMemoryChunks creates an empty chunk store
func NewMemoryChunks() *MemoryChunks {
	return &MemoryChunks{chunks: make(map[uint32][]byte)}
}

// WriteChunk stores a copy of ciphertext under index
func (m *MemoryChunks) WriteChunk(index uint32, ciphertext []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[index] = append([]byte(nil), ciphertext...)
	return nil
}

// ReadChunk returns the chunk stored under index
func (m *MemoryChunks) ReadChunk(ctx context.Context, index uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chunks[index]
	if !ok {
		return nil, NewIOError("read", ChunkFileName(index), io.ErrUnexpectedEOF)
	}
	return append([]byte(nil), c...), nil
}

// Len returns the number of stored chunks
func (m *MemoryChunks) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// Slice returns the chunks ordered by index
func (m *MemoryChunks) Slice() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := make([]uint32, 0, len(m.chunks))
	for i := range m.chunks {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	out := make([][]byte, len(idx))
	for i, k := range idx {
		out[i] = m.chunks[k]
	}
	return out
}

// ChunkSlice adapts an ordered slice of ciphertexts to ChunkSource
type ChunkSlice [][]byte

// ReadChunk returns chunk index
func (s ChunkSlice) ReadChunk(ctx context.Context, index uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if int(index) >= len(s) {
		return nil, NewIOError("read", ChunkFileName(index), io.ErrUnexpectedEOF)
	}
	return s[index], nil
}

// ValidateChunkSize validates that a chunk size is within acceptable bounds
func ValidateChunkSize(size int) error {
	return ValidateSize(size, "chunk_size", MinChunkSize, MaxChunkSize)
}

// CalculateChunkCount calculates how many chunks are needed for a given data size
func CalculateChunkCount(dataSize int64, chunkSize int) uint32 {
	if dataSize == 0 {
		return 0
	}
	chunks := (dataSize + int64(chunkSize) - 1) / int64(chunkSize)
	return uint32(chunks)
}

// CalculateCiphertextSize returns the stored size of a chunk carrying
// plaintextSize bytes
func CalculateCiphertextSize(plaintextSize int) int {
	return plaintextSize + TagSize
}
