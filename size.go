package pagevault

import (
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/absfs/absfs"
)

// Static hosting limits a published bundle has to stay under
const (
	MaxSiteSizeBytes     = 1024 * 1024 * 1024
	SiteSizeWarningBytes = 900 * 1024 * 1024
	MaxFileSizeBytes     = 100 * 1024 * 1024
	FileSizeWarningBytes = 50 * 1024 * 1024

	// StaticAssetsSize is the viewer shipped next to the archive
	StaticAssetsSize = 2 * 1024 * 1024

	// CompressionRatio is the expected deflate ratio for text payloads
	CompressionRatio = 0.45
)

// ErrSizeLimit is wrapped by every SizeLimitError
var ErrSizeLimit = errors.New("size limit exceeded")

// SizeLimitError reports a bundle or file above a hosting limit
type SizeLimitError struct {
	Path   string // empty for the whole bundle
	Actual uint64
	Limit  uint64
}

func (e *SizeLimitError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("file %s (%s) exceeds maximum file size (%s)", e.Path, FormatBytes(e.Actual), FormatBytes(e.Limit))
	}
	return fmt.Sprintf("total bundle size (%s) exceeds hosting limit (%s)", FormatBytes(e.Actual), FormatBytes(e.Limit))
}

func (e *SizeLimitError) Unwrap() error { return ErrSizeLimit }

// SizeEstimate predicts the published size of a bundle before exporting
type SizeEstimate struct {
	PlaintextBytes    uint64 `json:"plaintext_bytes"`
	CompressedBytes   uint64 `json:"compressed_bytes"`
	EncryptedBytes    uint64 `json:"encrypted_bytes"`
	StaticAssetsBytes uint64 `json:"static_assets_bytes"`
	TotalSiteBytes    uint64 `json:"total_site_bytes"`
	ChunkCount        uint32 `json:"chunk_count"`
	ConversationCount uint64 `json:"conversation_count"`
	MessageCount      uint64 `json:"message_count"`
}

// EstimateSize estimates the bundle size for plaintextBytes of payload at
// the default chunk size. There is always at least one chunk.
func EstimateSize(plaintextBytes, conversations, messages uint64) SizeEstimate {
	compressed := uint64(float64(plaintextBytes) * CompressionRatio)
	chunks := (compressed + DefaultChunkSize - 1) / DefaultChunkSize
	if chunks < 1 {
		chunks = 1
	}
	encrypted := compressed + chunks*TagSize

	return SizeEstimate{
		PlaintextBytes:    plaintextBytes,
		CompressedBytes:   compressed,
		EncryptedBytes:    encrypted,
		StaticAssetsBytes: StaticAssetsSize,
		TotalSiteBytes:    encrypted + StaticAssetsSize,
		ChunkCount:        uint32(chunks),
		ConversationCount: conversations,
		MessageCount:      messages,
	}
}

// LimitStatus classifies a size against the hosting limits
type LimitStatus int

const (
	LimitOK LimitStatus = iota
	LimitWarning
	LimitExceeded
)

func (s LimitStatus) String() string {
	switch s {
	case LimitOK:
		return "ok"
	case LimitWarning:
		return "warning"
	case LimitExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// SizeWarning is a non-fatal finding about a bundle
type SizeWarning struct {
	Path    string // empty for the whole bundle
	Size    uint64
	Percent int // share of MaxSiteSizeBytes, bundle warnings only
}

func (w SizeWarning) String() string {
	if w.Path != "" {
		return fmt.Sprintf("large file: %s (%s)", w.Path, FormatBytes(w.Size))
	}
	return fmt.Sprintf("estimated size %s is %d%% of hosting limit (%s)", FormatBytes(w.Size), w.Percent, FormatBytes(MaxSiteSizeBytes))
}

func percentOfSiteLimit(n uint64) int {
	return int(float64(n) / float64(MaxSiteSizeBytes) * 100)
}

// CheckLimits compares the estimated total against the hosting limits
func (e SizeEstimate) CheckLimits() (LimitStatus, error) {
	switch {
	case e.TotalSiteBytes > MaxSiteSizeBytes:
		return LimitExceeded, &SizeLimitError{Actual: e.TotalSiteBytes, Limit: MaxSiteSizeBytes}
	case e.TotalSiteBytes > SiteSizeWarningBytes:
		return LimitWarning, nil
	default:
		return LimitOK, nil
	}
}

// Warning returns the approaching-limit warning for an estimate in the
// warning band
func (e SizeEstimate) Warning() SizeWarning {
	return SizeWarning{Size: e.TotalSiteBytes, Percent: percentOfSiteLimit(e.TotalSiteBytes)}
}

// String renders the estimate for display
func (e SizeEstimate) String() string {
	return fmt.Sprintf("Estimated bundle size: %s\n"+
		"  Payload: %s (%d chunks x %s max)\n"+
		"  Static assets: %s\n"+
		"  Compression ratio: ~%.0f%%\n"+
		"  Conversations: %d\n"+
		"  Messages: %d",
		FormatBytes(e.TotalSiteBytes),
		FormatBytes(e.EncryptedBytes), e.ChunkCount, FormatBytes(DefaultChunkSize),
		FormatBytes(e.StaticAssetsBytes),
		CompressionRatio*100,
		e.ConversationCount,
		e.MessageCount)
}

// VerifyBundle walks root on fs and checks every file and the total against
// the hosting limits. Oversized files or bundles are errors; large ones are
// returned as warnings.
func VerifyBundle(fs absfs.FileSystem, root string) ([]SizeWarning, error) {
	var warnings []SizeWarning
	var total uint64

	err := walkFiles(fs, root, func(name string, size uint64) error {
		total += size
		if size > MaxFileSizeBytes {
			return &SizeLimitError{Path: relPath(root, name), Actual: size, Limit: MaxFileSizeBytes}
		}
		if size > FileSizeWarningBytes {
			warnings = append(warnings, SizeWarning{Path: relPath(root, name), Size: size})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if total > MaxSiteSizeBytes {
		return nil, &SizeLimitError{Actual: total, Limit: MaxSiteSizeBytes}
	}
	if total > SiteSizeWarningBytes {
		warnings = append(warnings, SizeWarning{Size: total, Percent: percentOfSiteLimit(total)})
	}
	return warnings, nil
}

func relPath(root, name string) string {
	if len(name) > len(root) && name[:len(root)] == root {
		rel := name[len(root):]
		for len(rel) > 0 && rel[0] == '/' {
			rel = rel[1:]
		}
		return rel
	}
	return name
}

func walkFiles(fs absfs.FileSystem, dir string, fn func(name string, size uint64) error) error {
	f, err := fs.Open(dir)
	if err != nil {
		return NewIOError("open", dir, err)
	}
	infos, err := f.Readdir(-1)
	f.Close()
	if err != nil {
		return NewIOError("readdir", dir, err)
	}

	for _, info := range infos {
		name := path.Join(dir, info.Name())
		if info.IsDir() {
			if err := walkFiles(fs, name, fn); err != nil {
				return err
			}
			continue
		}
		if info.Mode()&os.ModeType != 0 {
			continue
		}
		if err := fn(name, uint64(info.Size())); err != nil {
			return err
		}
	}
	return nil
}

// FormatBytes renders n with a binary unit and one decimal
func FormatBytes(n uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1f GB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.1f KB", float64(n)/kb)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
