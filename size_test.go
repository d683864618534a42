package pagevault

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEstimateSize(t *testing.T) {
	e := EstimateSize(10*1024*1024, 100, 5000)
	if e.CompressedBytes >= e.PlaintextBytes {
		t.Errorf("compressed %d >= plaintext %d", e.CompressedBytes, e.PlaintextBytes)
	}
	if e.ConversationCount != 100 || e.MessageCount != 5000 {
		t.Errorf("counts not carried: %+v", e)
	}
	if e.ChunkCount < 1 {
		t.Error("estimate has no chunks")
	}
	if e.TotalSiteBytes != e.EncryptedBytes+StaticAssetsSize {
		t.Error("total does not include static assets")
	}
}

func TestEstimateSize_Empty(t *testing.T) {
	e := EstimateSize(0, 0, 0)
	if e.PlaintextBytes != 0 || e.ChunkCount != 1 || e.StaticAssetsBytes != StaticAssetsSize {
		t.Fatalf("unexpected empty estimate %+v", e)
	}
}

func TestEstimateSize_ChunkCeiling(t *testing.T) {
	if got := EstimateSize(1000, 1, 10).ChunkCount; got != 1 {
		t.Errorf("small payload: %d chunks, want 1", got)
	}

	// just over one chunk once compressed
	ratio := CompressionRatio
	over := uint64(float64(DefaultChunkSize)/ratio) + 100
	if got := EstimateSize(over, 1, 1).ChunkCount; got != 2 {
		t.Errorf("one chunk plus a little: %d chunks, want 2", got)
	}
}

func TestSizeEstimate_CheckLimits(t *testing.T) {
	tests := []struct {
		name      string
		plaintext uint64
		want      LimitStatus
	}{
		{"ok", 100 * 1024 * 1024, LimitOK},
		{"warning", 2050 * 1024 * 1024, LimitWarning},
		{"exceeded", 3000 * 1024 * 1024, LimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := EstimateSize(tt.plaintext, 1, 1)
			status, err := e.CheckLimits()
			if status != tt.want {
				t.Fatalf("status = %s, want %s (total %s)", status, tt.want, FormatBytes(e.TotalSiteBytes))
			}
			if (tt.want == LimitExceeded) != (err != nil) {
				t.Fatalf("unexpected error %v", err)
			}
			if err != nil && !errors.Is(err, ErrSizeLimit) {
				t.Errorf("error does not wrap ErrSizeLimit: %v", err)
			}
		})
	}

	w := EstimateSize(2050*1024*1024, 1, 1).Warning()
	if w.Percent < 87 || w.Percent > 100 || !strings.Contains(w.String(), "% of hosting limit") {
		t.Errorf("unexpected warning %q", w.String())
	}
}

func TestSizeEstimate_String(t *testing.T) {
	s := EstimateSize(10*1024*1024, 50, 2500).String()
	for _, want := range []string{"Estimated bundle size", "Conversations: 50", "Messages: 2500"} {
		if !strings.Contains(s, want) {
			t.Errorf("display lacks %q:\n%s", want, s)
		}
	}
}

func TestSizeLimitError(t *testing.T) {
	err := &SizeLimitError{Actual: 2 * 1024 * 1024 * 1024, Limit: 1024 * 1024 * 1024}
	msg := err.Error()
	if !strings.Contains(msg, "2.0 GB") || !strings.Contains(msg, "1.0 GB") {
		t.Errorf("unexpected message %q", msg)
	}

	fileErr := &SizeLimitError{Path: "payload/chunk-00000.bin", Actual: 200 * 1024 * 1024, Limit: MaxFileSizeBytes}
	if !strings.Contains(fileErr.Error(), "payload/chunk-00000.bin") {
		t.Errorf("file error lacks path: %q", fileErr.Error())
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    uint64
		want string
	}{
		{500, "500 bytes"},
		{1024, "1.0 KB"},
		{1024 * 1024, "1.0 MB"},
		{1024 * 1024 * 1024, "1.0 GB"},
		{1536 * 1024, "1.5 MB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.n); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

// sparseFile creates name under dir with the given apparent size
func sparseFile(t *testing.T, dir, name string, size int64) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := os.Truncate(p, size); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyBundle(t *testing.T) {
	t.Run("small files", func(t *testing.T) {
		dir := t.TempDir()
		sparseFile(t, dir, "small.txt", 1000)
		sparseFile(t, dir, "payload/medium.bin", 10000)

		warnings, err := VerifyBundle(NewDirFS(dir), "/")
		if err != nil || len(warnings) != 0 {
			t.Fatalf("warnings = %v, err = %v", warnings, err)
		}
	})

	t.Run("large file warns", func(t *testing.T) {
		dir := t.TempDir()
		sparseFile(t, dir, "payload/big.bin", FileSizeWarningBytes+1)

		warnings, err := VerifyBundle(NewDirFS(dir), "/")
		if err != nil {
			t.Fatal(err)
		}
		if len(warnings) != 1 || warnings[0].Path != "payload/big.bin" {
			t.Fatalf("unexpected warnings %v", warnings)
		}
	})

	t.Run("oversized file", func(t *testing.T) {
		dir := t.TempDir()
		sparseFile(t, dir, "huge.bin", MaxFileSizeBytes+1)

		_, err := VerifyBundle(NewDirFS(dir), "/")
		var le *SizeLimitError
		if !errors.As(err, &le) || le.Path != "huge.bin" {
			t.Fatalf("got %v, want SizeLimitError for huge.bin", err)
		}
	})

	t.Run("bundle over limit", func(t *testing.T) {
		dir := t.TempDir()
		for i := 0; i < 12; i++ {
			sparseFile(t, dir, filepath.Join("payload", strings.Repeat("x", i+1)), 95*1024*1024)
		}

		_, err := VerifyBundle(NewDirFS(dir), "/")
		var le *SizeLimitError
		if !errors.As(err, &le) || le.Path != "" {
			t.Fatalf("got %v, want bundle SizeLimitError", err)
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := VerifyBundle(NewDirFS(t.TempDir()), "/nope")
		if !IsIOError(err) {
			t.Fatalf("got %v, want IOError", err)
		}
	})
}
