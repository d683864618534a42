package pagevault

import (
	"compress/flate"
	"io"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// newCompressor wraps w so that bytes written are compressed with c. Close
// flushes the final block but does not close w.
func newCompressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionDeflate:
		return flate.NewWriter(w, flate.DefaultCompression)
	case CompressionNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, c.Validate()
	}
}

// newDecompressor returns a reader producing the decompressed stream of r.
// The deflate stream spans chunk boundaries, so r must yield chunks in order.
func newDecompressor(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionDeflate:
		return flate.NewReader(r), nil
	case CompressionNone:
		return io.NopCloser(r), nil
	default:
		return nil, c.Validate()
	}
}

// Compress returns data compressed with c
func Compress(data []byte, c Compression) ([]byte, error) {
	var buf sliceWriter
	w, err := newCompressor(&buf, c)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

type sliceWriter []byte

func (s *sliceWriter) Write(p []byte) (int, error) {
	*s = append(*s, p...)
	return len(p), nil
}
