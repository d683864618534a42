package pagevault

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"testing"
)

var benchSizes = []int{
	64 * 1024,        // 64 KB
	1024 * 1024,      // 1 MB
	10 * 1024 * 1024, // 10 MB
}

// Benchmark archive creation with and without parallel sealing
func BenchmarkEncrypt(b *testing.B) {
	for _, size := range benchSizes {
		for _, parallel := range []bool{false, true} {
			name := fmt.Sprintf("%s/parallel=%v", formatSize(size), parallel)
			b.Run(name, func(b *testing.B) {
				benchmarkEncrypt(b, size, parallel)
			})
		}
	}
}

func benchmarkEncrypt(b *testing.B, size int, parallel bool) {
	data := make([]byte, size)
	rand.Read(data)

	opts := testOptions(256*1024, SlotSpec{Label: "bench", Credential: testRecovery(1)})
	opts.Compression = CompressionNone
	opts.Parallel.Enabled = parallel

	b.SetBytes(int64(size))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := Encrypt(context.Background(), bytes.NewReader(data), opts, NewMemoryChunks()); err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark the full unlock, decrypt and decompress path
func BenchmarkStream(b *testing.B) {
	for _, size := range benchSizes {
		b.Run(formatSize(size), func(b *testing.B) {
			data := make([]byte, size)
			rand.Read(data)
			env, chunks := sealTest(b, data, testOptions(256*1024, SlotSpec{Label: "bench", Credential: testRecovery(1)}))

			b.SetBytes(int64(size))
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				sess, err := Unlock(context.Background(), env, testRecovery(1))
				if err != nil {
					b.Fatal(err)
				}
				if err := sess.Stream(context.Background(), env, ChunkSlice(chunks), discardSink{}); err != nil {
					b.Fatal(err)
				}
				sess.Lock()
			}
		})
	}
}

// Benchmark a single password slot unlock at the minimum Argon2id cost
func BenchmarkUnlock_Password(b *testing.B) {
	env, _ := sealTest(b, []byte("payload"), testOptions(64, SlotSpec{Label: "pw", Credential: Password([]byte("benchmark password"))}))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sess, err := Unlock(context.Background(), env, Password([]byte("benchmark password")))
		if err != nil {
			b.Fatal(err)
		}
		sess.Lock()
	}
}

// Benchmark chunk decryption alone at several chunk sizes
func BenchmarkDecryptChunk(b *testing.B) {
	for _, chunkSize := range []int{64 * 1024, 1024 * 1024, DefaultChunkSize} {
		b.Run(formatSize(chunkSize), func(b *testing.B) {
			data := make([]byte, chunkSize)
			rand.Read(data)
			opts := testOptions(chunkSize, SlotSpec{Label: "bench", Credential: testRecovery(1)})
			opts.Compression = CompressionNone
			env, chunks := sealTest(b, data, opts)

			sess, err := Unlock(context.Background(), env, testRecovery(1))
			if err != nil {
				b.Fatal(err)
			}
			defer sess.Lock()

			b.SetBytes(int64(chunkSize))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := sess.DecryptChunk(env, 0, chunks[0]); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) { return io.Discard.Write(p) }
func (discardSink) Commit() error               { return nil }
func (discardSink) Abort() error                { return nil }

func formatSize(size int) string {
	if size >= 1024*1024 {
		return fmt.Sprintf("%dMB", size/(1024*1024))
	}
	if size >= 1024 {
		return fmt.Sprintf("%dKB", size/1024)
	}
	return fmt.Sprintf("%dB", size)
}
