package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/absfs/pagevault"
	"github.com/absfs/pagevault/internal/audit"
	"github.com/absfs/pagevault/internal/metrics"
	"github.com/spf13/cobra"
)

func (a *app) exportCmd() *cobra.Command {
	var (
		slots       slotFlags
		chunkSize   int
		compression string
	)

	cmd := &cobra.Command{
		Use:   "export <payload> <archive-dir>",
		Short: "Encrypt a payload into a new archive",
		Long: `Encrypt a payload file (or - for stdin) into a new archive directory.
Every given credential becomes one key slot. With --generate-recovery a
recovery secret is created, bound and printed once.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dir := args[0], args[1]

			opts := a.cfg.EncryptOptions()
			if chunkSize != 0 {
				opts.ChunkSize = chunkSize
			}
			if compression != "" {
				opts.Compression = pagevault.Compression(compression)
			}
			opts.Logger = a.log.Slog()

			specs, recovery, err := a.newSlots(slots)
			if err != nil {
				return err
			}
			defer wipeSlots(specs)
			opts.Slots = specs

			if err := opts.Validate(); err != nil {
				return err
			}

			in, err := a.openInput(src)
			if err != nil {
				return err
			}
			defer in.Close()
			counter := &countingReader{r: in}

			start := time.Now()
			stop := a.startSpinner("Encrypting payload...")
			arc, err := pagevault.CreateArchive(cmd.Context(), pagevault.NewDirFS(dir), "/", counter, opts)
			stop()
			a.metrics.Observe(metrics.OpExport, start, err)
			if err != nil {
				return err
			}

			env := arc.Manifest()
			a.metrics.AddPayload(env.ChunkCount, counter.n)
			a.audit.Record(audit.Entry{
				Operation:  "export",
				Archive:    dir,
				ExportID:   env.ExportIDHex(),
				SlotsCount: len(env.Slots),
				Chunks:     env.ChunkCount,
			})
			a.log.Infof("Exported %d chunks with %d key slots", env.ChunkCount, len(env.Slots))

			return a.printer(a.stdout).PrintExport(dir, env, counter.n, recovery)
		},
	}

	slots.register(cmd, "")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "plaintext chunk size in bytes (default from config)")
	cmd.Flags().StringVar(&compression, "compression", "", "payload compression: deflate or none (default from config)")
	return cmd
}

// openInput opens a payload file, or stdin for "-"
func (a *app) openInput(name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(a.stdin), nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload: %w", err)
	}
	return f, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
