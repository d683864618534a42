package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/absfs/pagevault"
	"github.com/absfs/pagevault/internal/metrics"
	"github.com/spf13/cobra"
)

func (a *app) decryptCmd() *cobra.Command {
	var (
		cred     credentialFlags
		useCache bool
		cacheDir string
	)

	cmd := &cobra.Command{
		Use:   "decrypt <archive-dir> [output]",
		Short: "Unlock an archive and write its payload",
		Long: `Unlock an archive with one credential and write the decrypted payload to
output (stdout when omitted or -). Plaintext is held in memory until every
chunk has been authenticated. With --cache a verified copy is kept under the
cache directory and reused for the same export id after unlocking.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			target := "-"
			if len(args) == 2 {
				target = args[1]
			}
			if cacheDir == "" {
				cacheDir = a.cfg.CacheDir
			}
			if useCache && cacheDir == "" {
				return usageError("--cache needs a cache directory (--cache-dir or cache_dir in the config)")
			}

			arc, err := a.openArchive(dir)
			if err != nil {
				return err
			}

			sess, err := a.unlock(cmd.Context(), arc, cred)
			if err != nil {
				return err
			}
			defer sess.Lock()

			var size int64
			start := time.Now()
			if useCache {
				size, err = a.decryptCached(cmd.Context(), arc, sess, cacheDir, target)
			} else {
				size, err = a.decryptToMemory(cmd.Context(), arc, sess, target)
			}
			a.metrics.Observe(metrics.OpDecrypt, start, err)
			if err != nil {
				return err
			}
			a.metrics.AddPayload(arc.Manifest().ChunkCount, size)

			out := a.stdout
			if target == "-" {
				out = a.stderr
			}
			return a.printer(out).PrintDecrypted(target, size)
		},
	}

	cred.register(cmd, "", "that unlocks the archive")
	cmd.Flags().BoolVar(&useCache, "cache", false, "keep a verified plaintext copy in the cache directory")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "cache directory (default from config)")
	return cmd
}

// unlock resolves a credential and opens a session on arc
func (a *app) unlock(ctx context.Context, arc *pagevault.Archive, f credentialFlags) (*pagevault.Session, error) {
	cred, err := a.unlockCredential(f)
	if err != nil {
		return nil, err
	}
	defer cred.Wipe()

	start := time.Now()
	stop := a.startSpinner("Unlocking archive...")
	sess, err := arc.Unlock(ctx, cred)
	stop()
	a.metrics.Observe(metrics.OpUnlock, start, err)
	if err != nil {
		return nil, err
	}
	a.log.Debugf("Session %s unlocked", sess.ID())
	return sess, nil
}

func (a *app) decryptToMemory(ctx context.Context, arc *pagevault.Archive, sess *pagevault.Session, target string) (int64, error) {
	sink, err := pagevault.NewMemorySink()
	if err != nil {
		return 0, err
	}
	defer sink.Discard()

	stop := a.startSpinner("Decrypting payload...")
	err = arc.Decrypt(ctx, sess, sink)
	stop()
	if err != nil {
		return 0, err
	}

	f, err := sink.Open()
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return a.writeOutput(target, f)
}

func (a *app) decryptCached(ctx context.Context, arc *pagevault.Archive, sess *pagevault.Session, cacheDir, target string) (int64, error) {
	cache := pagevault.NewCache(pagevault.NewDirFS(cacheDir), "/")
	exportID := arc.Manifest().ExportID

	if f, err := cache.Lookup(exportID); err == nil {
		defer f.Close()
		a.log.Infof("Serving %x from cache", exportID)
		return a.writeOutput(target, f)
	}

	sink, err := cache.Sink(exportID)
	if err != nil {
		return 0, err
	}
	stop := a.startSpinner("Decrypting payload...")
	err = arc.Decrypt(ctx, sess, sink)
	stop()
	if err != nil {
		return 0, err
	}

	f, err := cache.Lookup(exportID)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return a.writeOutput(target, f)
}

// writeOutput copies the payload to target, or stdout for "-"
func (a *app) writeOutput(target string, r io.Reader) (int64, error) {
	if target == "-" {
		return io.Copy(a.stdout, r)
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create output: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return 0, fmt.Errorf("failed to write output: %w", err)
	}
	return n, nil
}
