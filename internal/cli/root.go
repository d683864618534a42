package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/absfs/pagevault"
	"github.com/absfs/pagevault/internal/audit"
	"github.com/absfs/pagevault/internal/config"
	"github.com/absfs/pagevault/internal/logging"
	"github.com/absfs/pagevault/internal/metrics"
	"github.com/spf13/cobra"
)

// app carries the state shared by every command of one invocation
type app struct {
	// Persistent flags
	configFile string
	verbose    bool
	debug      bool
	output     string

	cfg     *config.Config
	log     logging.Logger
	metrics *metrics.Recorder
	audit   audit.Log

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// isTerminal reports whether prompts can be shown
	isTerminal func() bool
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		isTerminal: stdinIsTerminal,
		metrics:    metrics.NewRecorder(),
	}
}

// Execute runs the pagevault command line with os.Args
func Execute() error {
	return newApp(os.Stdin, os.Stdout, os.Stderr).run(os.Args[1:])
}

func (a *app) run(args []string) error {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := root.ExecuteContext(ctx)

	if a.cfg != nil && a.cfg.MetricsFile != "" {
		if merr := a.metrics.WriteFile(a.cfg.MetricsFile); merr != nil {
			a.log.Warnf("Failed to write metrics: %v", merr)
		}
	}
	if err != nil {
		_ = a.printer(a.stderr).PrintError(err)
	}
	return err
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pagevault",
		Short: "Envelope-encrypted archives for static hosting",
		Long: `pagevault encrypts a payload into an archive of fixed-size chunks and a
public manifest that can be published on any static host. The payload key is
wrapped once per credential, so passwords and recovery secrets can be added,
revoked and rotated without re-uploading unrelated data.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVar(&a.configFile, "config", "",
		"config file (default is $"+config.EnvConfigPath+")")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	root.PersistentFlags().BoolVarP(&a.debug, "debug", "d", false, "debug output")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", string(OutputFormatText),
		"output format (text, json)")

	root.AddCommand(
		a.exportCmd(),
		a.decryptCmd(),
		a.listSlotsCmd(),
		a.addSlotCmd(),
		a.revokeSlotCmd(),
		a.rotateKeysCmd(),
		a.estimateCmd(),
		a.verifyBundleCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	switch OutputFormat(a.output) {
	case OutputFormatText, OutputFormatJSON:
	default:
		return pagevault.NewConfigurationError("output", a.output, "must be text or json")
	}

	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.log = logging.Logger{
		Verbose: a.verbose || cfg.Logging.Verbose,
		Debug:   a.debug || cfg.Logging.Debug,
		Out:     a.stderr,
		Err:     a.stderr,
	}
	a.audit = audit.Log{Path: cfg.AuditLog}
	a.log.Debugf("Running %s with config %q", cmd.Name(), a.configFile)
	return nil
}

func (a *app) printer(w io.Writer) *Printer {
	return NewPrinter(a.output, w)
}

// openArchive opens the archive directory dir
func (a *app) openArchive(dir string) (*pagevault.Archive, error) {
	a.log.Debugf("Opening archive at %s", dir)
	return pagevault.OpenArchive(pagevault.NewDirFS(dir), "/", a.log.Slog())
}

func usageError(format string, args ...any) error {
	return pagevault.NewConfigurationError("arguments", nil, fmt.Sprintf(format, args...))
}
