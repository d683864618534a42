package cli

import (
	"os"
	"time"

	"github.com/absfs/pagevault"
	"github.com/absfs/pagevault/internal/metrics"
	"github.com/spf13/cobra"
)

func (a *app) estimateCmd() *cobra.Command {
	var conversations, messages uint64

	cmd := &cobra.Command{
		Use:   "estimate <payload>",
		Short: "Estimate the published size of a bundle before exporting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := os.Stat(args[0])
			if err != nil {
				return pagevault.NewIOError("stat", args[0], err)
			}

			est := pagevault.EstimateSize(uint64(info.Size()), conversations, messages)
			status, limitErr := est.CheckLimits()
			if err := a.printer(a.stdout).PrintEstimate(est, status); err != nil {
				return err
			}
			return limitErr
		},
	}

	cmd.Flags().Uint64Var(&conversations, "conversations", 0, "number of conversations in the payload")
	cmd.Flags().Uint64Var(&messages, "messages", 0, "number of messages in the payload")
	return cmd
}

func (a *app) verifyBundleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-bundle <dir>",
		Short: "Check a publish directory against static hosting limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			warnings, err := pagevault.VerifyBundle(pagevault.NewDirFS(args[0]), "/")
			a.metrics.Observe(metrics.OpVerify, start, err)
			if err != nil {
				return err
			}
			a.log.Debugf("Bundle checked with %d warnings", len(warnings))
			return a.printer(a.stdout).PrintBundleCheck(args[0], warnings)
		},
	}
}
