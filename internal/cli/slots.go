package cli

import (
	"strconv"
	"time"

	"github.com/absfs/pagevault"
	"github.com/absfs/pagevault/internal/audit"
	"github.com/absfs/pagevault/internal/metrics"
	"github.com/spf13/cobra"
)

func (a *app) listSlotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-slots <archive-dir>",
		Short: "Show the manifest and key slots of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arc, err := a.openArchive(args[0])
			if err != nil {
				return err
			}
			return a.printer(a.stdout).PrintManifest(args[0], arc.Manifest())
		},
	}
}

func (a *app) addSlotCmd() *cobra.Command {
	var (
		cred  credentialFlags
		slots slotFlags
	)

	cmd := &cobra.Command{
		Use:   "add-slot <archive-dir>",
		Short: "Bind a new credential to an archive",
		Long: `Unlock an archive with an existing credential and bind exactly one new
credential (--new-password-file, --new-recovery-secret, --new-recovery-file
or --generate-recovery) as an additional key slot. Chunks are not touched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]

			// resolved before unlocking so a prompt cannot outlast the session
			specs, recovery, err := a.newSlots(slots)
			if err != nil {
				return err
			}
			defer wipeSlots(specs)
			if len(specs) != 1 {
				return usageError("add-slot binds exactly one credential, got %d", len(specs))
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

			start := time.Now()
			env, err := arc.AddSlot(sess, specs[0], nil)
			a.metrics.Observe(metrics.OpAddSlot, start, err)
			if err != nil {
				return err
			}

			slot := env.Slots[len(env.Slots)-1]
			a.audit.Record(audit.Entry{
				Operation:  "add-slot",
				Archive:    dir,
				ExportID:   env.ExportIDHex(),
				SlotID:     audit.SlotID(slot.ID),
				Label:      slot.Label,
				Kind:       string(slot.Kind),
				SlotsCount: len(env.Slots),
			})
			return a.printer(a.stdout).PrintSlotAdded(env, slot, recovery)
		},
	}

	cred.register(cmd, "", "that unlocks the archive")
	slots.register(cmd, "new-")
	return cmd
}

func (a *app) revokeSlotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-slot <archive-dir> <slot-id>",
		Short: "Remove a key slot from an archive",
		Long: `Remove one key slot from the manifest. The last remaining slot can never be
revoked. Revoking does not re-encrypt anything: a holder of the revoked
credential who kept a copy of the old manifest can still read the payload
until rotate-keys is run.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			id, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return usageError("invalid slot id %q", args[1])
			}

			arc, err := a.openArchive(dir)
			if err != nil {
				return err
			}

			start := time.Now()
			env, err := arc.RevokeSlot(uint32(id))
			a.metrics.Observe(metrics.OpRevokeSlot, start, err)
			if err != nil {
				return err
			}

			a.audit.Record(audit.Entry{
				Operation:  "revoke-slot",
				Archive:    dir,
				ExportID:   env.ExportIDHex(),
				SlotID:     audit.SlotID(uint32(id)),
				SlotsCount: len(env.Slots),
			})
			return a.printer(a.stdout).PrintSlotRevoked(env, uint32(id))
		},
	}
}

func (a *app) rotateKeysCmd() *cobra.Command {
	var (
		cred   credentialFlags
		slots  slotFlags
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "rotate-keys <archive-dir>",
		Short: "Re-encrypt an archive under a new payload key",
		Long: `Unlock an archive with an existing credential, generate a new payload key
and re-encrypt every chunk. All old key slots are replaced by the new
credentials. With --dry-run every chunk is authenticated and nothing is
written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]

			opts := pagevault.KeyRotationOptions{
				KDF:      a.cfg.KDFParams(),
				Parallel: a.cfg.EncryptOptions().Parallel,
				DryRun:   dryRun,
				Logger:   a.log.Slog(),
			}

			var recovery string
			if !dryRun {
				specs, generated, err := a.newSlots(slots)
				if err != nil {
					return err
				}
				defer wipeSlots(specs)
				opts.NewSlots = specs
				recovery = generated
			}

			arc, err := a.openArchive(dir)
			if err != nil {
				return err
			}
			oldCred, err := a.unlockCredential(cred)
			if err != nil {
				return err
			}
			defer oldCred.Wipe()

			op, msg := metrics.OpRotate, "Re-encrypting chunks..."
			if dryRun {
				op, msg = metrics.OpVerify, "Verifying chunks..."
			}

			start := time.Now()
			stop := a.startSpinner(msg)
			env, err := arc.Rotate(cmd.Context(), oldCred, opts)
			stop()
			a.metrics.Observe(op, start, err)
			if err != nil {
				return err
			}
			a.metrics.AddPayload(env.ChunkCount, 0)

			if !dryRun {
				a.audit.Record(audit.Entry{
					Operation:  "rotate-keys",
					Archive:    dir,
					ExportID:   env.ExportIDHex(),
					SlotsCount: len(env.Slots),
					Chunks:     env.ChunkCount,
				})
			}
			return a.printer(a.stdout).PrintRotation(dir, env, dryRun, recovery)
		},
	}

	cred.register(cmd, "", "that unlocks the archive")
	slots.register(cmd, "new-")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "authenticate every chunk without writing")
	return cmd
}
