package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/absfs/pagevault"
	"github.com/fatih/color"
)

type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

type Printer struct {
	format OutputFormat
	writer io.Writer
}

func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

type slotView struct {
	ID    uint32 `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label"`
}

type manifestView struct {
	Archive     string     `json:"archive"`
	ExportID    string     `json:"export_id"`
	Version     uint8      `json:"version"`
	Compression string     `json:"compression"`
	ChunkSize   int        `json:"chunk_size"`
	ChunkCount  uint32     `json:"chunk_count"`
	Slots       []slotView `json:"slots"`
}

func newManifestView(archive string, env *pagevault.Envelope) manifestView {
	v := manifestView{
		Archive:     archive,
		ExportID:    env.ExportIDHex(),
		Version:     env.Version,
		Compression: string(env.Compression),
		ChunkSize:   env.ChunkSize,
		ChunkCount:  env.ChunkCount,
		Slots:       make([]slotView, 0, len(env.Slots)),
	}
	for _, s := range env.Slots {
		v.Slots = append(v.Slots, slotView{ID: s.ID, Kind: string(s.Kind), Label: s.Label})
	}
	return v
}

// PrintManifest prints the public summary of an archive
func (p *Printer) PrintManifest(archive string, env *pagevault.Envelope) error {
	v := newManifestView(archive, env)
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(v)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Archive:     %s\n", v.Archive)
		fmt.Fprintf(p.writer, "Export ID:   %s\n", v.ExportID)
		fmt.Fprintf(p.writer, "Chunks:      %d x %s (%s)\n", v.ChunkCount, pagevault.FormatBytes(uint64(v.ChunkSize)), v.Compression)
		fmt.Fprintf(p.writer, "Key slots:   %d\n", len(v.Slots))
		for _, s := range v.Slots {
			fmt.Fprintf(p.writer, "  [%d] %-8s %s\n", s.ID, s.Kind, s.Label)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintExport prints the result of an export, including a generated
// recovery secret if there is one
func (p *Printer) PrintExport(archive string, env *pagevault.Envelope, payloadBytes int64, recovery string) error {
	switch p.format {
	case OutputFormatJSON:
		out := map[string]any{
			"manifest":      newManifestView(archive, env),
			"payload_bytes": payloadBytes,
		}
		if recovery != "" {
			out["recovery_secret"] = recovery
		}
		return p.printJSON(out)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%s Exported %s to %s\n", color.GreenString("✓"), pagevault.FormatBytes(uint64(payloadBytes)), archive)
		if err := p.PrintManifest(archive, env); err != nil {
			return err
		}
		if recovery != "" {
			p.printRecovery(recovery)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSlotAdded prints the slot created by add-slot
func (p *Printer) PrintSlotAdded(env *pagevault.Envelope, slot pagevault.KeySlot, recovery string) error {
	switch p.format {
	case OutputFormatJSON:
		out := map[string]any{
			"export_id": env.ExportIDHex(),
			"slot":      slotView{ID: slot.ID, Kind: string(slot.Kind), Label: slot.Label},
			"slots":     len(env.Slots),
		}
		if recovery != "" {
			out["recovery_secret"] = recovery
		}
		return p.printJSON(out)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%s Added %s slot %d (%s)\n", color.GreenString("✓"), slot.Kind, slot.ID, slot.Label)
		if recovery != "" {
			p.printRecovery(recovery)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSlotRevoked prints the outcome of revoke-slot
func (p *Printer) PrintSlotRevoked(env *pagevault.Envelope, id uint32) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"export_id": env.ExportIDHex(),
			"revoked":   id,
			"slots":     len(env.Slots),
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%s Revoked slot %d, %d remaining\n", color.GreenString("✓"), id, len(env.Slots))
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintRotation prints the outcome of rotate-keys
func (p *Printer) PrintRotation(archive string, env *pagevault.Envelope, dryRun bool, recovery string) error {
	switch p.format {
	case OutputFormatJSON:
		out := map[string]any{
			"dry_run":  dryRun,
			"manifest": newManifestView(archive, env),
		}
		if recovery != "" {
			out["recovery_secret"] = recovery
		}
		return p.printJSON(out)
	case OutputFormatText:
		if dryRun {
			fmt.Fprintf(p.writer, "%s All %d chunks verified, nothing written\n", color.GreenString("✓"), env.ChunkCount)
			return nil
		}
		fmt.Fprintf(p.writer, "%s Rotated keys for %s\n", color.GreenString("✓"), archive)
		if err := p.PrintManifest(archive, env); err != nil {
			return err
		}
		if recovery != "" {
			p.printRecovery(recovery)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintDecrypted reports where the plaintext went
func (p *Printer) PrintDecrypted(target string, size int64) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{"output": target, "bytes": size})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%s Decrypted %s to %s\n", color.GreenString("✓"), pagevault.FormatBytes(uint64(size)), target)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintEstimate prints a size estimate and its limit status
func (p *Printer) PrintEstimate(e pagevault.SizeEstimate, status pagevault.LimitStatus) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{"estimate": e, "status": status.String()})
	case OutputFormatText:
		fmt.Fprintln(p.writer, e.String())
		if status == pagevault.LimitWarning {
			fmt.Fprintf(p.writer, "%s %s\n", color.YellowString("!"), e.Warning())
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintBundleCheck prints the warnings of verify-bundle
func (p *Printer) PrintBundleCheck(root string, warnings []pagevault.SizeWarning) error {
	switch p.format {
	case OutputFormatJSON:
		list := make([]string, 0, len(warnings))
		for _, w := range warnings {
			list = append(list, w.String())
		}
		return p.printJSON(map[string]any{"bundle": root, "ok": true, "warnings": list})
	case OutputFormatText:
		for _, w := range warnings {
			fmt.Fprintf(p.writer, "%s %s\n", color.YellowString("!"), w)
		}
		fmt.Fprintf(p.writer, "%s %s is within hosting limits\n", color.GreenString("✓"), root)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error with its exit code
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"error":     err.Error(),
			"exit_code": ExitCode(err),
		})
	default:
		_, werr := fmt.Fprintf(p.writer, "%s %v\n", color.RedString("Error:"), err)
		return werr
	}
}

func (p *Printer) printRecovery(secret string) {
	fmt.Fprintln(p.writer)
	fmt.Fprintln(p.writer, color.YellowString("Recovery secret (shown once, store it offline):"))
	fmt.Fprintf(p.writer, "  %s\n", secret)
}

// printJSON prints data as JSON
func (p *Printer) printJSON(data any) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
