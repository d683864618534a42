package cli

import (
	"errors"

	"github.com/absfs/pagevault"
)

// Process exit codes
const (
	ExitOK             = 0
	ExitAuthentication = 1
	ExitUsage          = 2
	ExitArchive        = 3
	ExitLastSlot       = 4
)

// ExitCode maps an error returned by Execute to the process exit code
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, pagevault.ErrLastSlot):
		return ExitLastSlot
	case pagevault.IsAuthenticationError(err):
		return ExitAuthentication
	case errors.Is(err, pagevault.ErrArchiveNotFound),
		pagevault.IsCorruptionError(err),
		pagevault.IsChunkIntegrityError(err),
		pagevault.IsIOError(err):
		return ExitArchive
	default:
		return ExitUsage
	}
}
