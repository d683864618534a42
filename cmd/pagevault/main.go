package main

import (
	"os"

	"github.com/absfs/pagevault/internal/cli"
)

func main() {
	os.Exit(cli.ExitCode(cli.Execute()))
}
