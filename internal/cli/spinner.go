package cli

import (
	"time"

	"github.com/briandowns/spinner"
)

// startSpinner shows message while a slow step runs on a terminal. In
// verbose or debug mode the log lines take its place.
func (a *app) startSpinner(message string) func() {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(a.stderr))
	s.Suffix = " " + message

	// Ignore color errors - continue without colored spinner if it fails.
	_ = s.Color("cyan")

	quiet := !a.log.Verbose && !a.log.Debug
	if quiet && a.isTerminal() {
		s.Start()
	} else {
		a.log.Infof("%s", message)
	}

	return s.Stop
}
