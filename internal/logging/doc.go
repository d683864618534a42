// Package logging provides the console logger used by the pagevault CLI.
//
// # Verbosity Levels
//
// Logging behavior is controlled by two flags:
//
//   - --verbose: Shows info messages
//   - --debug: Shows all messages including debug details
//
// Warnings and errors are always shown.
//
// # Library Logs
//
// The pagevault library logs through log/slog. Slog returns a *slog.Logger
// whose records are routed through the same Logger, so library and CLI
// output share prefixes, colors and verbosity:
//
//	log := logging.Logger{Verbose: verbose, Debug: debug}
//	opts.Logger = log.Slog()
package logging
