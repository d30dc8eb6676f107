/*
Package log provides structured logging for lithos-tree and lithos-knot
using zerolog.

The global Logger is initialized once via Init, then read by every
package through the package-level Logger variable or one of the
WithSandbox / WithInstance / WithPid child-logger helpers. Output is
JSON by default (the process-manager-friendly shape); --log-stderr
switches to a human-readable console writer.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stderr})
	log.WithInstance("web/api.0").Info().Msg("spawned")

This is operational logging only. The accepted-process-tree audit
trail under config-log/ is a separate, independently-rotated sink; see
pkg/configlog.
*/
package log
