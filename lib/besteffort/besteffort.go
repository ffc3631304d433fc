// Package besteffort marks operations whose failure is tolerated.
// Some launcher steps (device-node placeholders, PID namespace isolation)
// are allowed to fail without aborting the run; routing them through Do
// keeps that tolerance explicit and logged instead of accidental.
package besteffort

import "log/slog"

// Do runs op and logs a warning if it fails. The failure is never
// propagated to the caller.
func Do(logger *slog.Logger, name string, op func() error) {
	if err := op(); err != nil {
		logger.Warn("optional step failed, continuing", "step", name, "error", err)
	}
}
