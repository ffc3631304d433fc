// Package confine restricts the process to an assembled filesystem root
// and runs the target command inside it. Confinement is irreversible and
// process-wide: once Enter succeeds, the host filesystem view is gone for
// good, so everything that touches host paths must happen first. The
// Confined handle is the only way to reach Run, which keeps pre- and
// post-confinement operations apart at the type level.
package confine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/onkernel/crate/lib/besteffort"
)

// ExecError reports that confinement or the spawn itself failed. A
// non-zero exit from a successfully spawned command is not an error.
type ExecError struct {
	Op  string
	Err error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Outcome is the captured result of a confined command run.
type Outcome struct {
	// Status is the child's exit status. A child that died without one
	// (killed by a signal) reports 0.
	Status int
	Stdout []byte
	Stderr []byte
}

// Confined is the post-confinement side of the gate. It can only be
// obtained through Enter.
type Confined struct {
	logger *slog.Logger
}

// Enter changes the process's filesystem root to root and requests a new
// PID namespace for child processes. The chroot is mandatory; namespace
// isolation is tolerated to fail (it needs CAP_SYS_ADMIN) and the run
// continues without it.
func Enter(root string, logger *slog.Logger) (*Confined, error) {
	if err := unix.Chroot(root); err != nil {
		return nil, &ExecError{Op: "chroot " + root, Err: err}
	}
	if err := unix.Chdir("/"); err != nil {
		return nil, &ExecError{Op: "chdir to new root", Err: err}
	}

	besteffort.Do(logger, "isolate pid namespace", func() error {
		return unix.Unshare(unix.CLONE_NEWPID)
	})

	return &Confined{logger: logger}, nil
}

// Run spawns command with args, the path resolving against the new root,
// and blocks until it exits. Stdout and stderr are captured in full, not
// streamed.
func (c *Confined) Run(command string, args []string) (*Outcome, error) {
	c.logger.Debug("running confined command", "command", command, "args", args)
	return run(command, args)
}

func run(command string, args []string) (*Outcome, error) {
	cmd := exec.Command(command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &ExecError{Op: "spawn " + command, Err: err}
		}
	}

	status := cmd.ProcessState.ExitCode()
	if status < 0 {
		status = 0
	}

	return &Outcome{
		Status: status,
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}, nil
}
