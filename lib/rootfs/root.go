// Package rootfs builds the filesystem root a pulled image runs in: a
// uniquely named directory that accumulates unpacked layers, the target
// executable and minimal device placeholders. Each root belongs to exactly
// one invocation and is never shared or reused.
package rootfs

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/nrednav/cuid2"

	"github.com/onkernel/crate/lib/besteffort"
)

// Root is an isolated filesystem root under assembly. Once the process
// confines itself to it, the Root handle is no longer usable (the host
// path it names is unreachable from inside).
type Root struct {
	path string
}

// New creates a fresh, uniquely named root directory under parentDir.
// The directory exists before any layer is applied to it.
func New(parentDir string) (*Root, error) {
	if err := os.MkdirAll(parentDir, 0755); err != nil {
		return nil, &AssemblyError{Err: fmt.Errorf("create roots dir: %w", err)}
	}

	path := filepath.Join(parentDir, "crate-"+cuid2.Generate())
	if err := os.Mkdir(path, 0755); err != nil {
		return nil, &AssemblyError{Err: fmt.Errorf("create root dir: %w", err)}
	}

	return &Root{path: path}, nil
}

// Path returns the host-side location of the root.
func (r *Root) Path() string {
	return r.path
}

// InstallExecutable copies the binary at hostPath into the root at the
// same path minus its leading separator, so the command resolves once the
// process is confined. The executable bit and mode are preserved.
func (r *Root) InstallExecutable(hostPath string) error {
	src, err := os.Open(hostPath)
	if err != nil {
		return &AssemblyError{Err: fmt.Errorf("open executable: %w", err)}
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return &AssemblyError{Err: fmt.Errorf("stat executable: %w", err)}
	}

	target, err := securejoin.SecureJoin(r.path, strings.TrimPrefix(hostPath, "/"))
	if err != nil {
		return &AssemblyError{Err: fmt.Errorf("resolve target path: %w", err)}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return &AssemblyError{Err: fmt.Errorf("create executable parent dirs: %w", err)}
	}

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return &AssemblyError{Err: fmt.Errorf("create executable in root: %w", err)}
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return &AssemblyError{Err: fmt.Errorf("copy executable: %w", err)}
	}

	return nil
}

// EnsureDeviceNodes creates a minimal dev/ directory with an empty
// placeholder for the null device. A pulled layer may already provide
// either, so both steps tolerate failure.
func (r *Root) EnsureDeviceNodes(logger *slog.Logger) {
	devDir := filepath.Join(r.path, "dev")
	besteffort.Do(logger, "create dev directory", func() error {
		return os.Mkdir(devDir, 0755)
	})
	besteffort.Do(logger, "create dev/null placeholder", func() error {
		return os.WriteFile(filepath.Join(devDir, "null"), nil, 0666)
	})
}

// Remove deletes the root and everything under it. Only callable before
// confinement; afterwards the path no longer resolves.
func (r *Root) Remove() error {
	return os.RemoveAll(r.path)
}
