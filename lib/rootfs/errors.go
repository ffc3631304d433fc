package rootfs

import (
	"errors"
	"fmt"
)

// ErrInvalidArchivePath is returned when a tar entry resolves outside the root.
var ErrInvalidArchivePath = errors.New("invalid archive path")

// AssemblyError reports a failure preparing the isolated root: the target
// executable could not be read from the host, or the root could not be
// written to.
type AssemblyError struct {
	Err error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble root: %v", e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }
