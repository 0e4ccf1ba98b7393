package p95

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isNoSpaceError reports whether err wraps ENOSPC, as produced by a
// failed fsync/rename on a full filesystem.
func isNoSpaceError(err error) bool {
	return errors.Is(err, unix.ENOSPC)
}
