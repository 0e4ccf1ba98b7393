// Package volume verifies that a data directory sits on a persistent,
// independently-mounted volume before the daemon trusts it for durable
// storage.
package volume

import (
	"fmt"
	"path/filepath"
	"syscall"
)

// RequirePersistent returns an error if dir is not a mount point of a
// different device than its parent directory. A container's overlay root
// and a bind-mounted data volume report different filesystem IDs (Fsid)
// from Statfs; an ordinary subdirectory of the root filesystem does not. This
// check is the hard-failure gate described for the metrics store: refusing
// to start here prevents silent data loss across container restarts.
func RequirePersistent(dir string) error {
	var dirStat, parentStat syscall.Statfs_t

	if err := syscall.Statfs(dir, &dirStat); err != nil {
		return fmt.Errorf("statfs %s: %w", dir, err)
	}

	parent := filepath.Dir(filepath.Clean(dir))
	if err := syscall.Statfs(parent, &parentStat); err != nil {
		return fmt.Errorf("statfs %s: %w", parent, err)
	}

	if dirStat.Fsid == parentStat.Fsid {
		return fmt.Errorf("%s is not a mount point distinct from %s; refusing to use a non-persistent data directory", dir, parent)
	}
	return nil
}
