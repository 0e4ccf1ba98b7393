package volume

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRequirePersistentRejectsOrdinarySubdirectory(t *testing.T) {
	// A plain subdirectory of t.TempDir() shares its parent's device/fsid;
	// it must never pass as a persistent volume.
	dir := filepath.Join(t.TempDir(), "data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := RequirePersistent(dir); err == nil {
		t.Fatal("expected an ordinary subdirectory to be rejected as non-persistent")
	}
}

func TestRequirePersistentMissingDirReturnsError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	if err := RequirePersistent(dir); err == nil {
		t.Fatal("expected statfs failure on a missing directory")
	}
}
