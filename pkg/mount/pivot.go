package mount

import (
	"os"
	"path/filepath"
)

// PivotAndUnmount runs the full root-switch sequence: chdir into
// newRoot, pivot_root with the old root parked on putOldName inside
// it, chdir to "/", then lazily unmount the old root. putOldName must
// already exist inside newRoot when the image is mounted read-only
// (containers use "tmp", present in any workable image); the mkdir is
// a no-op then. There is no chroot fallback: pivot_root failure is
// always fatal for a Lithos container, since the workload must run
// under a real new root, not a chroot overlay.
func PivotAndUnmount(newRoot, putOldName string) error {
	if err := os.Chdir(newRoot); err != nil {
		return err
	}

	// No-op when the directory already exists; on a read-only image a
	// genuinely missing putOldName surfaces as the pivot_root error
	// below, which carries the better message.
	_ = os.MkdirAll(filepath.Join(newRoot, putOldName), 0o755)

	if err := ChangeRoot(".", putOldName); err != nil {
		return err
	}

	if err := os.Chdir("/"); err != nil {
		return err
	}

	return Unmount("/" + putOldName)
}
