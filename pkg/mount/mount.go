// Package mount implements the private/bind/ro-recursive/pseudo mount
// primitives and the pivot_root teardown sequence the knot uses to
// assemble a jailed root filesystem.
//
// Ordering: mount_private("/") must precede any bind to prevent
// propagation into the host; pivot_root must happen after all mounts
// and before the workload exec; the old root is unmounted with
// MNT_DETACH once the new root is current.
package mount

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/lithos-run/lithos/pkg/lerr"
)

// Private makes path a private mount so nothing propagates into the
// host's mount namespace. Call once, on "/", before any bind.
func Private(path string) error {
	if err := unix.Mount("", path, "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return lerr.NewSyscallError("mount MS_PRIVATE "+path, err)
	}
	return nil
}

// Bind recursively bind-mounts src onto dst.
func Bind(src, dst string) error {
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return lerr.NewSyscallError(fmt.Sprintf("bind %s -> %s", src, dst), err)
	}
	return nil
}

// RORecursive remounts dst read-only with a single
// MS_BIND|MS_REMOUNT|MS_RDONLY|MS_REC mount(2) call. Mounts nested
// under dst are not remounted one by one.
func RORecursive(dst string) error {
	if err := unix.Mount("", dst, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
		return lerr.NewSyscallError("ro-recursive remount "+dst, err)
	}
	return nil
}

// Pseudo mounts a pseudo filesystem (proc, sysfs, devtmpfs, tmpfs) at
// dst, optionally read-only afterward.
func Pseudo(dst, fstype, opts string, ro bool) error {
	if err := unix.Mount(fstype, dst, fstype, 0, opts); err != nil {
		return lerr.NewSyscallError(fmt.Sprintf("mount %s at %s", fstype, dst), err)
	}
	if ro {
		if err := unix.Mount("", dst, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return lerr.NewSyscallError("ro remount "+dst, err)
		}
	}
	return nil
}

// ChangeRoot performs pivot_root(newRoot, putOld). After it returns,
// the previous root is reachable at putOld (which must be a directory
// inside newRoot) until Unmount is called on it.
func ChangeRoot(newRoot, putOld string) error {
	if err := unix.PivotRoot(newRoot, putOld); err != nil {
		return lerr.NewSyscallError("pivot_root", err)
	}
	return nil
}

// Unmount unmounts path, using MNT_DETACH (lazy unmount) so callers
// still holding an open fd or cwd under it don't block teardown.
func Unmount(path string) error {
	if err := unix.Unmount(path, unix.MNT_DETACH); err != nil {
		return lerr.NewSyscallError("unmount "+path, err)
	}
	return nil
}

// EnsureDir creates path (and parents) with perm if it doesn't exist.
func EnsureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return lerr.NewSyscallError("mkdir "+path, err)
	}
	return nil
}
