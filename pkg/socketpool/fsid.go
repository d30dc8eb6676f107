package socketpool

import "golang.org/x/sys/unix"

// withFsuid sets the calling thread's fsuid to uid for the duration
// of a privileged socket-creation step, returning a func that restores
// the previous value. SetfsuidRetUid reports the prior fsuid, which is
// how the kernel exposes "what was it before" without a separate
// getter.
func withFsuid(uid uint32) func() {
	if uid == 0 {
		return func() {}
	}
	prev, err := unix.SetfsuidRetUid(int(uid))
	if err != nil {
		return func() {}
	}
	return func() { unix.Setfsuid(prev) }
}

// withFsgid is withFsuid's gid counterpart.
func withFsgid(gid uint32) func() {
	if gid == 0 {
		return func() {}
	}
	prev, err := unix.SetfsgidRetGid(int(gid))
	if err != nil {
		return func() {}
	}
	return func() { unix.Setfsgid(prev) }
}
