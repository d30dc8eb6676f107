// Package mount wraps the mount(2)/pivot_root(2)/umount2(2) syscalls
// lithos-knot uses to build a container's root filesystem. Every
// exported function maps to exactly one syscall (or a small fixed
// sequence) so the call site in pkg/knot reads as the ordered
// bring-up steps themselves, not as an abstraction over them.
package mount
