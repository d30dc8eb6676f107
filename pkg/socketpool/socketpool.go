// Package socketpool owns the tree's shared TCP listeners: recovering
// them across a supervisor restart, opening new ones under a scoped
// fsuid/fsgid so the socket inode is owned by the right container, and
// handing duplicated fds to knot children across fork+exec.
package socketpool

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/lithos-run/lithos/pkg/lerr"
)

// Socket is one listening TCP socket the pool owns, keyed by the
// address it's bound to.
type Socket struct {
	Addr string
	Fd   int
	Uid  uint32
	Gid  uint32
}

// Config carries the per-address listener options.
type Config struct {
	ReuseAddr   bool
	ReusePort   bool
	SetNonBlock bool
	Backlog     int
}

// Pool indexes live sockets by bound address, so GC can close the
// sockets whose addresses are absent from the live set it is given.
type Pool struct {
	mu      sync.Mutex
	sockets map[string]*Socket
}

// New builds an empty Pool.
func New() *Pool {
	return &Pool{sockets: make(map[string]*Socket)}
}

// RecoverFromSelf scans /proc/self/fd for inherited inet sockets
// (whether or not they are listening) and records each under its
// bound address, the mechanism by
// which a tree restart re-adopts the previous run's live listeners.
func (p *Pool) RecoverFromSelf() error {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return lerr.NewSyscallError("readdir /proc/self/fd", err)
	}

	for _, e := range entries {
		fd, err := strconv.Atoi(e.Name())
		if err != nil || fd < 3 {
			continue
		}

		sa, err := unix.Getsockname(fd)
		if err != nil {
			continue
		}

		addr, ok := formatSockaddr(sa)
		if !ok {
			continue
		}

		p.mu.Lock()
		p.sockets[addr] = &Socket{Addr: addr, Fd: fd}
		p.mu.Unlock()
	}
	return nil
}

func formatSockaddr(sa unix.Sockaddr) (string, bool) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port), true
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", a.Addr, a.Port), true
	default:
		return "", false
	}
}

// Open creates a new TCP listening socket bound to addr under the
// given scoped uid/gid, applying cfg, and records it in the pool. The
// caller's fsuid/fsgid are set for the duration of socket creation
// only, so the resulting inode is owned by (uid, gid) without
// affecting any other privileged step.
func (p *Pool) Open(addr string, cfg Config, uid, gid uint32) (*Socket, error) {
	host, portStr, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, lerr.NewConfigError(addr, fmt.Errorf("invalid port: %w", err))
	}

	// Setfsuid/Setfsgid are per-OS-thread; without pinning the
	// goroutine, Go's scheduler could resume it on a different thread
	// between the Setfsuid call and the socket/bind syscalls below,
	// silently losing the scoped identity.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	restoreFsuid := withFsuid(uid)
	defer restoreFsuid()
	restoreFsgid := withFsgid(gid)
	defer restoreFsgid()

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, lerr.NewSyscallError("socket", err)
	}

	sock := &Socket{Addr: addr, Fd: fd, Uid: uid, Gid: gid}
	fail := func(step string, err error) (*Socket, error) {
		unix.Close(fd)
		return nil, lerr.NewSyscallError(step, err)
	}

	if cfg.ReuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fail("setsockopt SO_REUSEADDR", err)
		}
	}
	if cfg.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fail("setsockopt SO_REUSEPORT", err)
		}
	}

	sa := &unix.SockaddrInet4{Port: port, Addr: parseIPv4(host)}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind "+addr, err)
	}

	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = 128
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen "+addr, err)
	}

	if err := clearCloexec(fd); err != nil {
		return fail("clear cloexec", err)
	}

	if cfg.SetNonBlock {
		if err := unix.SetNonblock(fd, true); err != nil {
			return fail("set nonblock", err)
		}
	}

	p.mu.Lock()
	p.sockets[addr] = sock
	p.mu.Unlock()
	return sock, nil
}

// EnsureFor returns the socket bound to addr, opening it via cfg if
// it isn't already in the pool.
func (p *Pool) EnsureFor(addr string, cfg Config, uid, gid uint32) (*Socket, error) {
	p.mu.Lock()
	sock, ok := p.sockets[addr]
	p.mu.Unlock()
	if ok {
		return sock, nil
	}
	return p.Open(addr, cfg, uid, gid)
}

// GC closes and forgets every socket whose address is not in live.
func (p *Pool) GC(live map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, sock := range p.sockets {
		if live[addr] {
			continue
		}
		unix.Close(sock.Fd)
		delete(p.sockets, addr)
	}
}

// Len reports how many sockets the pool currently holds.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sockets)
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", lerr.NewConfigError(addr, fmt.Errorf("address missing port"))
	}
	host := addr[:idx]
	if host == "" {
		host = "0.0.0.0"
	}
	return host, addr[idx+1:], nil
}

func parseIPv4(host string) [4]byte {
	var out [4]byte
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return out
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return [4]byte{}
		}
		out[i] = byte(n)
	}
	return out
}

func clearCloexec(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return err
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags&^unix.FD_CLOEXEC)
	return err
}
