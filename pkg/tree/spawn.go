package tree

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lithos-run/lithos/pkg/config"
	"github.com/lithos-run/lithos/pkg/lerr"
	"github.com/lithos-run/lithos/pkg/log"
	"github.com/lithos-run/lithos/pkg/metrics"
	"github.com/lithos-run/lithos/pkg/socketpool"
)

// externalSocketWire is one entry of LITHOS_EXTERNAL_SOCKETS, the
// mapping handed to the spawned knot so it can recover, from its own
// fd table, which dup'd socket is which declared tcp_ports entry.
// Its shape must match
// pkg/knot's own unexported externalSocket wire type.
type externalSocketWire struct {
	Name       string `json:"name"`
	ReceivedFd int    `json:"received_fd"`
	TargetFd   int    `json:"target_fd"`
}

// startInstance handles a scheduled Start action: ensure
// the instance's external sockets are open, spawn the knot with them
// attached, and track the resulting pid in the live map. A socket or
// spawn failure requeues the Start action at now+restart_timeout and
// counts a failure instead of aborting the tree.
func (t *Tree) startInstance(proc *Process) {
	if proc.Container == nil {
		log.Errorf(fmt.Sprintf("start %s", proc.Name), lerr.NewConfigError(proc.Name, fmt.Errorf("no instantiated container config")))
		t.failAndRequeue(proc)
		return
	}

	files, wire, err := t.attachSockets(proc)
	if err != nil {
		log.Errorf(fmt.Sprintf("open sockets for %s", proc.Name), err)
		t.failAndRequeue(proc)
		return
	}
	// The dup'd wrappers are only needed until fork+exec hands the
	// child its own copies.
	defer closeAll(files)

	configJSON, err := config.MarshalCmdline(&proc.Child)
	if err != nil {
		log.Errorf(fmt.Sprintf("marshal config for %s", proc.Name), err)
		t.failAndRequeue(proc)
		return
	}

	cmd := exec.Command(t.knotPath,
		"--name", proc.Name,
		"--master", t.masterPath,
		"--config", configJSON,
	)
	cmd.ExtraFiles = files
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	env := os.Environ()
	if len(wire) > 0 {
		wireJSON, err := json.Marshal(wire)
		if err != nil {
			log.Errorf(fmt.Sprintf("marshal socket map for %s", proc.Name), err)
			t.failAndRequeue(proc)
			return
		}
		env = append(env, "LITHOS_EXTERNAL_SOCKETS="+string(wireJSON))
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		log.Errorf(fmt.Sprintf("spawn knot for %s", proc.Name), err)
		t.failAndRequeue(proc)
		return
	}

	delete(t.pending, proc.Name)
	proc.LastSpawn = time.Now()
	t.live[cmd.Process.Pid] = proc
	metrics.Started.WithLabelValues(proc.Sandbox).Inc()
	metrics.Running.WithLabelValues(proc.Sandbox).Inc()
	log.Info(fmt.Sprintf("started %s (pid %d)", proc.Name, cmd.Process.Pid))
}

// attachSockets ensures every tcp_port the tree must open in the host
// network namespace for proc exists in the socket pool, then returns
// them as *os.File values ready for cmd.ExtraFiles (ports iterated in
// a stable, name-sorted order so the wire mapping lines up) together
// with the wire description of where each lands.
func (t *Tree) attachSockets(proc *Process) (files []*os.File, wire []externalSocketWire, err error) {
	ports := config.ExternalPorts(proc.SandboxCfg, proc.Container)
	if len(ports) == 0 {
		return nil, nil, nil
	}

	names := make([]string, 0, len(ports))
	for name := range ports {
		names = append(names, name)
	}
	sort.Strings(names)

	files = make([]*os.File, 0, len(names))
	wire = make([]externalSocketWire, 0, len(names))
	for i, name := range names {
		port := ports[name]
		cfg := socketpool.Config{
			ReuseAddr:   port.ReuseAddr,
			ReusePort:   port.ReusePort,
			SetNonBlock: port.SetNonBlock,
			Backlog:     port.ListenBacklog,
		}

		var sock *socketpool.Socket
		if port.ReusePort {
			// REUSEPORT ports are opened fresh per child, never
			// cached, so each instance gets its own kernel-level
			// accept queue sharing the port.
			sock, err = t.pool.Open(port.Host, cfg, proc.SocketUID, proc.SocketGID)
		} else {
			sock, err = t.pool.EnsureFor(port.Host, cfg, proc.SocketUID, proc.SocketGID)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("open tcp_ports[%s] %s: %w", name, port.Host, err)
		}

		// The wrapper gets a dup of the pooled fd: *os.File carries a
		// close-on-GC finalizer, and the pool's own fd must survive this
		// child and any number of future spawns.
		dupFd, err := unix.Dup(sock.Fd)
		if err != nil {
			closeAll(files)
			return nil, nil, lerr.NewSyscallError("dup socket "+port.Host, err)
		}
		files = append(files, os.NewFile(uintptr(dupFd), name))
		wire = append(wire, externalSocketWire{Name: name, ReceivedFd: 3 + i, TargetFd: port.Fd})
	}
	return files, wire, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// failAndRequeue counts a failed spawn attempt and requeues Start at
// now + restart_timeout. Unlike a reaped death, no spawn ever
// happened, so "now" is the only baseline restart_min can have here.
func (t *Tree) failAndRequeue(proc *Process) {
	metrics.Failures.WithLabelValues(proc.Sandbox).Inc()
	proc.RestartMin = time.Now().Add(restartBackoff(proc.Child.RestartTimeout))
	t.queue.Add(proc.RestartMin, startAction{proc: proc})
}

// killPid sends SIGKILL to pid. The force-kill of an unidentified
// recovered process, which is never in the live map, is also routed
// here and is harmless if the pid is already gone.
func (t *Tree) killPid(pid int) {
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		log.Errorf(fmt.Sprintf("SIGKILL pid %d", pid), err)
	}
}
