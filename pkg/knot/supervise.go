package knot

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lithos-run/lithos/pkg/bridgehelper"
	"github.com/lithos-run/lithos/pkg/config"
	"github.com/lithos-run/lithos/pkg/lerr"
	"github.com/lithos-run/lithos/pkg/log"
	"github.com/lithos-run/lithos/pkg/signaltrap"
)

type state int

const (
	stateRunning state = iota
	stateTerminating
	stateDead
	stateHang
)

// Supervise installs the signal trap, spawns the workload, and
// drives the state machine until the knot's own process should exit.
// It returns the process exit code the knot itself should use.
func (k *Knot) Supervise() int {
	trap := signaltrap.New()
	defer trap.Stop()
	iter := signaltrap.NewIter(trap)

	// A Command always exits when its child does; a daemon only if it
	// isn't restart-in-place.
	shouldExit := k.container.Kind != config.KindDaemon || !k.container.RestartProcessOnly

	for {
		oc := newOutcome()

		if err := k.spawn(); err != nil {
			log.Errorf(fmt.Sprintf("spawn %s", k.name), err)
			return 2
		}

		st := k.runOneCycle(iter, oc)
		if st == stateHang {
			return 3
		}

		if shouldExit {
			return oc.finalExitCode(k.container.Kind == config.KindDaemon, k.container.NormalExitCodes)
		}

		// A daemon restarts only after spawn + restart_timeout, however
		// quickly it died.
		if wait := time.Until(k.lastSpawn.Add(restartDelay(k.container.RestartTimeout))); wait > 0 {
			time.Sleep(wait)
		}
		iter.SetDeadline(time.Time{})
	}
}

// runOneCycle drives RUNNING -> (TERMINATING) -> DEAD/HANG for one
// spawned child.
func (k *Knot) runOneCycle(iter *signaltrap.Iter, oc *outcome) state {
	st := stateRunning
	for st != stateDead {
		sig, ok := iter.Next()
		if !ok {
			// Deadline (kill-timeout) elapsed while TERMINATING with the
			// child still alive.
			return stateHang
		}

		switch sig {
		case syscall.SIGCHLD:
			exited, code, signaledTerm := reapOnce(k.cmd.Process.Pid)
			if !exited {
				continue
			}
			oc.noteExit(code)
			if signaledTerm {
				oc.noteChildSignaledTerm()
			}
			st = stateDead

		case syscall.SIGTERM, syscall.SIGINT:
			if sig == syscall.SIGTERM {
				oc.noteSupervisorSigterm()
			}
			if st != stateTerminating {
				syscallSignal(k.cmd.Process.Pid, syscall.SIGTERM)
				oc.noteChildSignaledTerm()
				st = stateTerminating
				iter.SetDeadline(time.Now().Add(restartDelay(k.container.KillTimeout)))
			}
		}
	}
	return st
}

// spawn builds a fresh command for this cycle, starts the child,
// runs the bridge helper (which needs a real pid), then releases the
// init process's gate so it proceeds to pivot_root and the final
// exec.
func (k *Knot) spawn() error {
	cmd, readyW, err := buildCommand(k.cmdParams)
	if err != nil {
		return err
	}
	if len(k.secretEnv) > 0 {
		cmd.Env = append(cmd.Env, k.secretEnv...)
	}
	outFile, err := redirectOutput(cmd, k.container, k.stderrFile)
	if err != nil {
		readyW.Close()
		return err
	}
	k.cmd = cmd
	k.readyW = readyW

	if err := k.cmd.Start(); err != nil {
		if outFile != nil {
			outFile.Close()
		}
		k.readyW.Close()
		return lerr.NewSyscallError("start container", err)
	}
	k.lastSpawn = time.Now()
	if outFile != nil {
		outFile.Close()
	}
	// The gate's read end and the per-cycle socket dups live on in the
	// child; the parent's copies would otherwise accumulate leaked fds
	// across restart cycles.
	for _, f := range k.cmd.ExtraFiles {
		f.Close()
	}

	if k.bridged {
		req := bridgehelper.Request{
			Pid:    k.cmd.Process.Pid,
			Bridge: k.sandbox.BridgedNetwork.Bridge,
			Ports:  bridgePortsFrom(k.container.TCPPorts),
		}
		if err := bridgehelper.Run(k.bridgeHelperPath, req); err != nil {
			k.readyW.Close()
			syscallSignal(k.cmd.Process.Pid, syscall.SIGKILL)
			return err
		}
	}

	if _, err := k.readyW.Write([]byte{1}); err != nil {
		return lerr.NewSyscallError("release container-init gate", err)
	}
	return k.readyW.Close()
}

func bridgePortsFrom(ports map[string]config.TCPPort) []bridgehelper.Port {
	out := make([]bridgehelper.Port, 0, len(ports))
	for name, port := range ports {
		out = append(out, bridgehelper.Port{Name: name, Host: port.Host})
	}
	return out
}

// reapOnce does a non-blocking wait4 for pid, since a SIGCHLD can
// arrive for state transitions other than exit (stop/continue) that
// this supervisor doesn't care about.
func reapOnce(pid int) (exited bool, code int, signaledTerm bool) {
	var ws unix.WaitStatus
	got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil || got != pid {
		return false, 0, false
	}
	if ws.Exited() {
		return true, ws.ExitStatus(), false
	}
	if ws.Signaled() {
		return true, 128 + int(ws.Signal()), ws.Signal() == unix.SIGTERM
	}
	return false, 0, false
}

func restartDelay(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// Close releases the knot's own open resources (sandbox log file).
func (k *Knot) Close() error {
	if k.stderrFile == nil {
		return nil
	}
	fmtCloseNote(k.stderrFile, k.name)
	return k.stderrFile.Close()
}

func fmtCloseNote(f *os.File, name string) {
	f.WriteString(time.Now().Format(time.RFC3339) + " stop " + name + "\n")
}
