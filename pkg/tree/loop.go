package tree

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lithos-run/lithos/pkg/config"
	"github.com/lithos-run/lithos/pkg/log"
	"github.com/lithos-run/lithos/pkg/metrics"
	"github.com/lithos-run/lithos/pkg/signaltrap"
)

// Run drives the normal loop until a terminal signal is seen, then
// the shutdown loop, then Cleanup.
func (t *Tree) Run() int {
	trap := signaltrap.New()
	defer trap.Stop()
	iter := signaltrap.NewIter(trap)

	code := t.normalLoop(iter)
	t.shutdownLoop(iter)
	t.Cleanup()
	return code
}

// normalLoop drains the action queue, waits for a signal no later
// than the queue head's deadline, reaps on SIGCHLD and reschedules the
// dead instance, and returns once asked to shut down.
func (t *Tree) normalLoop(iter *signaltrap.Iter) int {
	for {
		t.drainQueue()
		t.pool.GC(t.liveAddrs())

		if deadline, ok := t.queue.PeekTime(); ok {
			iter.SetDeadline(deadline)
		} else {
			iter.SetDeadline(time.Time{})
		}

		sig, ok := iter.Next()
		if !ok {
			// Queue head's deadline elapsed; loop back to drain it.
			continue
		}

		switch sig {
		case syscall.SIGCHLD:
			t.reapExited()

		case syscall.SIGINT:
			log.Info("received SIGINT, shutting down")
			return 0

		case syscall.SIGTERM:
			log.Info("received SIGTERM, broadcasting to live instances")
			t.broadcastTerm()
			return 0
		}
	}
}

// shutdownLoop reaps children as they exit until the live map is
// empty, closing unreferenced listener fds after every reap so
// upstream health checks see the ports drop ASAP. A SIGTERM arriving
// mid-shutdown re-broadcasts to the survivors; a SIGINT-initiated
// shutdown never signals them (process-group semantics already
// delivered the INT).
func (t *Tree) shutdownLoop(iter *signaltrap.Iter) {
	iter.SetDeadline(time.Time{})
	for len(t.live) > 0 {
		sig, ok := iter.Next()
		if !ok {
			continue
		}
		switch sig {
		case syscall.SIGCHLD:
			t.reap(false)
			t.pool.GC(t.liveAddrs())
		case syscall.SIGTERM:
			t.broadcastTerm()
		}
	}
	t.pool.GC(nil)
}

// drainQueue executes every action whose deadline has passed.
func (t *Tree) drainQueue() {
	for _, action := range t.queue.PopUntil(time.Now()) {
		switch a := action.(type) {
		case startAction:
			t.startInstance(a.proc)
		case killAction:
			t.killPid(a.pid)
		}
	}
}

func (t *Tree) reapExited() { t.reap(true) }

// reap collects every exited child. A reaped pid with no live-map
// entry is an unidentified child and is dropped. With reschedule
// set (the normal loop), each death requeues a Start at the instance's
// restart_min; the shutdown loop reaps without rescheduling.
func (t *Tree) reap(reschedule bool) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		proc, ok := t.live[pid]
		if !ok {
			continue
		}
		delete(t.live, pid)
		metrics.Deaths.WithLabelValues(proc.Sandbox).Inc()
		metrics.Running.WithLabelValues(proc.Sandbox).Dec()
		log.Info(fmt.Sprintf("%s (pid %d) died", proc.Name, pid))
		t.cleanInstanceState(proc)

		if reschedule {
			// restart_min was fixed at spawn time: a daemon that outlived
			// its restart_timeout respawns immediately, a crash-looping
			// one waits out the remainder.
			proc.RestartMin = proc.LastSpawn.Add(restartBackoff(proc.Child.RestartTimeout))
			t.pending[proc.Name] = proc
			t.queue.Add(proc.RestartMin, startAction{proc: proc})
		}
	}
}

// cleanInstanceState removes a dead instance's per-instance state
// directory. The sandbox log file is preserved: it lives elsewhere,
// under default_log_dir, not under the state dir.
func (t *Tree) cleanInstanceState(proc *Process) {
	dir := filepath.Join(t.master.RuntimeDir, t.master.StateDir, proc.Name)
	if err := os.RemoveAll(dir); err != nil {
		log.Errorf(fmt.Sprintf("clean state dir for %s", proc.Name), err)
	}
}

func (t *Tree) broadcastTerm() {
	for pid := range t.live {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			log.Errorf("signal TERM to pid", err)
		}
	}
}

// liveAddrs collects the host addresses every live instance still
// needs a pooled listener for, so GC can close everything else; an
// address with no live claimant is closed.
func (t *Tree) liveAddrs() map[string]bool {
	live := make(map[string]bool, len(t.live))
	for _, p := range t.live {
		if p.Container == nil {
			continue
		}
		for _, port := range config.ExternalPorts(p.SandboxCfg, p.Container) {
			if !port.ReusePort {
				live[port.Host] = true
			}
		}
	}
	return live
}

func restartBackoff(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
