package tree

import (
	"fmt"
	"os"
	"time"

	"github.com/lithos-run/lithos/pkg/config"
	"github.com/lithos-run/lithos/pkg/log"
	"github.com/lithos-run/lithos/pkg/metrics"
	"github.com/lithos-run/lithos/pkg/recover"
	"golang.org/x/sys/unix"
)

// defaultKillTimeout is used for the force-kill deadline of a
// recovered pid whose cmdline doesn't parse as a knot invocation at
// all; a per-container kill_timeout can't be known for a process
// lithos-tree can't even identify.
const defaultKillTimeout = 5 * time.Second

// recoverProcesses re-adopts surviving knot children after a tree
// restart without killing the workloads they supervise.
func (t *Tree) recoverProcesses() error {
	candidates, err := recover.Enumerate(os.Getpid())
	if err != nil {
		return err
	}

	for _, c := range candidates {
		switch c.Kind {
		case recover.KindZombie:
			// Will be reaped by the next SIGCHLD; nothing to do.
			continue

		case recover.KindNormal:
			t.adoptNormal(c)

		case recover.KindUnidentified:
			log.Info(fmt.Sprintf("recovered unidentified pid %d, terminating", c.Pid))
			if err := recover.Signal(c.Pid, unix.SIGTERM); err != nil {
				log.Errorf("signal recovered unidentified pid", err)
			}
			t.queue.Add(time.Now().Add(defaultKillTimeout), killAction{pid: c.Pid})
			metrics.Unknown.Inc()
		}
	}
	return nil
}

// adoptNormal matches a recovered knot against a pending Process by
// name. A config mismatch forces an upgrade (SIGTERM, still adopted
// as live so the death is handled by the normal restart path) rather
// than an immediate kill, since the surviving workload is still
// correctly supervised by its own knot in the meantime.
func (t *Tree) adoptNormal(c recover.Candidate) {
	proc, ok := t.pending[c.Name]
	if !ok {
		log.Info(fmt.Sprintf("recovered knot %s (pid %d) matches no configured instance, terminating", c.Name, c.Pid))
		if err := recover.Signal(c.Pid, unix.SIGTERM); err != nil {
			log.Errorf("signal unmatched recovered knot", err)
		}
		t.queue.Add(time.Now().Add(defaultKillTimeout), killAction{pid: c.Pid})
		metrics.Unknown.Inc()
		return
	}

	wantJSON, err := config.MarshalCmdline(&proc.Child)
	if err != nil {
		log.Errorf(fmt.Sprintf("marshal expected config for %s", c.Name), err)
	} else if wantJSON != c.Config {
		log.Info(fmt.Sprintf("recovered knot %s (pid %d) config changed, forcing upgrade", c.Name, c.Pid))
		if err := recover.Signal(c.Pid, unix.SIGTERM); err != nil {
			log.Errorf("signal recovered knot for upgrade", err)
		}
	}

	delete(t.pending, c.Name)
	// The true spawn instant didn't survive the tree restart; adoption
	// time is the conservative stand-in for the restart_min baseline.
	proc.LastSpawn = time.Now()
	t.live[c.Pid] = proc
	metrics.Running.WithLabelValues(proc.Sandbox).Inc()
	log.Info(fmt.Sprintf("adopted knot %s (pid %d)", c.Name, c.Pid))
}
