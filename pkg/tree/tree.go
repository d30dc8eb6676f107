// Package tree implements the top-level supervisor: it owns the
// shared socket pool, forks one knot per container instance, restarts
// them on exit, and reaps all descendants on shutdown.
package tree

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lithos-run/lithos/pkg/binfinder"
	"github.com/lithos-run/lithos/pkg/bootstrap"
	"github.com/lithos-run/lithos/pkg/cgroup"
	"github.com/lithos-run/lithos/pkg/config"
	"github.com/lithos-run/lithos/pkg/configlog"
	"github.com/lithos-run/lithos/pkg/lerr"
	"github.com/lithos-run/lithos/pkg/log"
	"github.com/lithos-run/lithos/pkg/metrics"
	"github.com/lithos-run/lithos/pkg/recover"
	"github.com/lithos-run/lithos/pkg/socketpool"
	"github.com/lithos-run/lithos/pkg/timerqueue"
)

// Process is the tree-side record for one container instance.
type Process struct {
	Name       string // "<sandbox>/<proc>.<i>"
	Sandbox    string
	Proc       string
	Instance   int
	Child      config.ChildConfig
	LastSpawn  time.Time // instant of the most recent successful spawn or adoption
	RestartMin time.Time // earliest allowed restart: LastSpawn + restart_timeout after a death, now + restart_timeout after a failed spawn

	// SandboxCfg is read from the sandbox's config file and Container
	// directly from the image directory (not through a mount namespace: the tree runs in the
	// host root, so a plain filesystem read suffices) so the tree can
	// resolve tcp_ports and socket credentials before it ever forks a
	// knot.
	SandboxCfg *config.SandboxConfig
	Container  *config.ContainerConfig
	SocketUID  uint32
	SocketGID  uint32
}

// Tree owns the socket pool, the pending-action queue, and the live
// child map for one supervisor run.
type Tree struct {
	master     *config.MasterConfig
	masterPath string
	knotPath   string

	pool  *socketpool.Pool
	queue *timerqueue.Queue

	live    map[int]*Process    // pid -> running instance
	pending map[string]*Process // name -> instance awaiting (re)start
}

type startAction struct{ proc *Process }
type killAction struct{ pid int }

// Bootstrap runs the tree's bring-up sequence and returns a Tree
// ready for Run.
func Bootstrap(masterPath string, logStderr bool, logLevel string) (*Tree, error) {
	master, err := config.LoadMaster(masterPath)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(master.DevfsDir); err != nil {
		return nil, lerr.NewConfigError(master.DevfsDir, fmt.Errorf("devfs_dir missing: %w", err))
	}

	for _, dir := range []string{
		filepath.Join(master.RuntimeDir, master.StateDir),
		filepath.Join(master.RuntimeDir, master.MountDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, lerr.NewSyscallError("mkdir "+dir, err)
		}
	}

	logCfg := log.Config{Level: log.Level(logLevel), JSONOutput: !logStderr}
	if logStderr {
		logCfg.Output = os.Stderr
	}
	log.Init(logCfg)

	pidPath := filepath.Join(master.RuntimeDir, "master.pid")
	if err := claimPidFile(pidPath); err != nil {
		return nil, err
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, lerr.NewSyscallError("write "+pidPath, err)
	}

	knotPath, err := binfinder.Sibling("lithos-knot")
	if err != nil {
		return nil, fmt.Errorf("locate lithos-knot: %w", err)
	}

	metricsDir := filepath.Join(master.RuntimeDir, "metrics")
	metricsLn, already, err := bootstrap.EnsureMetricsListener(metricsDir)
	if err != nil {
		return nil, err
	} else if !already {
		panic("unreachable: EnsureMetricsListener re-execs unless already set")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		if err := http.Serve(metricsLn, mux); err != nil {
			log.Errorf("metrics listener", err)
		}
	}()

	t := &Tree{
		master:     master,
		masterPath: masterPath,
		knotPath:   knotPath,
		pool:       socketpool.New(),
		queue:      timerqueue.New(),
		live:       make(map[int]*Process),
		pending:    make(map[string]*Process),
	}

	if err := t.loadProcesses(); err != nil {
		return nil, err
	}

	perSandbox := make(map[string]int)
	for _, p := range t.pending {
		perSandbox[p.Sandbox]++
	}
	metrics.Sandboxes.Set(float64(len(perSandbox)))
	for sandbox, n := range perSandbox {
		metrics.Containers.WithLabelValues(sandbox).Set(float64(n))
	}

	timer := metrics.NewTimer()
	if err := t.pool.RecoverFromSelf(); err != nil {
		log.Errorf("recover sockets", err)
	}
	log.Info(fmt.Sprintf("recovered %d listening sockets", t.pool.Len()))
	if err := t.recoverProcesses(); err != nil {
		log.Errorf("recover processes", err)
	}
	if len(t.live) > 0 {
		metrics.Restarts.Inc()
	}
	t.cleanupDangling()
	t.cleanupDanglingState()
	timer.ObserveDuration(metrics.ReconcileDuration)

	now := time.Now()
	for _, p := range t.pending {
		t.queue.Add(now, startAction{proc: p})
	}

	return t, nil
}

func claimPidFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return lerr.NewSyscallError("read "+path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil
	}
	if recover.Alive(pid) {
		return lerr.NewInvariantViolation("another tree (pid %d) is already running", pid)
	}
	return nil
}

// loadProcesses reads every *.yaml under sandboxes_dir and its
// matching processes file, instantiating one Process record per
// declared instance.
func (t *Tree) loadProcesses() error {
	entries, err := os.ReadDir(t.master.SandboxesDir)
	if err != nil {
		return lerr.NewSyscallError("readdir "+t.master.SandboxesDir, err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".yaml")
		sandboxPath := filepath.Join(t.master.SandboxesDir, e.Name())
		sandbox, err := config.LoadSandbox(sandboxPath, stem)
		if err != nil {
			log.Errorf(fmt.Sprintf("load sandbox %s", stem), err)
			continue
		}

		procsPath := filepath.Join(t.master.ProcessesDir, stem+".yaml")
		procs, err := config.LoadProcesses(procsPath)
		if err != nil {
			log.Errorf(fmt.Sprintf("load processes for %s", stem), err)
			continue
		}

		accepted := 0
		for procName, child := range procs {
			for i := 0; i < child.Instances; i++ {
				name := fmt.Sprintf("%s/%s.%d", stem, procName, i)
				proc := &Process{
					Name: name, Sandbox: stem, Proc: procName, Instance: i, Child: child,
					SandboxCfg: sandbox,
				}
				if err := t.instantiateContainer(proc, child); err != nil {
					log.Errorf(fmt.Sprintf("instantiate %s", name), err)
					continue
				}
				t.pending[name] = proc
				accepted++
			}
		}
		t.recordAccepted(stem, accepted)
	}
	return nil
}

// recordAccepted appends an audit entry to the config-log (the
// rotated JSON log of accepted process trees) for the sandbox just
// loaded. It's a separate append-only ledger from the operational
// zerolog stream, so a missing config_log_dir (not every deployment
// enables it) just skips the write rather than failing bring-up.
func (t *Tree) recordAccepted(sandbox string, instances int) {
	if t.master.ConfigLogDir == "" {
		return
	}
	cl := configlog.Open(t.master.ConfigLogDir, sandbox)
	msg := fmt.Sprintf("accepted %d instance(s) for sandbox %s", instances, sandbox)
	if err := cl.Append(msg); err != nil {
		log.Errorf(fmt.Sprintf("append config-log for %s", sandbox), err)
	}
}

// instantiateContainer reads the ContainerConfig straight out of the
// sandbox's image directory (no mount needed; the tree already sees
// the host filesystem) and resolves the variables and socket
// credentials the tree needs before it can open any shared listener
// for this instance.
func (t *Tree) instantiateContainer(proc *Process, child config.ChildConfig) error {
	cc, err := config.LoadContainer(filepath.Join(proc.SandboxCfg.ImageDir, child.ConfigPath))
	if err != nil {
		return err
	}
	if cc.Kind != child.Kind {
		return lerr.NewInvariantViolation("container kind %q does not match child config kind %q", cc.Kind, child.Kind)
	}
	cc = config.Instantiate(cc, config.Variables{
		User:                 child.Variables,
		LithosName:           proc.Name,
		LithosConfigFilename: child.ConfigPath,
	})

	uid, gid, err := config.ResolveUserGroup(proc.SandboxCfg, cc)
	if err != nil {
		return err
	}

	proc.Container = cc
	proc.SocketUID = uid
	proc.SocketGID = gid
	return nil
}

// cleanupDangling sweeps cgroup scopes left by a previous run that
// belong to neither a live nor a pending instance.
func (t *Tree) cleanupDangling() {
	if t.master.CgroupParent == "" || len(t.master.Controllers) == 0 {
		return
	}
	mountpoint, err := cgroup.ControllerMountpoint(t.master.Controllers[0])
	if err != nil {
		log.Errorf("cgroup mountpoint", err)
		return
	}

	keep := make(map[string]bool, len(t.pending)+len(t.live))
	for _, p := range t.pending {
		keep[cgroup.ScopeName(p.Sandbox, p.Proc, p.Instance)] = true
	}
	for _, p := range t.live {
		keep[cgroup.ScopeName(p.Sandbox, p.Proc, p.Instance)] = true
	}

	dangling, err := cgroup.DanglingScopes(mountpoint, t.master.CgroupParent, keep, recover.Alive)
	if err != nil {
		log.Errorf("list dangling scopes", err)
		return
	}
	for _, name := range dangling {
		dir := filepath.Join(mountpoint, t.master.CgroupParent, name)
		if err := os.Remove(dir); err != nil {
			log.Errorf(fmt.Sprintf("remove dangling scope %s", name), err)
		}
	}
}

// cleanupDanglingState removes per-instance state directories left by
// a previous run (e.g. a crashed tree, or a sandbox/process family
// dropped from the configs) that belong to neither a live nor a
// pending instance.
func (t *Tree) cleanupDanglingState() {
	stateRoot := filepath.Join(t.master.RuntimeDir, t.master.StateDir)
	sandboxes, err := os.ReadDir(stateRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("readdir state root", err)
		}
		return
	}

	keep := make(map[string]bool, len(t.pending)+len(t.live))
	for _, p := range t.pending {
		keep[p.Name] = true
	}
	for _, p := range t.live {
		keep[p.Name] = true
	}

	for _, sb := range sandboxes {
		if !sb.IsDir() {
			continue
		}
		instDir := filepath.Join(stateRoot, sb.Name())
		instances, err := os.ReadDir(instDir)
		if err != nil {
			log.Errorf(fmt.Sprintf("readdir state dir %s", instDir), err)
			continue
		}
		for _, inst := range instances {
			name := sb.Name() + "/" + inst.Name()
			if keep[name] {
				continue
			}
			path := filepath.Join(instDir, inst.Name())
			if err := os.RemoveAll(path); err != nil {
				log.Errorf(fmt.Sprintf("remove dangling state dir %s", path), err)
			}
		}
	}
}

// Cleanup removes the state root once the shutdown loop has drained
// the live map.
func (t *Tree) Cleanup() {
	stateRoot := filepath.Join(t.master.RuntimeDir, t.master.StateDir)
	if err := os.RemoveAll(stateRoot); err != nil {
		log.Errorf("remove state root", err)
	}
}
