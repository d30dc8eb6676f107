// Package knot implements the per-container launcher: the ordered
// namespace/mount/uid-map/cgroup bring-up sequence and the
// kill-timeout supervision loop.
package knot

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lithos-run/lithos/pkg/cgroup"
	"github.com/lithos-run/lithos/pkg/config"
	"github.com/lithos-run/lithos/pkg/lerr"
	"github.com/lithos-run/lithos/pkg/log"
	"github.com/lithos-run/lithos/pkg/mount"
	"github.com/lithos-run/lithos/pkg/secret"
)

// Params are the knot's inputs, matching what it receives on argv and
// re-reads from disk.
type Params struct {
	MasterPath       string
	Sandbox          string
	Name             string // full "<sandbox>/<proc>.<i>" instance name
	Child            *config.ChildConfig
	BridgeHelperPath string
	SelfExecutable   string // this process's own binary, for the container-init re-exec
}

// Knot holds everything the bring-up sequence assembled, ready for
// Supervise to spawn and watch. The exec command itself is rebuilt
// fresh for every spawn (an exec.Cmd is single-use, and per-start
// reopen of stdout_stderr_file is what makes truncate-then-reopen log
// rotation work), so Launch records the build parameters rather than a
// command.
type Knot struct {
	master           *config.MasterConfig
	sandbox          *config.SandboxConfig
	container        *config.ContainerConfig
	name             string
	stateDir         string
	mountDir         string
	scopeName        string
	stderrFile       *os.File
	cmdParams        buildCommandParams
	secretEnv        []string
	cmd              *exec.Cmd // set by spawn, valid for one cycle
	readyW           *os.File  // parent's end of the before_unfreeze gate, one per cycle
	lastSpawn        time.Time
	bridged          bool
	bridgeHelperPath string
}

// Launch runs the ordered bring-up sequence (the numbered steps
// below) and returns a Knot ready for Supervise.
func Launch(p Params) (*Knot, error) {
	master, err := config.LoadMaster(p.MasterPath)
	if err != nil {
		return nil, err
	}

	sandboxPath := filepath.Join(master.SandboxesDir, p.Sandbox+".yaml")
	sandbox, err := config.LoadSandbox(sandboxPath, p.Sandbox)
	if err != nil {
		return nil, err
	}

	k := &Knot{master: master, sandbox: sandbox, name: p.Name, bridgeHelperPath: p.BridgeHelperPath}

	// Step 1: open/append the per-sandbox stderr file for start/stop
	// bookkeeping.
	logPath := sandbox.LogFile
	if logPath == "" {
		logPath = filepath.Join(master.DefaultLogDir, sandbox.Name+".log")
	}
	stderrFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, lerr.NewSyscallError("open sandbox log "+logPath, err)
	}
	k.stderrFile = stderrFile
	fmt.Fprintf(stderrFile, "%s start %s\n", time.Now().Format(time.RFC3339), p.Name)

	// Step 2: mount_private("/"); bind image over runtime/<mount_dir>;
	// ro-recursive.
	if err := mount.Private("/"); err != nil {
		return nil, err
	}
	mountDir := filepath.Join(master.RuntimeDir, master.MountDir, p.Name)
	if err := mount.EnsureDir(mountDir, 0o755); err != nil {
		return nil, err
	}
	if err := mount.Bind(sandbox.ImageDir, mountDir); err != nil {
		return nil, err
	}
	if err := mount.RORecursive(mountDir); err != nil {
		return nil, err
	}
	k.mountDir = mountDir

	// Step 3: read ContainerConfig from inside the mount; confirm kind
	// matches; instantiate variables.
	configPath := p.Child.ConfigPath
	cc, err := config.LoadContainer(filepath.Join(mountDir, configPath))
	if err != nil {
		return nil, err
	}
	if cc.Kind != p.Child.Kind {
		return nil, lerr.NewInvariantViolation("container kind %q does not match child config kind %q", cc.Kind, p.Child.Kind)
	}
	if p.Child.RestartTimeout != 0 && cc.RestartTimeout != p.Child.RestartTimeout {
		return nil, lerr.NewInvariantViolation("container restart_timeout %v does not match processes-file restart_timeout %v", cc.RestartTimeout, p.Child.RestartTimeout)
	}
	cc = config.Instantiate(cc, config.Variables{
		User:                 p.Child.Variables,
		LithosName:           p.Name,
		LithosConfigFilename: configPath,
	})
	k.container = cc

	// Step 4: resolve user_id/group_id, local takes precedence over
	// sandbox default; rejects ids outside the sandbox's allowance.
	uid, gid, err := config.ResolveUserGroup(sandbox, cc)
	if err != nil {
		return nil, err
	}

	// Step 5: per-instance state dir + filesystem setup.
	stateDir := filepath.Join(master.RuntimeDir, master.StateDir, p.Name)
	if err := mount.EnsureDir(stateDir, 0o755); err != nil {
		return nil, err
	}
	k.stateDir = stateDir
	if err := setupVolumes(mountDir, cc.Volumes); err != nil {
		return nil, err
	}

	// Step 6: join cgroup scope and apply best-effort limits.
	if master.CgroupParent != "" {
		_, proc, instance := splitFullName(p.Name)
		scopeName := cgroup.ScopeName(sandbox.Name, proc, instance)
		k.scopeName = filepath.Join(master.CgroupParent, scopeName)
		if err := cgroup.Join(k.scopeName, os.Getpid()); err != nil {
			log.Errorf(fmt.Sprintf("join cgroup %s", k.scopeName), err)
		} else {
			for _, limitErr := range cgroup.ApplyLimits(k.scopeName, cgroup.Limits{
				MemoryLimitBytes: cc.MemoryLimit,
				MemSwLimitBytes:  cc.MemSwLimit,
				CPUShares:        cc.CPUShares,
			}) {
				log.Errorf("apply cgroup limits", limitErr)
			}
		}
	}

	// Step 7: decode secrets, scoped-chroot into the mount to resolve a
	// relative secret_environ_file, merge into env.
	secretEnv, err := decodeSecrets(sandbox, cc, mountDir)
	if err != nil {
		return nil, err
	}

	// Step 8: raise file-descriptor rlimit.
	if cc.FilenoLimit > 0 {
		lim := unix.Rlimit{Cur: cc.FilenoLimit, Max: cc.FilenoLimit}
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
			return nil, lerr.NewSyscallError("setrlimit NOFILE", err)
		}
	}

	// Step 9: mount a host-view /proc; the init re-exec (running inside
	// the new pid namespace) uses this to resolve its own
	// /proc/self/... before pivoting, and an operator can introspect
	// the child from the host side via <state>/proc/<pid>.
	procDir := filepath.Join(stateDir, "proc")
	if err := mount.EnsureDir(procDir, 0o755); err != nil {
		return nil, err
	}
	if err := mount.Pseudo(procDir, "proc", "", false); err != nil {
		return nil, err
	}

	// Step 10: record the exec command's build parameters (clear env,
	// set TERM, copy container env, LITHOS_NAME/LITHOS_CONFIG, uid/gid,
	// id-maps). The command itself is built anew on every spawn, and
	// output redirection happens there too, reopening
	// stdout_stderr_file per start.
	k.bridged = sandbox.BridgedNetwork != nil
	uidMaps, gidMaps := config.EffectiveIDMaps(sandbox, cc)
	externalSockets, err := parseExternalSockets()
	if err != nil {
		return nil, err
	}
	k.cmdParams = buildCommandParams{
		self:            p.SelfExecutable,
		name:            p.Name,
		configPath:      configPath,
		mountDir:        mountDir,
		cc:              cc,
		uid:             uid,
		gid:             gid,
		uidMaps:         uidMaps,
		gidMaps:         gidMaps,
		bridged:         k.bridged,
		externalSockets: externalSockets,
	}
	k.secretEnv = secretEnv

	return k, nil
}

func splitFullName(name string) (sandbox, proc string, instance int) {
	parts := strings.SplitN(name, "/", 2)
	sandbox = parts[0]
	rest := parts[1]
	idx := strings.LastIndex(rest, ".")
	if idx < 0 {
		return sandbox, rest, 0
	}
	proc = rest[:idx]
	instance, _ = strconv.Atoi(rest[idx+1:])
	return sandbox, proc, instance
}

func setupVolumes(mountDir string, volumes []config.Volume) error {
	for _, v := range volumes {
		target := filepath.Join(mountDir, v.Target)
		if err := mount.EnsureDir(target, 0o755); err != nil {
			return err
		}
		if err := mount.Bind(v.Source, target); err != nil {
			return err
		}
		if v.ReadOnly {
			if err := mount.RORecursive(target); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeSecrets(sandbox *config.SandboxConfig, cc *config.ContainerConfig, mountDir string) ([]string, error) {
	if len(cc.SecretEnviron) == 0 && cc.SecretEnvironFile == "" {
		return nil, nil
	}

	kr := secret.NewKeyring()
	for _, keyPath := range sandbox.SecretPrivKeys {
		pemBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, lerr.NewConfigError(keyPath, err)
		}
		if err := kr.AddOpenSSHEd25519(pemBytes); err != nil {
			return nil, err
		}
	}

	entries := append([]string{}, cc.SecretEnviron...)
	if cc.SecretEnvironFile != "" {
		data, err := readFileScopedChroot(mountDir, cc.SecretEnvironFile)
		if err != nil {
			return nil, lerr.NewConfigError(cc.SecretEnvironFile, err)
		}
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line != "" {
				entries = append(entries, line)
			}
		}
	}

	return secret.DecodeAll(kr, entries)
}

// readFileScopedChroot chroots into root just long enough to read
// path (resolved as if root were "/"), then restores the previous
// root via a held fd, so a relative secret_environ_file path is
// resolved against the image rather than the host filesystem.
func readFileScopedChroot(root, path string) ([]byte, error) {
	if filepath.IsAbs(path) {
		return os.ReadFile(filepath.Join(root, path))
	}

	oldRootFd, err := unix.Open("/", unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, lerr.NewSyscallError("open /", err)
	}
	defer unix.Close(oldRootFd)

	if err := unix.Chroot(root); err != nil {
		return nil, lerr.NewSyscallError("chroot "+root, err)
	}
	defer func() {
		if err := unix.Fchdir(oldRootFd); err == nil {
			unix.Chroot(".")
		}
	}()

	return os.ReadFile("/" + path)
}

// redirectOutput wires the child's stdout/stderr. It runs once per
// spawn: stdout_stderr_file is reopened for every
// start so rotation by truncate-then-reopen works. The returned file,
// if non-nil, is the parent's copy to close once the child holds its
// own dup.
func redirectOutput(cmd *exec.Cmd, cc *config.ContainerConfig, stderrFile *os.File) (*os.File, error) {
	if cc.Interactive {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return nil, nil
	}

	if cc.StdoutStderrFile != "" {
		f, err := os.OpenFile(cc.StdoutStderrFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, lerr.NewSyscallError("open "+cc.StdoutStderrFile, err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
		return f, nil
	}

	cmd.Stdout = stderrFile
	cmd.Stderr = stderrFile
	return nil, nil
}

// syscallSignal is a tiny seam so supervise.go can send real signals
// without importing syscall directly in every file.
func syscallSignal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}
