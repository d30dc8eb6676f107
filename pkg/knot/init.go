package knot

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/lithos-run/lithos/pkg/lerr"
	"github.com/lithos-run/lithos/pkg/mount"
	"github.com/lithos-run/lithos/pkg/socketpool"
)

// initSubcommand is the hidden argv[0] tail lithos-knot dispatches to
// RunInit for: the re-exec'd process that becomes pid 1 of the new
// namespaces and performs the gated pre-exec work (root pivot,
// private listeners) before finally execve-ing the workload.
const initSubcommand = "__lithos_knot_init__"

// IsInitInvocation reports whether argv (excluding argv[0], the
// binary path) is the hidden re-exec dispatched by buildCommand,
// letting cmd/lithos-knot branch to RunInit before touching cobra.
func IsInitInvocation(args []string) bool {
	return len(args) == 1 && args[0] == initSubcommand
}

// RunInit is the container-init entry point: it blocks on the
// inherited gate fd until the parent's before_unfreeze step (the
// bridge helper invocation, which needs this process's pid) has
// completed, then pivots root, opens any internal listen sockets, and
// execve's the workload in place. It never returns on success.
func RunInit() error {
	specJSON := os.Getenv("LITHOS_KNOT_INIT_SPEC")
	if specJSON == "" {
		return lerr.NewInvariantViolation("container init invoked without LITHOS_KNOT_INIT_SPEC")
	}
	var spec initSpec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return fmt.Errorf("unmarshal container-init spec: %w", err)
	}

	gate := os.NewFile(3, "ready-gate")
	var buf [1]byte
	gate.Read(buf[:])
	gate.Close()

	// The old root parks on the image's /tmp for the instant between
	// pivot_root and the lazy unmount, which is also what keeps host
	// mounts unreachable from the workload.
	if err := mount.PivotAndUnmount(spec.MountDir, "tmp"); err != nil {
		return fmt.Errorf("pivot root: %w", err)
	}

	if spec.Bridged {
		if err := openInternalPorts(spec.TCPPorts); err != nil {
			return err
		}
	}
	if err := landExternalPorts(spec.ExternalPorts); err != nil {
		return err
	}

	env := buildFinalEnv(spec)
	// Decoded secrets arrive as extra entries in this process's own
	// environment (appended by Knot.spawn); pass them on to the workload.
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		switch key {
		case "TERM", "LITHOS_NAME", "LITHOS_CONFIG", "LITHOS_KNOT_INIT_SPEC":
			continue
		}
		env = append(env, kv)
	}

	argv := spec.Argv
	if len(argv) == 0 {
		argv = []string{spec.Executable}
	}
	if spec.Workdir != "" {
		if err := os.Chdir(spec.Workdir); err != nil {
			return lerr.NewSyscallError("chdir "+spec.Workdir, err)
		}
	}

	if err := syscall.Exec(spec.Executable, argv, env); err != nil {
		return lerr.NewSyscallError("exec "+spec.Executable, err)
	}
	panic("unreachable: syscall.Exec returned without error")
}

// openInternalPorts opens every declared internal tcp_port inside the
// (already current, thanks to CLONE_NEWNET) new net namespace and
// dups each onto its declared fd so the workload finds it where it
// expects.
func openInternalPorts(ports []internalPort) error {
	pool := socketpool.New()
	for _, port := range ports {
		sock, err := pool.Open(port.Host, socketpool.Config{ReuseAddr: true}, 0, 0)
		if err != nil {
			return fmt.Errorf("open internal port %s: %w", port.Name, err)
		}
		if sock.Fd != port.Fd {
			if err := unix.Dup3(sock.Fd, port.Fd, 0); err != nil {
				return lerr.NewSyscallError("dup internal port "+port.Name, err)
			}
			unix.Close(sock.Fd)
		}
	}
	return nil
}

// landExternalPorts dup2's each tree-opened listener from the fd it
// arrived at in this process onto the fd the workload's tcp_ports
// entry declares, including fd 0 for a port configured with fd=0
// (mapped to stdin).
func landExternalPorts(ports []externalPort) error {
	for _, port := range ports {
		if port.ReceivedFd == port.TargetFd {
			continue
		}
		if err := unix.Dup3(port.ReceivedFd, port.TargetFd, 0); err != nil {
			return lerr.NewSyscallError("dup external port "+port.Name, err)
		}
		unix.Close(port.ReceivedFd)
	}
	return nil
}

// buildFinalEnv assembles the workload's environment, expanding any
// pid_env_vars entry whose value contains "$$" with this process's
// pid, taken here because after CLONE_NEWPID the pid seen here is
// the same one the workload will see via getpid() after exec.
func buildFinalEnv(spec initSpec) []string {
	pid := strconv.Itoa(os.Getpid())
	pidVars := make(map[string]bool, len(spec.PidEnvVars))
	for _, name := range spec.PidEnvVars {
		pidVars[name] = true
	}

	env := make([]string, 0, len(spec.Env)+3)
	for k, v := range spec.Env {
		if pidVars[k] {
			v = strings.ReplaceAll(v, "$$", pid)
		}
		env = append(env, k+"="+v)
	}
	env = append(env, "TERM="+getenvOr("TERM", "dumb"))
	env = append(env, "LITHOS_NAME="+os.Getenv("LITHOS_NAME"))
	env = append(env, "LITHOS_CONFIG="+os.Getenv("LITHOS_CONFIG"))
	return env
}

func getenvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
