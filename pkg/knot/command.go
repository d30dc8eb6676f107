package knot

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/lithos-run/lithos/pkg/config"
	"github.com/lithos-run/lithos/pkg/lerr"
)

// initSpec is the JSON blob handed to the re-exec'd container-init
// process (LITHOS_KNOT_INIT_SPEC) describing everything it needs to
// do after clone() but before the final execve: pivot root, unmount
// /tmp, and open any internal listen sockets inside the new net
// namespace.
type initSpec struct {
	Executable    string            `json:"executable"`
	Argv          []string          `json:"argv"`
	Workdir       string            `json:"workdir"`
	MountDir      string            `json:"mount_dir"`
	Bridged       bool              `json:"bridged"`
	TCPPorts      []internalPort    `json:"tcp_ports,omitempty"`
	ExternalPorts []externalPort    `json:"external_ports,omitempty"`
	PidEnvVars    []string          `json:"pid_env_vars,omitempty"`
	Env           map[string]string `json:"env"`
}

type internalPort struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Fd   int    `json:"fd"`
}

// externalPort is a tree-opened listener the knot process received on
// ReceivedFd (its own fd table, set by cmd.ExtraFiles) and must land
// on TargetFd (the fd the workload's tcp_ports entry declares) before
// the final exec.
type externalPort struct {
	Name       string `json:"name"`
	ReceivedFd int    `json:"received_fd"`
	TargetFd   int    `json:"target_fd"`
}

// externalSocket is one entry of LITHOS_EXTERNAL_SOCKETS, the
// mapping the tree hands the knot process describing what it dup'd
// into this process's own fd table and where it must finally land.
type externalSocket struct {
	Name       string `json:"name"`
	ReceivedFd int    `json:"received_fd"`
	TargetFd   int    `json:"target_fd"`
}

// externalSocketsEnv is the variable name the tree sets on the knot
// command so it can recover the addresses above its own ExtraFiles
// already gave it fds for.
const externalSocketsEnv = "LITHOS_EXTERNAL_SOCKETS"

// parseExternalSockets reads LITHOS_EXTERNAL_SOCKETS, the tree's
// description of the sockets it dup'd into this process's fd table
// starting at fd 3.
func parseExternalSockets() ([]externalSocket, error) {
	raw := os.Getenv(externalSocketsEnv)
	if raw == "" {
		return nil, nil
	}
	var out []externalSocket
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", externalSocketsEnv, err)
	}
	return out, nil
}

type buildCommandParams struct {
	self             string
	name             string
	configPath       string
	mountDir         string
	cc               *config.ContainerConfig
	uid, gid         uint32
	uidMaps, gidMaps []config.IDMapEntry
	bridged          bool
	externalSockets  []externalSocket
}

// buildCommand assembles the exec.Cmd that clones a fresh
// container-init process (this same binary, re-invoked) into the new
// namespaces. The init process, running the LITHOS_KNOT_INIT_SPEC it
// inherits, reads one byte from the inherited readyR pipe before
// pivoting root, gating it until the parent's pre-release step (the
// bridge helper invocation) has completed.
func buildCommand(p buildCommandParams) (cmd *exec.Cmd, readyW *os.File, err error) {
	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, nil, lerr.NewSyscallError("pipe", err)
	}

	extraFiles := []*os.File{readyR}
	externalPorts := make([]externalPort, len(p.externalSockets))
	for i, es := range p.externalSockets {
		// The init subprocess's ExtraFiles starts at fd 3; readyR
		// occupies the first slot, so socket i lands at fd 4+i there.
		// Each inherited fd is dup'd for its wrapper so closing the
		// wrapper after spawn (or the finalizer firing) never touches
		// the inherited fd, which later restart cycles still need.
		childFd := 3 + len(extraFiles)
		dupFd, err := unix.Dup(es.ReceivedFd)
		if err != nil {
			for _, f := range extraFiles {
				f.Close()
			}
			readyW.Close()
			return nil, nil, lerr.NewSyscallError("dup inherited socket "+es.Name, err)
		}
		extraFiles = append(extraFiles, os.NewFile(uintptr(dupFd), es.Name))
		externalPorts[i] = externalPort{Name: es.Name, ReceivedFd: childFd, TargetFd: es.TargetFd}
	}

	spec := initSpec{
		Executable:    p.cc.Executable,
		Argv:          p.cc.Argv,
		Workdir:       p.cc.Workdir,
		MountDir:      p.mountDir,
		Bridged:       p.bridged,
		TCPPorts:      internalPorts(p.cc.TCPPorts),
		ExternalPorts: externalPorts,
		PidEnvVars:    p.cc.PidEnvVars,
		Env:           p.cc.Env,
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		readyR.Close()
		readyW.Close()
		return nil, nil, fmt.Errorf("marshal container-init spec: %w", err)
	}

	cmd = exec.Command(p.self, initSubcommand)
	cmd.ExtraFiles = extraFiles
	cmd.Dir = p.mountDir
	term := os.Getenv("TERM")
	if term == "" {
		term = "dumb"
	}
	cmd.Env = []string{
		"TERM=" + term,
		"LITHOS_NAME=" + p.name,
		"LITHOS_CONFIG=" + p.configPath,
		"LITHOS_KNOT_INIT_SPEC=" + string(specJSON),
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unshareFlags(p.bridged, len(p.uidMaps) > 0),
	}
	if len(p.uidMaps) > 0 {
		cmd.SysProcAttr.UidMappings = toSysProcIDMap(p.uidMaps)
		cmd.SysProcAttr.GidMappings = toSysProcIDMap(p.gidMaps)
	} else {
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: p.uid, Gid: p.gid}
	}
	if p.bridged {
		cmd.SysProcAttr.AmbientCaps = []uintptr{uintptr(unix.CAP_NET_BIND_SERVICE)}
	}

	return cmd, readyW, nil
}

// unshareFlags always unshares mount/uts/ipc/pid, adds net iff
// bridged, and adds user iff id-maps are configured.
func unshareFlags(bridged, hasIDMaps bool) uintptr {
	flags := syscall.CLONE_NEWNS | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWPID
	if bridged {
		flags |= syscall.CLONE_NEWNET
	}
	if hasIDMaps {
		flags |= syscall.CLONE_NEWUSER
	}
	return uintptr(flags)
}

func toSysProcIDMap(entries []config.IDMapEntry) []syscall.SysProcIDMap {
	out := make([]syscall.SysProcIDMap, len(entries))
	for i, e := range entries {
		out[i] = syscall.SysProcIDMap{ContainerID: int(e.Inside), HostID: int(e.Outside), Size: int(e.Count)}
	}
	return out
}

func internalPorts(ports map[string]config.TCPPort) []internalPort {
	var out []internalPort
	for name, port := range ports {
		if port.External {
			continue
		}
		out = append(out, internalPort{Name: name, Host: port.Host, Fd: port.Fd})
	}
	return out
}
