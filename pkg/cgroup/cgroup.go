// Package cgroup manages cgroup v1 controllers: locating their
// mountpoints, joining a named scope, applying best-effort resource
// limits, and sweeping dangling scopes left by a previous run.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/containerd/cgroups/v3/cgroup1"
	"github.com/moby/sys/mountinfo"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/lithos-run/lithos/pkg/lerr"
)

// scopeNameRE matches a normal instance scope: "<sandbox>:<proc>.<i>.scope".
var scopeNameRE = regexp.MustCompile(`^([\w-]+):([\w-]+\.\d+)\.scope$`)

// cmdScopeRE matches an ad hoc one-off command scope created by
// operational tooling outside the fleet config:
// "<sandbox>:cmd.<name>.<pid>.scope".
var cmdScopeRE = regexp.MustCompile(`^([\w-]+):cmd\.[\w-]+\.(\d+)\.scope$`)

// ScopeName builds the cgroup leaf name for an instance, rewriting
// the '/' in "<sandbox>/<proc>.<i>" to ':'.
func ScopeName(sandbox, proc string, instance int) string {
	return fmt.Sprintf("%s:%s.%d.scope", sandbox, proc, instance)
}

// ControllerMountpoint locates the mountpoint for controller by
// scanning /proc/self/mountinfo via moby/sys/mountinfo rather than
// hand-parsing the table.
func ControllerMountpoint(controller string) (string, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("cgroup"))
	if err != nil {
		return "", lerr.NewSyscallError("read mountinfo", err)
	}
	for _, m := range mounts {
		for _, opt := range strings.Split(m.VFSOptions, ",") {
			if opt == controller {
				return m.Mountpoint, nil
			}
		}
	}
	return "", lerr.NewConfigError(controller, fmt.Errorf("controller not mounted"))
}

// Limits is the best-effort resource limit set the knot applies after
// joining its scope.
type Limits struct {
	MemoryLimitBytes int64
	MemSwLimitBytes  int64 // 0 means "not set"
	CPUShares        int64
}

// ApplyLimits loads the existing cgroup name via containerd/cgroups
// and applies lim; it does not create or join the group. Every write is best-effort:
// failures are wrapped as PartialFailure and logged by the caller,
// never fatal.
func ApplyLimits(name string, lim Limits) []error {
	cg, err := cgroup1.Load(cgroup1.StaticPath(name))
	if err != nil {
		return []error{lerr.NewPartialFailure("load cgroup "+name, err)}
	}

	var errs []error
	res := &specs.LinuxResources{
		Memory: &specs.LinuxMemory{},
		CPU:    &specs.LinuxCPU{},
	}
	if lim.MemoryLimitBytes > 0 {
		res.Memory.Limit = &lim.MemoryLimitBytes
	}
	if lim.MemSwLimitBytes > 0 {
		res.Memory.Swap = &lim.MemSwLimitBytes
	}
	if lim.CPUShares > 0 {
		shares := uint64(lim.CPUShares)
		res.CPU.Shares = &shares
	}

	if err := cg.Update(res); err != nil {
		errs = append(errs, lerr.NewPartialFailure("apply limits to "+name, err))
	}
	return errs
}

// Join adds pid to the scope at name, creating it if absent, under
// cgroup1's default v1 hierarchies; it takes no controller list.
func Join(name string, pid int) error {
	cg, err := cgroup1.New(cgroup1.StaticPath(name), &specs.LinuxResources{})
	if err != nil {
		return lerr.NewSyscallError("create cgroup "+name, err)
	}
	if err := cg.Add(cgroup1.Process{Pid: pid}); err != nil {
		return lerr.NewSyscallError("join cgroup "+name, err)
	}
	return nil
}

// DanglingScopes lists leaf directory names directly under
// <mountpoint>/<parent> that look like a Lithos scope (normal or
// cmd.*) but aren't in keep. alivePids supplies the liveness check for
// cmd.<pid>.scope entries: those are kept regardless of `keep` as
// long as the embedded pid is alive.
func DanglingScopes(mountpoint, parent string, keep map[string]bool, alivePids func(int) bool) ([]string, error) {
	dir := filepath.Join(mountpoint, parent)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, lerr.NewSyscallError("readdir "+dir, err)
	}

	var dangling []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if keep[name] {
			continue
		}
		if m := cmdScopeRE.FindStringSubmatch(name); m != nil {
			pid, err := strconv.Atoi(m[2])
			if err == nil && alivePids(pid) {
				continue
			}
			dangling = append(dangling, name)
			continue
		}
		if scopeNameRE.MatchString(name) {
			dangling = append(dangling, name)
		}
	}
	return dangling, nil
}
