// Package recover re-adopts surviving knot children after a tree
// restart, without killing the workloads they supervise.
// It enumerates /proc, filters by parent pid, and classifies each
// candidate by parsing its cmdline the way the knot itself was
// invoked.
package recover

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/lithos-run/lithos/pkg/lerr"
)

// Kind classifies a /proc entry found under the tree's pid.
type Kind int

const (
	// KindNormal is a live process whose cmdline parses as a knot
	// invocation.
	KindNormal Kind = iota
	// KindZombie is a reaped-but-not-yet-collected child; ignored,
	// SIGCHLD will collect it.
	KindZombie
	// KindUnidentified has the wrong cmdline shape for a knot.
	KindUnidentified
)

// Candidate is one child process found under the tree during
// recovery.
type Candidate struct {
	Pid    int
	Kind   Kind
	Name   string // sandbox/proc name, parsed from --name
	Master string // parsed from --master
	Config string // parsed from --config, the serialized ChildConfig
}

// Enumerate lists every candidate child of selfPid by reading /proc
// twice and intersecting the pid sets, tolerating processes that
// appear or vanish between the two reads.
func Enumerate(selfPid int) ([]Candidate, error) {
	first, err := childPids(selfPid)
	if err != nil {
		return nil, err
	}
	second, err := childPids(selfPid)
	if err != nil {
		return nil, err
	}

	inSecond := make(map[int]bool, len(second))
	for _, pid := range second {
		inSecond[pid] = true
	}

	var out []Candidate
	for _, pid := range first {
		if !inSecond[pid] {
			continue
		}
		out = append(out, classify(pid))
	}
	return out, nil
}

func childPids(selfPid int) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, lerr.NewSyscallError("readdir /proc", err)
	}

	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		ppid, ok := readPpid(pid)
		if ok && ppid == selfPid {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func readPpid(pid int) (int, bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, false
	}
	// Fields after the ")" that closes the command name: state, ppid, ...
	idx := strings.LastIndexByte(string(data), ')')
	if idx < 0 || idx+2 >= len(data) {
		return 0, false
	}
	fields := strings.Fields(string(data[idx+2:]))
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return ppid, true
}

func isZombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	idx := strings.LastIndexByte(string(data), ')')
	if idx < 0 || idx+2 >= len(data) {
		return false
	}
	fields := strings.Fields(string(data[idx+2:]))
	return len(fields) > 0 && fields[0] == "Z"
}

func classify(pid int) Candidate {
	if isZombie(pid) {
		return Candidate{Pid: pid, Kind: KindZombie}
	}

	cmdline, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil {
		return Candidate{Pid: pid, Kind: KindUnidentified}
	}

	argv := strings.Split(strings.TrimRight(string(cmdline), "\x00"), "\x00")
	name, master, config, ok := parseKnotArgv(argv)
	if !ok {
		return Candidate{Pid: pid, Kind: KindUnidentified}
	}
	return Candidate{Pid: pid, Kind: KindNormal, Name: name, Master: master, Config: config}
}

// parseKnotArgv extracts --name, --master, --config from a knot's
// argv, in any order, each as a separate "--flag value" pair,
// matching the shape the tree spawns knots with.
func parseKnotArgv(argv []string) (name, master, config string, ok bool) {
	for i := 0; i+1 < len(argv); i++ {
		switch argv[i] {
		case "--name":
			name = argv[i+1]
		case "--master":
			master = argv[i+1]
		case "--config":
			config = argv[i+1]
		}
	}
	return name, master, config, name != "" && master != "" && config != ""
}

// Signal sends sig to pid, treating ESRCH (already gone) as success
// since the goal is "make sure it's dying," not "prove it received
// this exact signal."
func Signal(pid int, sig unix.Signal) error {
	err := unix.Kill(pid, sig)
	if err != nil && err != unix.ESRCH {
		return lerr.NewSyscallError("kill", err)
	}
	return nil
}

// Alive reports whether pid currently exists and isn't a zombie,
// the liveness predicate DanglingScopes and cmd-scope classification
// need for "preserve if the pid is alive".
func Alive(pid int) bool {
	if err := unix.Kill(pid, 0); err != nil {
		return false
	}
	return !isZombie(pid)
}
