// Package config defines Lithos's on-disk and wire data model:
// MasterConfig, SandboxConfig, ChildConfig, and ContainerConfig,
// plus the variable-substitution step that turns a ContainerConfig
// into an InstantiatedConfig ready to run.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lithos-run/lithos/pkg/idmap"
	"github.com/lithos-run/lithos/pkg/lerr"
)

// Kind distinguishes a long-running daemon from a one-shot command.
type Kind string

const (
	KindDaemon  Kind = "Daemon"
	KindCommand Kind = "Command"
)

// MasterConfig is read once at tree startup.
type MasterConfig struct {
	RuntimeDir    string   `yaml:"runtime_dir"`
	StateDir      string   `yaml:"state_dir"`
	MountDir      string   `yaml:"mount_dir"`
	DevfsDir      string   `yaml:"devfs_dir"`
	SandboxesDir  string   `yaml:"sandboxes_dir"`
	ProcessesDir  string   `yaml:"processes_dir"`
	DefaultLogDir string   `yaml:"default_log_dir"`
	SyslogApp     string   `yaml:"syslog_app"`
	CgroupParent  string   `yaml:"cgroup_parent"`
	Controllers   []string `yaml:"controllers"`
	ConfigLogDir  string   `yaml:"config_log_dir,omitempty"`
}

// LoadMaster reads and parses a MasterConfig from path. Strict field
// checking: an unrecognized key is a ConfigError, not a silent drop.
func LoadMaster(path string) (*MasterConfig, error) {
	var m MasterConfig
	if err := decodeStrict(path, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// IDMapEntry mirrors idmap.Entry with yaml tags for on-disk representation.
type IDMapEntry struct {
	Inside  uint32 `yaml:"inside" json:"inside"`
	Outside uint32 `yaml:"outside" json:"outside"`
	Count   uint32 `yaml:"count" json:"count"`
}

func (e IDMapEntry) toIdmap() idmap.Entry {
	return idmap.Entry{Inside: e.Inside, Outside: e.Outside, Count: e.Count}
}

// IDRange mirrors idmap.Range with yaml tags.
type IDRange struct {
	First uint32 `yaml:"first" json:"first"`
	Count uint32 `yaml:"count" json:"count"`
}

func (r IDRange) toIdmap() idmap.Range {
	return idmap.Range{First: r.First, Count: r.Count}
}

// BridgedNetwork is the optional spec for a sandbox whose containers
// get a private network namespace.
type BridgedNetwork struct {
	Bridge string `yaml:"bridge"`
}

// SandboxConfig is per-sandbox, named by filename stem.
type SandboxConfig struct {
	Name            string          `yaml:"-"`
	ImageDir        string          `yaml:"image_dir"`
	ConfigFile      string          `yaml:"config_file,omitempty"`
	AllowUsers      []IDRange       `yaml:"allow_users"`
	AllowGroups     []IDRange       `yaml:"allow_groups"`
	DefaultUser     uint32          `yaml:"default_user"`
	DefaultGroup    uint32          `yaml:"default_group"`
	UidMap          []IDMapEntry    `yaml:"uid_map,omitempty"`
	GidMap          []IDMapEntry    `yaml:"gid_map,omitempty"`
	BridgedNetwork  *BridgedNetwork `yaml:"bridged_network,omitempty"`
	LogFile         string          `yaml:"log_file,omitempty"`
	LogLevel        string          `yaml:"log_level,omitempty"`
	SecretPrivKeys  []string        `yaml:"secret_private_keys,omitempty"`
}

func (s *SandboxConfig) allowUsersRanges() []idmap.Range {
	out := make([]idmap.Range, len(s.AllowUsers))
	for i, r := range s.AllowUsers {
		out[i] = r.toIdmap()
	}
	return out
}

func (s *SandboxConfig) allowGroupsRanges() []idmap.Range {
	out := make([]idmap.Range, len(s.AllowGroups))
	for i, r := range s.AllowGroups {
		out[i] = r.toIdmap()
	}
	return out
}

// LoadSandbox reads and parses a SandboxConfig from path, setting Name
// to stem (the filename without extension).
func LoadSandbox(path, stem string) (*SandboxConfig, error) {
	var s SandboxConfig
	if err := decodeStrict(path, &s); err != nil {
		return nil, err
	}
	s.Name = stem
	return &s, nil
}

// ChildConfig is one process-family entry in a sandbox's processes
// file. RestartTimeout is declared here too, redundantly with the
// container-level value the knot reads after mounting the image, so
// the tree can schedule a respawn without needing the image mounted;
// the two must agree (when this value is non-zero, the knot's bring-up
// rejects a mismatch as an InvariantViolation).
type ChildConfig struct {
	Image          string         `yaml:"image" json:"image"`
	ConfigPath     string         `yaml:"config" json:"config"`
	Kind           Kind           `yaml:"kind" json:"kind"`
	Instances      int            `yaml:"instances" json:"instances"`
	RestartTimeout float64        `yaml:"restart_timeout,omitempty" json:"restart_timeout,omitempty"`
	Variables      map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// LoadProcesses reads a sandbox's processes file: a map of process
// family name -> ChildConfig.
func LoadProcesses(path string) (map[string]ChildConfig, error) {
	var procs map[string]ChildConfig
	if err := decodeStrict(path, &procs); err != nil {
		return nil, err
	}
	return procs, nil
}

// Volume is one bind mount the knot sets up inside the container's
// mount namespace before exec.
type Volume struct {
	Source   string `yaml:"source" json:"source"`
	Target   string `yaml:"target" json:"target"`
	ReadOnly bool   `yaml:"read_only,omitempty" json:"read_only,omitempty"`
}

// TCPPort is one entry of a ContainerConfig's tcp_ports map.
type TCPPort struct {
	Host          string `yaml:"host" json:"host"`
	Fd            int    `yaml:"fd" json:"fd"`
	ReuseAddr     bool   `yaml:"reuse_addr,omitempty" json:"reuse_addr,omitempty"`
	ReusePort     bool   `yaml:"reuse_port,omitempty" json:"reuse_port,omitempty"`
	ListenBacklog int    `yaml:"listen_backlog,omitempty" json:"listen_backlog,omitempty"`
	SetNonBlock   bool   `yaml:"set_non_block,omitempty" json:"set_non_block,omitempty"`
	External      bool   `yaml:"external,omitempty" json:"external,omitempty"`
}

// ContainerConfig is read from inside the image. It is not itself put
// on the knot's command line; ChildConfig is (see MarshalCmdline).
type ContainerConfig struct {
	Executable          string            `yaml:"executable" json:"executable"`
	Argv                []string          `yaml:"argv" json:"argv"`
	Workdir             string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Env                 map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	MemoryLimit         int64             `yaml:"memory_limit,omitempty" json:"memory_limit,omitempty"`
	MemSwLimit          int64             `yaml:"memsw_limit,omitempty" json:"memsw_limit,omitempty"`
	CPUShares           int64             `yaml:"cpu_shares,omitempty" json:"cpu_shares,omitempty"`
	FilenoLimit         uint64            `yaml:"fileno_limit,omitempty" json:"fileno_limit,omitempty"`
	Kind                Kind              `yaml:"kind" json:"kind"`
	Interactive         bool              `yaml:"interactive,omitempty" json:"interactive,omitempty"`
	RestartTimeout      float64           `yaml:"restart_timeout" json:"restart_timeout"`
	KillTimeout         float64           `yaml:"kill_timeout" json:"kill_timeout"`
	RestartProcessOnly  bool              `yaml:"restart_process_only,omitempty" json:"restart_process_only,omitempty"`
	NormalExitCodes     []int             `yaml:"normal_exit_codes,omitempty" json:"normal_exit_codes,omitempty"`
	UidMap              []IDMapEntry      `yaml:"uid_map,omitempty" json:"uid_map,omitempty"`
	GidMap              []IDMapEntry      `yaml:"gid_map,omitempty" json:"gid_map,omitempty"`
	UserID              *uint32           `yaml:"user_id,omitempty" json:"user_id,omitempty"`
	GroupID             *uint32           `yaml:"group_id,omitempty" json:"group_id,omitempty"`
	TCPPorts            map[string]TCPPort `yaml:"tcp_ports,omitempty" json:"tcp_ports,omitempty"`
	SecretEnviron       []string          `yaml:"secret_environ,omitempty" json:"secret_environ,omitempty"`
	SecretEnvironFile   string            `yaml:"secret_environ_file,omitempty" json:"secret_environ_file,omitempty"`
	PidEnvVars          []string          `yaml:"pid_env_vars,omitempty" json:"pid_env_vars,omitempty"`
	StdoutStderrFile    string            `yaml:"stdout_stderr_file,omitempty" json:"stdout_stderr_file,omitempty"`
	Volumes             []Volume          `yaml:"volumes,omitempty" json:"volumes,omitempty"`
}

// LoadContainer reads a ContainerConfig from inside the bind-mounted
// image.
func LoadContainer(path string) (*ContainerConfig, error) {
	var c ContainerConfig
	if err := decodeStrict(path, &c); err != nil {
		return nil, err
	}
	if err := validateTCPPorts(c.TCPPorts); err != nil {
		return nil, lerr.NewConfigError(path, err)
	}
	return &c, nil
}

// validateTCPPorts rejects fd 1 and 2, which are reserved for the
// workload's own stdout/stderr.
func validateTCPPorts(ports map[string]TCPPort) error {
	for name, port := range ports {
		if port.Fd == 1 || port.Fd == 2 {
			return lerr.NewInvariantViolation("tcp_ports[%s]: fd %d is reserved for stdout/stderr", name, port.Fd)
		}
	}
	return nil
}

// ExternalPorts returns the tcp_ports that must be opened by the tree
// in the host network namespace and inherited into the container:
// every port when the sandbox has no bridged network, or only the
// ports marked external=true when it does.
func ExternalPorts(sandbox *SandboxConfig, c *ContainerConfig) map[string]TCPPort {
	out := make(map[string]TCPPort)
	for name, port := range c.TCPPorts {
		if sandbox.BridgedNetwork == nil || port.External {
			out[name] = port
		}
	}
	return out
}

// Variables is the substitution environment for a container: user
// vars plus lithos_name and lithos_config_filename.
type Variables struct {
	User                 map[string]any
	LithosName           string
	LithosConfigFilename string
}

// Instantiate substitutes Variables into every string field of c that
// looks like a template (contains "@{"..."}" markers) producing a
// ready-to-run InstantiatedConfig. Only Env values, Argv entries, and
// Workdir are substituted; structural fields (ports, limits, maps)
// are copied verbatim.
func Instantiate(c *ContainerConfig, vars Variables) *ContainerConfig {
	out := *c
	out.Argv = substituteAll(c.Argv, vars)
	out.Workdir = substitute(c.Workdir, vars)
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = substitute(v, vars)
		}
	}
	return &out
}

func substituteAll(in []string, vars Variables) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = substitute(s, vars)
	}
	return out
}

func substitute(s string, vars Variables) string {
	s = strings.ReplaceAll(s, "@{lithos_name}", vars.LithosName)
	s = strings.ReplaceAll(s, "@{lithos_config_filename}", vars.LithosConfigFilename)
	for k, v := range vars.User {
		s = strings.ReplaceAll(s, "@{"+k+"}", fmt.Sprintf("%v", v))
	}
	return s
}

// ResolveUserGroup resolves the workload's uid and gid: the local
// container value takes precedence over the sandbox default, and the
// chosen id must be covered by the container's id map or the
// sandbox's allowed ranges.
func ResolveUserGroup(sandbox *SandboxConfig, c *ContainerConfig) (uid, gid uint32, err error) {
	uid = sandbox.DefaultUser
	if c.UserID != nil {
		uid = *c.UserID
	}
	gid = sandbox.DefaultGroup
	if c.GroupID != nil {
		gid = *c.GroupID
	}

	uidMap := mergeMaps(c.UidMap)
	if len(uidMap) == 0 {
		if !idmap.InRange(sandbox.allowUsersRanges(), uid) {
			return 0, 0, lerr.NewInvariantViolation("uid %d not in allowed ranges for sandbox %q", uid, sandbox.Name)
		}
	} else {
		if !idmap.CheckMapping(sandbox.allowUsersRanges(), uidMap) {
			return 0, 0, lerr.NewInvariantViolation("uid_map for sandbox %q is not a subset of allow_users", sandbox.Name)
		}
		if !idmap.InMapping(uidMap, uid) {
			return 0, 0, lerr.NewInvariantViolation("uid %d not covered by uid_map for sandbox %q", uid, sandbox.Name)
		}
	}

	gidMap := mergeMaps(c.GidMap)
	if len(gidMap) == 0 {
		if !idmap.InRange(sandbox.allowGroupsRanges(), gid) {
			return 0, 0, lerr.NewInvariantViolation("gid %d not in allowed ranges for sandbox %q", gid, sandbox.Name)
		}
	} else {
		if !idmap.CheckMapping(sandbox.allowGroupsRanges(), gidMap) {
			return 0, 0, lerr.NewInvariantViolation("gid_map for sandbox %q is not a subset of allow_groups", sandbox.Name)
		}
		if !idmap.InMapping(gidMap, gid) {
			return 0, 0, lerr.NewInvariantViolation("gid %d not covered by gid_map for sandbox %q", gid, sandbox.Name)
		}
	}

	return uid, gid, nil
}

func mergeMaps(entries []IDMapEntry) []idmap.Entry {
	out := make([]idmap.Entry, len(entries))
	for i, e := range entries {
		out[i] = e.toIdmap()
	}
	return out
}

// EffectiveIDMaps returns the id maps to apply at spawn, with sandbox
// maps taking precedence over container maps.
func EffectiveIDMaps(sandbox *SandboxConfig, c *ContainerConfig) (uid, gid []IDMapEntry) {
	uid = c.UidMap
	if len(sandbox.UidMap) > 0 {
		uid = sandbox.UidMap
	}
	gid = c.GidMap
	if len(sandbox.GidMap) > 0 {
		gid = sandbox.GidMap
	}
	return uid, gid
}

// MarshalCmdline serializes a ChildConfig to the compact JSON form
// embedded verbatim in the knot's --config flag ("lithos_knot --name
// <N> --master <M> --config <serialized-child-config>"), so that
// /proc/<pid>/cmdline identifies exactly which
// image/kind/variables the knot was launched with and a tree restart
// can detect a config change by string comparison.
func MarshalCmdline(c *ChildConfig) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal child config: %w", err)
	}
	return string(b), nil
}

// UnmarshalCmdline parses the --config flag value back into a
// ChildConfig.
func UnmarshalCmdline(s string) (*ChildConfig, error) {
	var c ChildConfig
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("unmarshal child config: %w", err)
	}
	return &c, nil
}

func decodeStrict(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return lerr.NewConfigError(path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return lerr.NewConfigError(path, err)
	}
	return nil
}
