package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMaster(t *testing.T) {
	path := writeTemp(t, "master.yaml", `
runtime_dir: /run/lithos
state_dir: state
mount_dir: mount
devfs_dir: /dev
sandboxes_dir: /etc/lithos/sandboxes
processes_dir: /etc/lithos/processes
default_log_dir: /var/log/lithos
syslog_app: lithos
cgroup_parent: lithos
controllers: [memory, cpu]
`)
	m, err := LoadMaster(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/lithos", m.RuntimeDir)
	assert.Equal(t, []string{"memory", "cpu"}, m.Controllers)
}

func TestLoadMasterRejectsUnknownField(t *testing.T) {
	path := writeTemp(t, "master.yaml", "runtime_dir: /run/lithos\nbogus_field: 1\n")
	_, err := LoadMaster(path)
	require.Error(t, err)
}

func TestInstantiateSubstitutesVariables(t *testing.T) {
	c := &ContainerConfig{
		Argv:    []string{"/bin/run", "@{lithos_name}"},
		Workdir: "/srv/@{app}",
		Env:     map[string]string{"NAME": "@{lithos_name}", "APP": "@{app}"},
	}
	vars := Variables{
		User:       map[string]any{"app": "api"},
		LithosName: "web/api.0",
	}
	out := Instantiate(c, vars)
	assert.Equal(t, []string{"/bin/run", "web/api.0"}, out.Argv)
	assert.Equal(t, "/srv/api", out.Workdir)
	assert.Equal(t, "web/api.0", out.Env["NAME"])
	assert.Equal(t, "api", out.Env["APP"])
}

func TestResolveUserGroupRangeBased(t *testing.T) {
	sandbox := &SandboxConfig{
		Name:        "web",
		AllowUsers:  []IDRange{{First: 1000, Count: 100}},
		AllowGroups: []IDRange{{First: 1000, Count: 100}},
		DefaultUser: 1000, DefaultGroup: 1000,
	}
	uid, gid, err := ResolveUserGroup(sandbox, &ContainerConfig{})
	require.NoError(t, err)
	assert.EqualValues(t, 1000, uid)
	assert.EqualValues(t, 1000, gid)
}

func TestResolveUserGroupRejectsOutOfRange(t *testing.T) {
	sandbox := &SandboxConfig{
		Name:        "web",
		AllowUsers:  []IDRange{{First: 1000, Count: 100}},
		AllowGroups: []IDRange{{First: 1000, Count: 100}},
	}
	bad := uint32(5000)
	_, _, err := ResolveUserGroup(sandbox, &ContainerConfig{UserID: &bad})
	require.Error(t, err)
}

func TestResolveUserGroupMapBased(t *testing.T) {
	sandbox := &SandboxConfig{
		Name:       "web",
		AllowUsers: []IDRange{{First: 100000, Count: 65536}},
		AllowGroups: []IDRange{{First: 100000, Count: 65536}},
	}
	zero := uint32(0)
	c := &ContainerConfig{
		UserID:  &zero,
		GroupID: &zero,
		UidMap:  []IDMapEntry{{Inside: 0, Outside: 100000, Count: 65536}},
		GidMap:  []IDMapEntry{{Inside: 0, Outside: 100000, Count: 65536}},
	}
	uid, gid, err := ResolveUserGroup(sandbox, c)
	require.NoError(t, err)
	assert.EqualValues(t, 0, uid)
	assert.EqualValues(t, 0, gid)
}

func TestEffectiveIDMapsSandboxPrecedence(t *testing.T) {
	sandbox := &SandboxConfig{UidMap: []IDMapEntry{{Inside: 0, Outside: 1, Count: 1}}}
	c := &ContainerConfig{UidMap: []IDMapEntry{{Inside: 0, Outside: 2, Count: 1}}}
	uid, _ := EffectiveIDMaps(sandbox, c)
	assert.Equal(t, sandbox.UidMap, uid)
}

func TestLoadContainerRejectsReservedFd(t *testing.T) {
	path := writeTemp(t, "container.yaml", `
executable: /bin/sleep
argv: [sleep, "3600"]
kind: Daemon
restart_timeout: 1
kill_timeout: 1
tcp_ports:
  http:
    host: "0.0.0.0:80"
    fd: 2
`)
	_, err := LoadContainer(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved for stdout/stderr")
}

func TestExternalPortsUnbridgedSandboxWantsAll(t *testing.T) {
	sandbox := &SandboxConfig{Name: "web"}
	c := &ContainerConfig{TCPPorts: map[string]TCPPort{
		"http": {Host: "0.0.0.0:80", Fd: 3},
		"api":  {Host: "0.0.0.0:81", Fd: 4, External: true},
	}}
	ext := ExternalPorts(sandbox, c)
	assert.Len(t, ext, 2)
}

func TestExternalPortsBridgedSandboxWantsOnlyExternal(t *testing.T) {
	sandbox := &SandboxConfig{Name: "web", BridgedNetwork: &BridgedNetwork{Bridge: "br0"}}
	c := &ContainerConfig{TCPPorts: map[string]TCPPort{
		"http": {Host: "0.0.0.0:80", Fd: 3},
		"api":  {Host: "0.0.0.0:81", Fd: 4, External: true},
	}}
	ext := ExternalPorts(sandbox, c)
	assert.Len(t, ext, 1)
	_, ok := ext["api"]
	assert.True(t, ok)
}

func TestMarshalUnmarshalCmdlineRoundTrip(t *testing.T) {
	c := &ChildConfig{Image: "web", ConfigPath: "config.yaml", Kind: KindDaemon, Instances: 2}
	s, err := MarshalCmdline(c)
	require.NoError(t, err)
	got, err := UnmarshalCmdline(s)
	require.NoError(t, err)
	assert.Equal(t, c.Image, got.Image)
	assert.Equal(t, c.ConfigPath, got.ConfigPath)
	assert.Equal(t, c.Kind, got.Kind)
}
