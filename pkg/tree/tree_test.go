package tree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lithos-run/lithos/pkg/config"
)

func TestInstantiateContainerResolvesUidGidAndSubstitutesVariables(t *testing.T) {
	imageDir := t.TempDir()
	containerYAML := `
executable: /bin/run
argv: ["/bin/run", "@{lithos_name}"]
kind: Daemon
restart_timeout: 1
kill_timeout: 1
`
	require.NoError(t, os.WriteFile(filepath.Join(imageDir, "container.yaml"), []byte(containerYAML), 0o644))

	sandbox := &config.SandboxConfig{
		Name:        "web",
		ImageDir:    imageDir,
		AllowUsers:  []config.IDRange{{First: 1000, Count: 10}},
		AllowGroups: []config.IDRange{{First: 1000, Count: 10}},
		DefaultUser: 1000, DefaultGroup: 1000,
	}
	proc := &Process{Name: "web/api.0", SandboxCfg: sandbox}
	child := config.ChildConfig{ConfigPath: "container.yaml", Kind: config.KindDaemon}

	tr := &Tree{}
	require.NoError(t, tr.instantiateContainer(proc, child))

	require.NotNil(t, proc.Container)
	assert.Equal(t, []string{"/bin/run", "web/api.0"}, proc.Container.Argv)
	assert.EqualValues(t, 1000, proc.SocketUID)
	assert.EqualValues(t, 1000, proc.SocketGID)
}

func TestInstantiateContainerRejectsKindMismatch(t *testing.T) {
	imageDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(imageDir, "container.yaml"), []byte(`
executable: /bin/run
kind: Command
restart_timeout: 1
kill_timeout: 1
`), 0o644))

	sandbox := &config.SandboxConfig{Name: "web", ImageDir: imageDir}
	proc := &Process{Name: "web/api.0", SandboxCfg: sandbox}
	child := config.ChildConfig{ConfigPath: "container.yaml", Kind: config.KindDaemon}

	tr := &Tree{}
	err := tr.instantiateContainer(proc, child)
	assert.Error(t, err)
}

func TestCleanupDanglingStateRemovesUnreferencedInstanceDirs(t *testing.T) {
	runtimeDir := t.TempDir()
	stateRoot := filepath.Join(runtimeDir, "state")
	require.NoError(t, os.MkdirAll(filepath.Join(stateRoot, "ghost", "proc.0"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(stateRoot, "web", "api.0"), 0o755))

	tr := &Tree{
		master:  &config.MasterConfig{RuntimeDir: runtimeDir, StateDir: "state"},
		pending: map[string]*Process{"web/api.0": {Name: "web/api.0"}},
		live:    map[int]*Process{},
	}
	tr.cleanupDanglingState()

	_, err := os.Stat(filepath.Join(stateRoot, "ghost", "proc.0"))
	assert.True(t, os.IsNotExist(err), "dangling ghost/proc.0 should be removed")
	_, err = os.Stat(filepath.Join(stateRoot, "web", "api.0"))
	assert.NoError(t, err, "referenced web/api.0 should survive")
}
