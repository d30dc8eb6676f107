package cgroup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeName(t *testing.T) {
	assert.Equal(t, "web:api.0.scope", ScopeName("web", "api", 0))
}

func TestDanglingScopesPreservesAliveCmdScope(t *testing.T) {
	mountpoint := t.TempDir()
	parent := "lithos"
	dir := filepath.Join(mountpoint, parent)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ghost:proc.0.scope"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "web:cmd.shell.4242.scope"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "web:cmd.shell.9999.scope"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "not-a-scope"), 0o755))

	alive := func(pid int) bool { return pid == 4242 }
	dangling, err := DanglingScopes(mountpoint, parent, map[string]bool{}, alive)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"ghost:proc.0.scope", "web:cmd.shell.9999.scope"}, dangling)
}

func TestDanglingScopesRespectsKeepSet(t *testing.T) {
	mountpoint := t.TempDir()
	parent := "lithos"
	dir := filepath.Join(mountpoint, parent)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "web:api.0.scope"), 0o755))

	keep := map[string]bool{"web:api.0.scope": true}
	dangling, err := DanglingScopes(mountpoint, parent, keep, func(int) bool { return false })
	require.NoError(t, err)
	assert.Empty(t, dangling)
}

func TestDanglingScopesMissingParentDir(t *testing.T) {
	mountpoint := t.TempDir()
	dangling, err := DanglingScopes(mountpoint, "nope", map[string]bool{}, func(int) bool { return false })
	require.NoError(t, err)
	assert.Empty(t, dangling)
}
