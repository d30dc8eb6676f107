package configlog

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendCreatesAndWritesEntry(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir, "web")
	require.NoError(t, l.Append("applied new config"))

	data, err := os.ReadFile(filepath.Join(dir, "web.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "applied new config")
}

func TestRotateShiftsGenerations(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir, "web")

	require.NoError(t, os.WriteFile(l.rotatedPath(1), []byte("old-1\n"), 0o644))
	require.NoError(t, os.WriteFile(l.activePath(), []byte(strings.Repeat("x", MaxConfigLogBytes+1)), 0o644))

	require.NoError(t, l.Append("fresh entry"))

	gen2, err := os.ReadFile(l.rotatedPath(2))
	require.NoError(t, err)
	assert.Equal(t, "old-1\n", string(gen2))

	active, err := os.Open(l.activePath())
	require.NoError(t, err)
	defer active.Close()
	scanner := bufio.NewScanner(active)
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), "fresh entry")
}
