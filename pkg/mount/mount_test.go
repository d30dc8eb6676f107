package mount

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDirCreatesNested(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a", "b", "c")

	require.NoError(t, EnsureDir(target, 0o755))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsureDirIdempotent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureDir(root, 0o755))
	require.NoError(t, EnsureDir(root, 0o755))
}

// Private/Bind/RORecursive/ChangeRoot/Unmount require CAP_SYS_ADMIN
// and a real mount namespace; this package's tests do not exercise
// them, keeping mount-syscall tests out of unprivileged CI.
