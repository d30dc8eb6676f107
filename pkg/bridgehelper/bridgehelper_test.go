package bridgehelper

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSuccess(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires a POSIX shell")
	}
	helper := writeScript(t, "#!/bin/sh\ncat >/dev/null\nexit 0\n")
	err := Run(helper, Request{Pid: 123, Bridge: "br0", Ports: []Port{{Name: "http", Host: "0.0.0.0:80"}}})
	assert.NoError(t, err)
}

func TestRunFailureExitCode(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires a POSIX shell")
	}
	helper := writeScript(t, "#!/bin/sh\ncat >/dev/null\nexit 1\n")
	err := Run(helper, Request{Pid: 123, Bridge: "br0"})
	assert.Error(t, err)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helper.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}
