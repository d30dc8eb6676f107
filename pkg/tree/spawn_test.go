package tree

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lithos-run/lithos/pkg/config"
	"github.com/lithos-run/lithos/pkg/socketpool"
	"github.com/lithos-run/lithos/pkg/timerqueue"
)

func TestAttachSocketsNoPortsReturnsNil(t *testing.T) {
	tr := &Tree{pool: socketpool.New()}
	proc := &Process{
		SandboxCfg: &config.SandboxConfig{Name: "web"},
		Container:  &config.ContainerConfig{},
	}
	files, wire, err := tr.attachSockets(proc)
	require.NoError(t, err)
	assert.Nil(t, files)
	assert.Nil(t, wire)
}

func TestAttachSocketsOpensExternalPortsInSortedOrder(t *testing.T) {
	tr := &Tree{pool: socketpool.New()}
	proc := &Process{
		SandboxCfg: &config.SandboxConfig{Name: "web"},
		Container: &config.ContainerConfig{TCPPorts: map[string]config.TCPPort{
			"zzz": {Host: "127.0.0.1:0", Fd: 5},
			"aaa": {Host: "127.0.0.1:0", Fd: 3},
		}},
	}

	files, wire, err := tr.attachSockets(proc)
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Len(t, wire, 2)

	// name-sorted, so "aaa" is first and lands at received fd 3 (the
	// first ExtraFiles slot in the spawned knot).
	assert.Equal(t, "aaa", wire[0].Name)
	assert.Equal(t, 3, wire[0].ReceivedFd)
	assert.Equal(t, 3, wire[0].TargetFd)
	assert.Equal(t, "zzz", wire[1].Name)
	assert.Equal(t, 4, wire[1].ReceivedFd)
	assert.Equal(t, 5, wire[1].TargetFd)
}

func TestFailAndRequeueSchedulesRestart(t *testing.T) {
	tr := &Tree{queue: timerqueue.New()}
	proc := &Process{Name: "web/api.0", Sandbox: "web", Child: config.ChildConfig{RestartTimeout: 1}}

	before := time.Now()
	tr.failAndRequeue(proc)

	assert.Equal(t, 1, tr.queue.Len())
	assert.True(t, proc.RestartMin.After(before))
}

func TestKillPidSignalsProcess(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())

	tr := &Tree{}
	tr.killPid(cmd.Process.Pid)

	err := cmd.Wait()
	require.Error(t, err)
	exitErr, ok := err.(*exec.ExitError)
	require.True(t, ok)
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	assert.True(t, ws.Signaled())
	assert.Equal(t, syscall.SIGKILL, ws.Signal())
}
