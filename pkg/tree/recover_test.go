package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lithos-run/lithos/pkg/config"
	"github.com/lithos-run/lithos/pkg/recover"
	"github.com/lithos-run/lithos/pkg/timerqueue"
)

func newTestTree() *Tree {
	return &Tree{
		live:    make(map[int]*Process),
		pending: make(map[string]*Process),
		queue:   timerqueue.New(),
	}
}

func TestAdoptNormalMatchesPendingByName(t *testing.T) {
	tr := newTestTree()
	child := config.ChildConfig{Image: "web", ConfigPath: "c.yaml", Kind: config.KindDaemon, Instances: 1}
	proc := &Process{Name: "web/api.0", Sandbox: "web", Child: child}
	tr.pending["web/api.0"] = proc

	wantJSON, err := config.MarshalCmdline(&child)
	require.NoError(t, err)

	tr.adoptNormal(recover.Candidate{
		Pid: 999999, Kind: recover.KindNormal, Name: "web/api.0", Config: wantJSON,
	})

	_, stillPending := tr.pending["web/api.0"]
	assert.False(t, stillPending)
	assert.Same(t, proc, tr.live[999999])
}

func TestAdoptNormalUnmatchedQueuesKill(t *testing.T) {
	tr := newTestTree()

	tr.adoptNormal(recover.Candidate{Pid: 999999, Kind: recover.KindNormal, Name: "ghost/proc.0"})

	assert.Empty(t, tr.live)
	assert.Equal(t, 1, tr.queue.Len())
}

func TestAdoptNormalConfigMismatchStillAdopts(t *testing.T) {
	tr := newTestTree()
	child := config.ChildConfig{Image: "web", ConfigPath: "c.yaml", Kind: config.KindDaemon, Instances: 1}
	proc := &Process{Name: "web/api.0", Sandbox: "web", Child: child}
	tr.pending["web/api.0"] = proc

	tr.adoptNormal(recover.Candidate{
		Pid: 999999, Kind: recover.KindNormal, Name: "web/api.0", Config: `{"image":"stale"}`,
	})

	// Adopted as live even on a config mismatch: the surviving workload
	// is still correctly supervised by its own knot while the SIGTERM
	// upgrade takes effect (see adoptNormal's doc comment).
	assert.Same(t, proc, tr.live[999999])
	_, stillPending := tr.pending["web/api.0"]
	assert.False(t, stillPending)
}
