package knot

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lithos-run/lithos/pkg/config"
)

func TestSplitFullName(t *testing.T) {
	sandbox, proc, instance := splitFullName("web/api.3")
	assert.Equal(t, "web", sandbox)
	assert.Equal(t, "api", proc)
	assert.Equal(t, 3, instance)
}

func TestSplitFullNameNoInstanceSuffix(t *testing.T) {
	sandbox, proc, instance := splitFullName("web/api")
	assert.Equal(t, "web", sandbox)
	assert.Equal(t, "api", proc)
	assert.Equal(t, 0, instance)
}

func TestInternalPortsSkipsExternal(t *testing.T) {
	ports := map[string]config.TCPPort{
		"http": {Host: "0.0.0.0:80", Fd: 3, External: true},
		"api":  {Host: "127.0.0.1:9000", Fd: 4},
	}
	internal := internalPorts(ports)
	assert.Len(t, internal, 1)
	assert.Equal(t, "api", internal[0].Name)
}

func TestBuildFinalEnvExpandsPidVars(t *testing.T) {
	spec := initSpec{
		Env:        map[string]string{"WORKER_PID": "pid-$$", "OTHER": "unchanged"},
		PidEnvVars: []string{"WORKER_PID"},
	}
	env := buildFinalEnv(spec)

	found := false
	for _, kv := range env {
		if kv == "OTHER=unchanged" {
			found = true
		}
		assert.NotContains(t, kv, "WORKER_PID=pid-$$")
	}
	assert.True(t, found)
}
