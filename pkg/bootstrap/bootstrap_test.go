package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureMetricsListenerReturnsExistingAddr(t *testing.T) {
	t.Setenv(MetricsAddrEnv, "127.0.0.1:0")
	ln, already, err := EnsureMetricsListener(t.TempDir())
	require.NoError(t, err)
	defer ln.Close()
	assert.True(t, already)
	assert.NotEmpty(t, ln.Addr().String())
}
