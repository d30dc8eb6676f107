package socketpool

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndEnsureForReusesExisting(t *testing.T) {
	p := New()
	sock, err := p.Open("127.0.0.1:18080", Config{ReuseAddr: true}, 0, 0)
	require.NoError(t, err)
	defer sock.close(t)

	again, err := p.EnsureFor(sock.Addr, Config{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, sock.Fd, again.Fd)
	assert.Equal(t, 1, p.Len())
}

func TestGCClosesUnreferenced(t *testing.T) {
	p := New()
	a, err := p.Open("127.0.0.1:18081", Config{}, 0, 0)
	require.NoError(t, err)
	defer a.close(t)
	b, err := p.Open("127.0.0.1:18082", Config{}, 0, 0)
	require.NoError(t, err)

	p.GC(map[string]bool{a.Addr: true})
	assert.Equal(t, 1, p.Len())
	_ = b
}

func TestSplitHostPortDefaultsWildcard(t *testing.T) {
	host, port, err := splitHostPort(":8080")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", host)
	assert.Equal(t, "8080", port)
}

func TestSplitHostPortRejectsMissingPort(t *testing.T) {
	_, _, err := splitHostPort("127.0.0.1")
	assert.Error(t, err)
}

// close is a test helper since Socket has no exported close; the pool
// is the only thing that ever closes a live socket in production code.
func (s *Socket) close(t *testing.T) {
	t.Helper()
	syscall.Close(s.Fd)
}
