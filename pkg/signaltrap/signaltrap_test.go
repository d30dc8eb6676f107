package signaltrap

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitDeadlineElapses(t *testing.T) {
	trap := New()
	defer trap.Stop()

	sig, ok := trap.Wait(time.Now().Add(50 * time.Millisecond))
	assert.False(t, ok)
	assert.Nil(t, sig)
}

func TestWaitReceivesSignal(t *testing.T) {
	trap := New()
	defer trap.Stop()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	}()

	sig, ok := trap.Wait(time.Now().Add(2 * time.Second))
	require.True(t, ok)
	assert.Equal(t, syscall.SIGTERM, sig)
}

func TestIterSwitchesToBoundedWait(t *testing.T) {
	trap := New()
	defer trap.Stop()
	it := NewIter(trap)

	it.SetDeadline(time.Now().Add(30 * time.Millisecond))
	_, ok := it.Next()
	assert.False(t, ok)

	it.SetDeadline(time.Time{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	}()
	sig, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, syscall.SIGTERM, sig)
}
