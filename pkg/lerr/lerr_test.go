package lerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigErrorUnwraps(t *testing.T) {
	base := errors.New("no such file")
	err := NewConfigError("/etc/lithos/master.yaml", base)

	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "/etc/lithos/master.yaml", ce.Path)
	assert.ErrorIs(t, err, base)
}

func TestSyscallErrorUnwraps(t *testing.T) {
	base := errors.New("operation not permitted")
	err := NewSyscallError("mount", base)

	var se *SyscallError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "mount", se.Syscall)
	assert.Contains(t, err.Error(), "mount:")
}

func TestNilWrapReturnsNil(t *testing.T) {
	assert.Nil(t, NewConfigError("x", nil))
	assert.Nil(t, NewSyscallError("x", nil))
	assert.Nil(t, NewPartialFailure("x", nil))
}

func TestInvariantViolationMessage(t *testing.T) {
	err := NewInvariantViolation("uid %d not in allowed ranges for sandbox %q", 1000, "web")
	assert.Equal(t, `uid 1000 not in allowed ranges for sandbox "web"`, err.Error())
}
