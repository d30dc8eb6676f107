package binfinder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSiblingMissing(t *testing.T) {
	_, err := Sibling("definitely-not-a-real-binary-xyz")
	assert.Error(t, err)
}

func TestSiblingFound(t *testing.T) {
	self, err := os.Executable()
	if err != nil {
		t.Skip("os.Executable unavailable in this environment")
	}
	name := filepath.Base(self)
	path, err := Sibling(name)
	assert.NoError(t, err)
	assert.Equal(t, self, path)
}
