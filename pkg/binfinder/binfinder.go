// Package binfinder locates sibling binaries (lithos-tree finding
// lithos-knot, and vice versa) installed next to the running
// executable, rather than trusting $PATH.
package binfinder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound wraps every Sibling failure caused by the named binary
// missing, so a caller can map it to the dedicated exit code 127 with
// errors.Is rather than string matching.
var ErrNotFound = errors.New("sibling binary not found")

// Sibling resolves name to a path alongside the currently running
// executable and confirms it exists.
func Sibling(name string) (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate own executable: %w", err)
	}

	path := filepath.Join(filepath.Dir(self), name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("sibling binary %s: %w: %w", name, ErrNotFound, err)
	}
	return path, nil
}
