// Package configlog appends a JSON-lines audit trail recording every
// config change the tree applies to a sandbox, rotating the active
// file once it grows past a size bound.
package configlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/lithos-run/lithos/pkg/lerr"
)

const (
	// MaxConfigLogBytes is the size at which the active log rotates.
	MaxConfigLogBytes = 10 << 20
	// MaxConfigLogFiles bounds how many rotated generations are kept.
	MaxConfigLogFiles = 10
)

// Entry is one audit record appended for a sandbox config change.
type Entry struct {
	Time       time.Time `json:"time"`
	Sandbox    string    `json:"sandbox"`
	Generation string    `json:"generation"`
	Message    string    `json:"message"`
}

// Log appends entries for one sandbox under dir/<sandbox>.log,
// rotating once the active file has reached MaxConfigLogBytes.
type Log struct {
	dir     string
	sandbox string
}

// Open returns a Log writing to dir/<sandbox>.log.
func Open(dir, sandbox string) *Log {
	return &Log{dir: dir, sandbox: sandbox}
}

func (l *Log) activePath() string {
	return filepath.Join(l.dir, l.sandbox+".log")
}

func (l *Log) rotatedPath(n int) string {
	return fmt.Sprintf("%s.%d", l.activePath(), n)
}

// Append writes message as a new Entry, rotating first if the active
// file's size is already at least MaxConfigLogBytes.
func (l *Log) Append(message string) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return lerr.NewSyscallError("mkdir "+l.dir, err)
	}

	if info, err := os.Stat(l.activePath()); err == nil && info.Size() >= MaxConfigLogBytes {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	entry := Entry{
		Time:       time.Now(),
		Sandbox:    l.sandbox,
		Generation: uuid.NewString(),
		Message:    message,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal config log entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.activePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return lerr.NewSyscallError("open "+l.activePath(), err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return lerr.NewSyscallError("write "+l.activePath(), err)
	}
	return nil
}

// rotate shifts <sandbox>.log.(N-1) to .N down to .1, dropping
// anything at or beyond MaxConfigLogFiles, then moves the active log
// to .1, leaving a fresh <sandbox>.log to be created on next Append.
func (l *Log) rotate() error {
	oldest := l.rotatedPath(MaxConfigLogFiles)
	if _, err := os.Stat(oldest); err == nil {
		os.Remove(oldest)
	}

	for n := MaxConfigLogFiles - 1; n >= 1; n-- {
		src := l.rotatedPath(n)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, l.rotatedPath(n+1)); err != nil {
			return lerr.NewSyscallError("rotate "+src, err)
		}
	}

	if err := os.Rename(l.activePath(), l.rotatedPath(1)); err != nil {
		return lerr.NewSyscallError("rotate "+l.activePath(), err)
	}
	return nil
}
