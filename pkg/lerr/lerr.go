// Package lerr declares the error taxonomy Lithos uses to distinguish
// fatal configuration mistakes from recoverable per-container failures.
// Every kind wraps an underlying error via the standard %w verb so
// errors.As / errors.Unwrap keep working across the boundary.
package lerr

import "fmt"

// ConfigError covers parse, schema, and missing-file failures. Fatal
// at init; prevents start of the affected container or supervisor.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err as a ConfigError for path.
func NewConfigError(path string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigError{Path: path, Err: err}
}

// InvariantViolation covers uid/gid range violations, kind mismatches,
// mutually exclusive options, and reserved-fd use. Fatal for the
// affected container only.
type InvariantViolation struct {
	Message string
}

func (e *InvariantViolation) Error() string { return e.Message }

// NewInvariantViolation builds an InvariantViolation with a formatted message.
func NewInvariantViolation(format string, args ...any) error {
	return &InvariantViolation{Message: fmt.Sprintf(format, args...)}
}

// SyscallError covers mount, unshare, pivot_root, cgroup write,
// setsockopt, and bind failures. Fatal for the current operation.
type SyscallError struct {
	Syscall string
	Err     error
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Syscall, e.Err)
}

func (e *SyscallError) Unwrap() error { return e.Err }

// NewSyscallError wraps err as a SyscallError naming the syscall or operation.
func NewSyscallError(syscall string, err error) error {
	if err == nil {
		return nil
	}
	return &SyscallError{Syscall: syscall, Err: err}
}

// PartialFailure covers cgroup limit writes, socket close, and
// state-dir cleanup failures. Logged at error level; execution
// continues. It exists mainly so call sites can type-assert intent
// when deciding whether to abort.
type PartialFailure struct {
	Operation string
	Err       error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("partial failure in %s: %v", e.Operation, e.Err)
}

func (e *PartialFailure) Unwrap() error { return e.Err }

// NewPartialFailure wraps err as a PartialFailure for operation.
func NewPartialFailure(operation string, err error) error {
	if err == nil {
		return nil
	}
	return &PartialFailure{Operation: operation, Err: err}
}

// TimeoutError marks a kill-timeout expiry: fatal for the knot (exit
// 3), a normal death for the tree (restarted if the container is a
// daemon).
type TimeoutError struct {
	What string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout: %s", e.What) }

// NewTimeoutError builds a TimeoutError describing what timed out.
func NewTimeoutError(what string) error {
	return &TimeoutError{What: what}
}

// UnknownChildError marks a recovered process with no matching
// config. Never fatal; the tree sends SIGTERM and schedules a
// force-kill.
type UnknownChildError struct {
	Pid int
}

func (e *UnknownChildError) Error() string {
	return fmt.Sprintf("unknown child pid %d", e.Pid)
}

// NewUnknownChildError builds an UnknownChildError for pid.
func NewUnknownChildError(pid int) error {
	return &UnknownChildError{Pid: pid}
}
