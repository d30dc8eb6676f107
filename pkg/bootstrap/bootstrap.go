// Package bootstrap fixes the metrics listener's address before the
// tree spawns its first knot, by binding an ephemeral listener,
// writing its address to runtime/metrics.addr, and re-executing the
// current process once with LITHOS_METRICS_ADDR set.
package bootstrap

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
)

// MetricsAddrEnv is the environment variable that, once set, means
// bootstrap has already run for this process tree.
const MetricsAddrEnv = "LITHOS_METRICS_ADDR"

// EnsureMetricsListener returns (listener, true, nil) if
// LITHOS_METRICS_ADDR is already set; the caller should use the
// returned listener for its metrics HTTP server. If unset, it binds an
// ephemeral listener, writes its address to <runtimeDir>/metrics.addr,
// sets the env var, and re-execs via syscall.Exec, which never
// returns on success.
func EnsureMetricsListener(runtimeDir string) (net.Listener, bool, error) {
	if addr := os.Getenv(MetricsAddrEnv); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, false, fmt.Errorf("bind metrics listener at %s: %w", addr, err)
		}
		return ln, true, nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, false, fmt.Errorf("bind ephemeral metrics listener: %w", err)
	}
	addr := ln.Addr().String()

	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		ln.Close()
		return nil, false, fmt.Errorf("mkdir %s: %w", runtimeDir, err)
	}
	if err := os.WriteFile(filepath.Join(runtimeDir, "metrics.addr"), []byte(addr), 0o644); err != nil {
		ln.Close()
		return nil, false, fmt.Errorf("write metrics.addr: %w", err)
	}

	if err := os.Setenv(MetricsAddrEnv, addr); err != nil {
		ln.Close()
		return nil, false, fmt.Errorf("set %s: %w", MetricsAddrEnv, err)
	}

	self, err := os.Executable()
	if err != nil {
		ln.Close()
		return nil, false, fmt.Errorf("locate own executable: %w", err)
	}

	// The listener fd would be lost across exec unless passed down
	// explicitly; instead the re-exec'd process re-binds the now-fixed
	// address itself, which is safe since SO_REUSEADDR-free bind of
	// the same address by the same uid right after close succeeds in
	// practice for the brief window involved here.
	ln.Close()

	if err := syscall.Exec(self, os.Args, os.Environ()); err != nil {
		return nil, false, fmt.Errorf("re-exec %s: %w", self, err)
	}
	panic("unreachable: syscall.Exec returned without error")
}
