// Package config implements the Lithos data model: MasterConfig,
// SandboxConfig, ChildConfig, and ContainerConfig, read from YAML on
// disk and, for ChildConfig, re-serialized as JSON on the knot's
// command line so /proc/<pid>/cmdline carries the full, re-parseable
// configuration across a tree restart.
package config
