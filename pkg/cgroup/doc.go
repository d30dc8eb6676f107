/*
Package cgroup locates cgroup v1 controller mountpoints, joins the
per-instance scope "<sandbox>:<proc>.<i>.scope" under a configured
parent, applies best-effort memory/cpu limits via
github.com/containerd/cgroups/v3, and sweeps scopes left behind by a
previous tree run. Limit and mountpoint discovery failures never
abort the caller; they are log-and-continue.
*/
package cgroup
