/*
Package recover re-adopts a previous tree run's surviving knot
children by walking /proc, filtering by parent pid, and parsing each
candidate's cmdline the way it was invoked. The tree uses this once at
bring-up to avoid killing live workloads just because the supervisor
itself restarted.
*/
package recover
