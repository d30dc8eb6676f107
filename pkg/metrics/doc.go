/*
Package metrics exposes Prometheus gauges and counters for the tree
supervisor: containers, sandboxes, running, started, deaths, failures,
unknown, restarts, plus a reconciliation-duration histogram. Handler
returns promhttp.Handler(); the tree binds it on an ephemeral listener
recorded at runtime/metrics.addr (see pkg/bootstrap).

Unlike a collector that polls an external manager, these metrics are
set directly at the point of state change in pkg/tree, since the tree
is the sole owner of that state.
*/
package metrics
