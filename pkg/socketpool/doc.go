/*
Package socketpool owns every TCP listener the tree supervisor holds
on behalf of its containers. Sockets outlive any single knot: they are
opened once, duplicated into each new child's fd table across
fork+exec, and closed only once GC finds no live child still
references their address. RecoverFromSelf lets a restarted tree
re-adopt listeners a previous run left open.
*/
package socketpool
