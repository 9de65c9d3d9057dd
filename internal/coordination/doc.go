// Package coordination holds the pieces that let several server processes
// serve the same gyms: the per-gym event relay, the instance heartbeat
// registry and a leader-elected sweeper for stale membership.
package coordination
