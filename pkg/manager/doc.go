// Package manager implements the coordinator core: the replicated entity
// store (Raft over bbolt, optional), JWT issuance for nodes and algorithm
// containers, task submission with per-organization run fan-out, kill
// propagation, and the result data-lifecycle cleanup loop.
//
// All writes flow through the finite state machine so that, when high
// availability is enabled, every replica applies the same sequence of
// commands. Reads go straight to the local store. Leader-only background
// work (cleanup, watchdogs) gates on IsLeader, which is always true when
// running without a cluster.
package manager
