// Package health probes the node's external dependencies: the
// coordinator it reports to and the data sources its algorithms read.
// A Monitor runs the probes on an interval and surfaces transitions,
// so a station admin learns about an unreachable database before a
// task fails on it.
package health
