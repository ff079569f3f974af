// Package metrics exposes Prometheus metrics, health checks, and readiness
// probes for the coordinator and the node agent.
package metrics
