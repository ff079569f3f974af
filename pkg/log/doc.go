// Package log provides the global zerolog-based logger used across the
// coordinator and node, with child-logger helpers for the ids that recur
// in this system (node, task, run, session).
package log
