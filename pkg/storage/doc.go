// Package storage persists coordinator state in an embedded bbolt database:
// organizations, collaborations, nodes, sessions, dataframes, tasks and runs,
// plus the advisory locks used to serialize session-modifying work.
package storage
