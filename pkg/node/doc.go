// Package node implements the node agent: it authenticates against the
// coordinator with its API key, receives task events over the push
// channel, and executes each assigned run in an isolated algorithm
// container. The agent also hosts the proxy through which algorithm
// containers reach the coordinator, with input encryption and result
// decryption done on their behalf.
package node
