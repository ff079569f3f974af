// Package client is the Go SDK for the coordinator's REST API. The node
// agent and the algorithm proxy are its primary consumers; it handles
// token lifecycle, retry with backoff, and Link-header pagination.
package client
