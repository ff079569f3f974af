// Package api exposes the coordinator's REST surface: token issuance for
// nodes and algorithm containers, task submission, run updates, blob
// streaming, and the websocket endpoint nodes subscribe to. JSON bodies,
// bearer-token auth, {msg} error envelopes.
package api
