// Package socket is the push channel between coordinator and nodes: a
// room-aware websocket hub on the coordinator side and a reconnecting
// client on the node side. Events are best-effort; nodes resync over REST
// after every (re)connect.
package socket
