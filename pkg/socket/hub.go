package socket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vantage6/vantage6/pkg/log"
	"github.com/vantage6/vantage6/pkg/manager"
	"github.com/vantage6/vantage6/pkg/types"
)

// Well-known rooms. Nodes join all_nodes, collaboration_<id> and
// node_<id>; all_connections carries admin traffic (status changes and
// relayed collaboration events).
const (
	RoomAllConnections = "all_connections"
	RoomAllNodes       = "all_nodes"
)

// RoomCollaboration returns the room name for a collaboration.
func RoomCollaboration(collabID int) string {
	return fmt.Sprintf("collaboration_%d", collabID)
}

// RoomNode returns the room name for a single node.
func RoomNode(nodeID int) string {
	return fmt.Sprintf("node_%d", nodeID)
}

// Message is the wire format on the websocket, both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// conn is one connected node.
type conn struct {
	hub    *Hub
	ws     *websocket.Conn
	send   chan []byte
	nodeID int
	rooms  []string
}

// Hub is the coordinator's push channel: a room-aware broadcaster over
// websockets. It implements manager.Dispatcher.
type Hub struct {
	mgr      *manager.Manager
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*conn]bool
}

// NewHub creates the hub and registers it as the manager's dispatcher.
func NewHub(mgr *manager.Manager) *Hub {
	h := &Hub{
		mgr: mgr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms:  make(map[string]map[*conn]bool),
		logger: log.WithComponent("socket"),
	}
	mgr.SetDispatcher(h)
	return h
}

var _ manager.Dispatcher = (*Hub)(nil)

// ToCollaboration pushes an event to every node of a collaboration.
func (h *Hub) ToCollaboration(collabID int, event string, payload any) {
	h.emit(RoomCollaboration(collabID), event, payload)
	// admin listeners see collaboration traffic too
	h.emit(RoomAllConnections, event, payload)
}

// ToNode pushes an event to a single node.
func (h *Hub) ToNode(nodeID int, event string, payload any) {
	h.emit(RoomNode(nodeID), event, payload)
}

// ToAll pushes an event to every connection.
func (h *Hub) ToAll(event string, payload any) {
	h.emit(RoomAllConnections, event, payload)
}

func (h *Hub) emit(room, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to marshal event payload")
		return
	}
	frame, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.rooms[room] {
		select {
		case c.send <- frame:
		default:
			// slow consumer; it will resync over REST
			h.logger.Warn().Int("node_id", c.nodeID).Str("event", event).Msg("dropping event for slow connection")
		}
	}
}

// Handler upgrades an authenticated node connection and pumps events. The
// bearer token rides in the Authorization header or the token query
// parameter.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}

		claims, err := h.mgr.Tokens().ParseAccess(token, manager.ClientTypeNode)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		c := &conn{
			hub:    h,
			ws:     ws,
			send:   make(chan []byte, 64),
			nodeID: claims.NodeID,
			rooms: []string{
				RoomAllNodes,
				RoomCollaboration(claims.CollaborationID),
				RoomNode(claims.NodeID),
			},
		}
		h.register(c)
		h.setNodeStatus(claims.NodeID, types.NodeOnline)

		go c.writePump()
		c.readPump()
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range c.rooms {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*conn]bool)
		}
		h.rooms[room][c] = true
	}
	h.logger.Info().Int("node_id", c.nodeID).Msg("node connected")
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	for _, room := range c.rooms {
		delete(h.rooms[room], c)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	close(c.send)
	h.setNodeStatus(c.nodeID, types.NodeOffline)
	h.logger.Info().Int("node_id", c.nodeID).Msg("node disconnected")
}

// setNodeStatus flips the node's connectivity and tells admin listeners.
func (h *Hub) setNodeStatus(nodeID int, status types.NodeStatus) {
	node, err := h.mgr.Store().GetNode(nodeID)
	if err != nil {
		h.logger.Error().Err(err).Int("node_id", nodeID).Msg("failed to load node for status change")
		return
	}
	node.Status = status
	node.LastSeen = time.Now()
	if err := h.mgr.UpdateNode(node); err != nil {
		h.logger.Error().Err(err).Int("node_id", nodeID).Msg("failed to update node status")
		return
	}

	h.ToAll("node-status-changed", map[string]any{
		"node_id":          node.ID,
		"organization_id":  node.OrganizationID,
		"collaboration_id": node.CollaborationID,
		"status":           status,
	})
}

// readPump consumes inbound events from the node until the connection
// drops.
func (c *conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn().Err(err).Int("node_id", c.nodeID).Msg("websocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.logger.Warn().Err(err).Int("node_id", c.nodeID).Msg("malformed socket message")
			continue
		}
		c.hub.handleInbound(c, &msg)
	}
}

// handleInbound relays node-originated events.
func (h *Hub) handleInbound(c *conn, msg *Message) {
	switch msg.Event {
	case "algorithm_status_change":
		var payload struct {
			CollaborationID int `json:"collaboration_id"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			h.logger.Warn().Err(err).Msg("bad algorithm_status_change payload")
			return
		}
		var data any
		_ = json.Unmarshal(msg.Data, &data)
		h.ToCollaboration(payload.CollaborationID, msg.Event, data)

	case "message":
		h.logger.Info().Int("node_id", c.nodeID).RawJSON("data", msg.Data).Msg("node message")

	default:
		h.logger.Debug().Str("event", msg.Event).Int("node_id", c.nodeID).Msg("ignoring unknown inbound event")
	}
}

// writePump forwards queued frames and keeps the connection alive with
// pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ExpireNode tells a node its token went stale; the node refreshes and
// reconnects.
func (h *Hub) ExpireNode(nodeID int) {
	h.ToNode(nodeID, "expired_token", map[string]any{"node_id": nodeID})
}
