package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage6/vantage6/pkg/manager"
	"github.com/vantage6/vantage6/pkg/storage"
	"github.com/vantage6/vantage6/pkg/types"
)

type testEnv struct {
	mgr    *manager.Manager
	hub    *Hub
	server *httptest.Server
	node   *types.Node
	access string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mgr := manager.NewManagerWithStore(&manager.Config{ServerID: "test", JWTSecret: "secret"}, store)

	org := &types.Organization{Name: "org"}
	require.NoError(t, mgr.CreateOrganization(org))
	collab := &types.Collaboration{Name: "c", OrganizationIDs: []int{org.ID}}
	require.NoError(t, mgr.CreateCollaboration(collab))
	node := &types.Node{Name: "n", OrganizationID: org.ID, CollaborationID: collab.ID, APIKey: "key"}
	require.NoError(t, mgr.CreateNode(node))

	hub := NewHub(mgr)
	mux := http.NewServeMux()
	mux.Handle("/tasks", hub.Handler())
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	_, access, _, err := mgr.AuthenticateNode("key")
	require.NoError(t, err)

	return &testEnv{mgr: mgr, hub: hub, server: server, node: node, access: access}
}

// collectEvents runs a client and returns a map of received events.
type eventSink struct {
	mu     sync.Mutex
	events map[string][]json.RawMessage
}

func newEventSink() *eventSink {
	return &eventSink{events: make(map[string][]json.RawMessage)}
}

func (s *eventSink) handler(name string) Handler {
	return func(data json.RawMessage) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events[name] = append(s.events[name], data)
	}
}

func (s *eventSink) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[name])
}

func (s *eventSink) first(name string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events[name]) == 0 {
		return nil
	}
	return s.events[name][0]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestHubRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/tasks?token=garbage")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNodeReceivesCollaborationEvents(t *testing.T) {
	env := newTestEnv(t)

	sink := newEventSink()
	connected := make(chan struct{})

	client := NewClient(env.server.URL, func() string { return env.access })
	client.On("new_task", sink.handler("new_task"))
	client.OnConnect = func() { close(connected) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("client did not connect")
	}

	// connect flips the node online
	waitFor(t, func() bool {
		node, err := env.mgr.Store().GetNode(env.node.ID)
		return err == nil && node.Status == types.NodeOnline
	})

	env.hub.ToCollaboration(env.node.CollaborationID, "new_task", map[string]any{"task_id": 42})

	waitFor(t, func() bool { return sink.count("new_task") == 1 })

	var payload struct {
		TaskID int `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(sink.first("new_task"), &payload))
	assert.Equal(t, 42, payload.TaskID)

	// events for other collaborations stay out
	env.hub.ToCollaboration(env.node.CollaborationID+1, "new_task", map[string]any{"task_id": 99})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sink.count("new_task"))
}

func TestNodeTargetedEvent(t *testing.T) {
	env := newTestEnv(t)

	sink := newEventSink()
	connected := make(chan struct{})

	client := NewClient(env.server.URL, func() string { return env.access })
	client.On("kill_containers", sink.handler("kill_containers"))
	client.OnConnect = func() { close(connected) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	<-connected

	env.hub.ToNode(env.node.ID, "kill_containers", map[string]any{"node_id": env.node.ID})
	waitFor(t, func() bool { return sink.count("kill_containers") == 1 })
}

func TestStatusChangeRelay(t *testing.T) {
	env := newTestEnv(t)

	sink := newEventSink()
	connected := make(chan struct{})

	client := NewClient(env.server.URL, func() string { return env.access })
	client.On("algorithm_status_change", sink.handler("algorithm_status_change"))
	client.OnConnect = func() { close(connected) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	<-connected

	// a node emits a status change; the hub relays it to the
	// collaboration room, which includes the sender
	err := client.Emit("algorithm_status_change", map[string]any{
		"run_id":           1,
		"collaboration_id": env.node.CollaborationID,
		"status":           "active",
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return sink.count("algorithm_status_change") == 1 })
}

func TestDisconnectFlipsNodeOffline(t *testing.T) {
	env := newTestEnv(t)

	connected := make(chan struct{})
	client := NewClient(env.server.URL, func() string { return env.access })
	client.OnConnect = func() { close(connected) }

	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx)
	<-connected

	waitFor(t, func() bool {
		node, err := env.mgr.Store().GetNode(env.node.ID)
		return err == nil && node.Status == types.NodeOnline
	})

	cancel()
	client.Disconnect()

	waitFor(t, func() bool {
		node, err := env.mgr.Store().GetNode(env.node.ID)
		return err == nil && node.Status == types.NodeOffline
	})
}
