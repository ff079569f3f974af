package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/vantage6/vantage6/pkg/log"
	"github.com/vantage6/vantage6/pkg/storage"
	"github.com/vantage6/vantage6/pkg/types"
)

// Dispatcher pushes events to connected nodes and admin listeners. The
// websocket hub implements it; tests substitute a recorder.
type Dispatcher interface {
	ToCollaboration(collabID int, event string, payload any)
	ToNode(nodeID int, event string, payload any)
	ToAll(event string, payload any)
}

// Manager is the coordinator core: the replicated entity store, token
// issuance, task fan-out, and the cleanup loop. With HA enabled the store is
// replicated via Raft; without it commands apply directly to the local store.
type Manager struct {
	serverID string
	bindAddr string
	dataDir  string

	raft     *raft.Raft
	fsm      *CoordinatorFSM
	store    storage.Store
	tokens   *TokenManager
	dispatch Dispatcher

	logger zerolog.Logger
}

// Config holds configuration for creating a Manager.
type Config struct {
	ServerID  string
	BindAddr  string // Raft bind address; empty disables HA
	DataDir   string
	JWTSecret string
}

// NewManager creates a new Manager instance.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	return NewManagerWithStore(cfg, store), nil
}

// NewManagerWithStore creates a Manager over an existing store.
func NewManagerWithStore(cfg *Config, store storage.Store) *Manager {
	return &Manager{
		serverID: cfg.ServerID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewCoordinatorFSM(store),
		store:    store,
		tokens:   NewTokenManager([]byte(cfg.JWTSecret)),
		logger:   log.WithComponent("manager"),
	}
}

// Store exposes read access to the entity store.
func (m *Manager) Store() storage.Store {
	return m.store
}

// Tokens returns the JWT token manager.
func (m *Manager) Tokens() *TokenManager {
	return m.tokens
}

// SetDispatcher wires the socket hub in after construction; the hub needs
// the manager to authenticate connections, so the dependency is set late.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.dispatch = d
}

// Dispatcher returns the wired socket dispatcher, or nil before SetDispatcher.
func (m *Manager) Dispatcher() Dispatcher {
	return m.dispatch
}

// raftConfig returns Raft timings tuned for LAN failover well under ten
// seconds; the library defaults assume WAN latencies.
func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.serverID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (m *Manager) setupRaft() (*raft.Raft, raft.Transport, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(m.raftConfig(), m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create raft: %w", err)
	}

	return r, transport, nil
}

// Bootstrap initializes a new single-server Raft cluster. A manager with no
// bind address runs without replication and Bootstrap is a no-op.
func (m *Manager) Bootstrap() error {
	if m.bindAddr == "" {
		m.logger.Info().Msg("HA disabled, running with local store only")
		return nil
	}

	r, transport, err := m.setupRaft()
	if err != nil {
		return err
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(m.serverID),
				Address: transport.LocalAddr(),
			},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	m.logger.Info().Str("bind_addr", m.bindAddr).Msg("bootstrapped coordinator cluster")
	return nil
}

// Join starts Raft and waits for the current leader to add this server as a
// voter. The join request itself goes through the leader's admin API.
func (m *Manager) Join() error {
	if m.bindAddr == "" {
		return fmt.Errorf("cannot join a cluster without a raft bind address")
	}

	r, _, err := m.setupRaft()
	if err != nil {
		return err
	}
	m.raft = r

	m.logger.Info().Str("bind_addr", m.bindAddr).Msg("raft started, awaiting voter registration")
	return nil
}

// AddVoter adds a new coordinator replica to the Raft cluster.
func (m *Manager) AddVoter(serverID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	future := m.raft.AddVoter(raft.ServerID(serverID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}

	m.logger.Info().Str("server_id", serverID).Str("address", address).Msg("added voter")
	return nil
}

// RemoveServer removes a coordinator replica from the Raft cluster.
func (m *Manager) RemoveServer(serverID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := m.raft.RemoveServer(raft.ServerID(serverID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}

	return nil
}

// IsLeader reports whether this coordinator may run leader-only loops
// (cleanup, watchdogs). Without HA every instance is its own leader.
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return true
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// RaftStats returns Raft statistics for the health endpoint.
func (m *Manager) RaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}
	return map[string]interface{}{
		"state":          m.raft.State().String(),
		"last_log_index": m.raft.LastIndex(),
		"applied_index":  m.raft.AppliedIndex(),
		"leader":         string(m.raft.Leader()),
	}
}

// Apply submits a command to the replicated log, or directly to the local
// store when HA is disabled, and returns the FSM's response.
func (m *Manager) Apply(cmd Command) (interface{}, error) {
	if m.raft == nil {
		resp := m.fsm.applyCommand(cmd)
		if err, ok := resp.(error); ok {
			return nil, err
		}
		return resp, nil
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

// apply marshals v and submits it under op, discarding the response.
func (m *Manager) apply(op string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = m.Apply(Command{Op: op, Data: data})
	return err
}

// applyCreate submits a create command and copies the stored entity, with
// its assigned id, back into out. The FSM returns the entity it wrote; only
// the leader's response is observed.
func (m *Manager) applyCreate(op string, out any) error {
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	resp, err := m.Apply(Command{Op: op, Data: data})
	if err != nil {
		return err
	}
	created, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(created, out)
}

// CreateOrganization registers an organization.
func (m *Manager) CreateOrganization(org *types.Organization) error {
	org.CreatedAt = time.Now()
	return m.applyCreate("create_organization", org)
}

// UpdateOrganization persists organization changes, including public key
// uploads from nodes.
func (m *Manager) UpdateOrganization(org *types.Organization) error {
	return m.apply("update_organization", org)
}

// CreateCollaboration registers a collaboration.
func (m *Manager) CreateCollaboration(c *types.Collaboration) error {
	c.CreatedAt = time.Now()
	return m.applyCreate("create_collaboration", c)
}

// CreateStudy registers a study.
func (m *Manager) CreateStudy(study *types.Study) error {
	return m.applyCreate("create_study", study)
}

// CreateNode registers a node for an (organization, collaboration) pair.
func (m *Manager) CreateNode(node *types.Node) error {
	node.CreatedAt = time.Now()
	node.Status = types.NodeOffline
	return m.applyCreate("create_node", node)
}

// UpdateNode persists node changes (status, last seen, config shares).
func (m *Manager) UpdateNode(node *types.Node) error {
	return m.apply("update_node", node)
}

// CreateSession registers a session workspace.
func (m *Manager) CreateSession(sess *types.Session) error {
	sess.CreatedAt = time.Now()
	sess.LastUsedAt = sess.CreatedAt
	return m.applyCreate("create_session", sess)
}

// UpdateSession persists session changes.
func (m *Manager) UpdateSession(sess *types.Session) error {
	return m.apply("update_session", sess)
}

// DeleteSession removes a session, cascading to its dataframes, tasks and
// runs, and tells the nodes to drop the on-disk session folder.
func (m *Manager) DeleteSession(id int) error {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return err
	}

	if err := m.apply("delete_session", id); err != nil {
		return err
	}

	if m.dispatch != nil {
		m.dispatch.ToCollaboration(sess.CollaborationID, "session_deleted", map[string]any{
			"session_id":       id,
			"collaboration_id": sess.CollaborationID,
		})
	}
	return nil
}

// CreateDataframe registers a dataframe handle in a session.
func (m *Manager) CreateDataframe(df *types.Dataframe) error {
	return m.applyCreate("create_dataframe", df)
}

// UpdateDataframe persists dataframe changes (columns, last session task).
func (m *Manager) UpdateDataframe(df *types.Dataframe) error {
	return m.apply("update_dataframe", df)
}

// SetDataframeColumns replaces one node's column report on a dataframe,
// keeping the reports of the other nodes intact.
func (m *Manager) SetDataframeColumns(sessionID int, handle string, nodeID int, cols []types.DataframeColumn) (*types.Dataframe, error) {
	df, err := m.store.GetDataframeByHandle(sessionID, handle)
	if err != nil {
		return nil, err
	}

	merged := make([]types.DataframeColumn, 0, len(df.Columns)+len(cols))
	for _, col := range df.Columns {
		if col.NodeID != nodeID {
			merged = append(merged, col)
		}
	}
	for _, col := range cols {
		col.NodeID = nodeID
		merged = append(merged, col)
	}
	df.Columns = merged

	if err := m.UpdateDataframe(df); err != nil {
		return nil, err
	}
	return df, nil
}

// DeleteDataframe removes a dataframe and tells the nodes holding it to
// delete the parquet file.
func (m *Manager) DeleteDataframe(id int) error {
	df, err := m.store.GetDataframe(id)
	if err != nil {
		return err
	}
	sess, err := m.store.GetSession(df.SessionID)
	if err != nil {
		return err
	}

	if err := m.apply("delete_dataframe", id); err != nil {
		return err
	}

	if m.dispatch != nil {
		m.dispatch.ToCollaboration(sess.CollaborationID, "dataframe_deleted", map[string]any{
			"session_id":       df.SessionID,
			"dataframe_id":     id,
			"handle":           df.Handle,
			"collaboration_id": sess.CollaborationID,
		})
	}
	return nil
}

// UpdateTask persists task changes.
func (m *Manager) UpdateTask(task *types.Task) error {
	return m.apply("update_task", task)
}

// UpdateRun persists run changes and relays the status change to the
// collaboration and admin rooms.
func (m *Manager) UpdateRun(run *types.Run) error {
	if err := m.apply("update_run", run); err != nil {
		return err
	}

	task, err := m.store.GetTask(run.TaskID)
	if err != nil {
		return err
	}

	if m.dispatch != nil {
		m.dispatch.ToCollaboration(task.CollaborationID, "algorithm_status_change", map[string]any{
			"run_id":           run.ID,
			"task_id":          run.TaskID,
			"collaboration_id": task.CollaborationID,
			"node_id":          run.NodeID,
			"organization_id":  run.OrganizationID,
			"status":           run.Status,
			"parent_id":        task.ParentTaskID,
		})
	}
	return nil
}

// Shutdown gracefully shuts down the manager.
func (m *Manager) Shutdown() error {
	if m.raft != nil {
		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}

	return nil
}
