package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vantage6/vantage6/pkg/client"
	"github.com/vantage6/vantage6/pkg/config"
	"github.com/vantage6/vantage6/pkg/crypto"
	"github.com/vantage6/vantage6/pkg/health"
	"github.com/vantage6/vantage6/pkg/log"
	"github.com/vantage6/vantage6/pkg/metrics"
	"github.com/vantage6/vantage6/pkg/runtime"
	"github.com/vantage6/vantage6/pkg/sessionfile"
	"github.com/vantage6/vantage6/pkg/socket"
	"github.com/vantage6/vantage6/pkg/types"
)

// liveRun is a launched container the agent may still have to kill.
type liveRun struct {
	taskID int
	handle runtime.JobHandle
}

// Agent is a node: it authenticates against the coordinator, listens for
// task events, and executes runs assigned to its organization.
type Agent struct {
	cfg  *config.NodeConfig
	api  *client.Client
	sock *socket.Client

	// keys owns the node's RSA keypair; cryptor frames run payloads and
	// degrades to the base64 pass-through when the collaboration is not
	// encrypted.
	keys      *crypto.RSACryptor
	cryptor   crypto.Cryptor
	encrypted bool

	runtime runtime.Runtime
	logger  zerolog.Logger

	queue chan *client.RunWithTask

	mu          sync.Mutex
	node        *types.Node
	keyCache    map[int]string
	live        map[int]liveRun // run id -> running container
	pending     map[int]bool    // run ids queued or executing
	sessions    map[int]*sessionfile.Manager
	blobEnabled bool

	proxyHost string
	proxyPort string
}

// New builds an agent from its config. The private key is loaded (or
// generated) and the container runtime client is opened here; both are
// fatal when unavailable.
func New(cfg *config.NodeConfig) (*Agent, error) {
	keys, err := crypto.NewRSACryptor(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}

	var rt runtime.Runtime
	switch cfg.Runtime {
	case "", "docker":
		rt, err = runtime.NewDockerRuntime()
	case "kubernetes":
		rt, err = runtime.NewKubernetesRuntime("", cfg.Namespace)
	case "containerd":
		rt, err = runtime.NewContainerdRuntime("")
	default:
		return nil, fmt.Errorf("unknown runtime %q", cfg.Runtime)
	}
	if err != nil {
		return nil, fmt.Errorf("container runtime: %w", err)
	}

	host, port, err := net.SplitHostPort(cfg.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("proxy_addr: %w", err)
	}
	if host == "" {
		// algorithm containers resolve the node through the runtime's
		// host gateway alias
		host = "host.docker.internal"
	}

	return &Agent{
		cfg:       cfg,
		api:       client.NewClient(cfg.ServerURL),
		keys:      keys,
		cryptor:   keys,
		encrypted: true,
		runtime:   rt,
		logger:    log.WithComponent("node"),
		queue:     make(chan *client.RunWithTask, cfg.QueueSize),
		keyCache:  make(map[int]string),
		live:      make(map[int]liveRun),
		pending:   make(map[int]bool),
		sessions:  make(map[int]*sessionfile.Manager),
		proxyHost: host,
		proxyPort: port,
	}, nil
}

// Run boots the agent and blocks until ctx is cancelled: authenticate,
// register key and config, start the proxy and socket, then work the run
// queue. On shutdown every live container is killed and its run reported
// as killed.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.api.AuthenticateNode(ctx, a.cfg.APIKey); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	node, err := a.api.GetNode(ctx, a.api.NodeID())
	if err != nil {
		return fmt.Errorf("cannot fetch own node record: %w", err)
	}
	a.mu.Lock()
	a.node = node
	a.mu.Unlock()
	a.logger.Info().
		Int("node_id", node.ID).
		Int("organization_id", node.OrganizationID).
		Int("collaboration_id", node.CollaborationID).
		Msg("authenticated")

	collab, err := a.api.Collaboration(ctx, node.CollaborationID)
	if err != nil {
		return fmt.Errorf("cannot fetch own collaboration: %w", err)
	}
	a.setEncryption(collab.Encrypted)

	if a.encrypted {
		if err := a.registerPublicKey(ctx, node.OrganizationID); err != nil {
			return err
		}
	}
	if err := a.api.ShareNodeConfig(ctx, node.ID, a.sharedConfig()); err != nil {
		a.logger.Warn().Err(err).Msg("cannot share node config")
	}

	if a.blobEnabled, err = a.api.BlobStoreEnabled(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("cannot query blob store; assuming disabled")
		a.blobEnabled = false
	}

	if mon := a.healthMonitor(); mon != nil {
		go mon.Run(ctx)
	}

	proxy := newProxy(a)
	go func() {
		if err := proxy.serve(ctx, a.cfg.ProxyAddr); err != nil {
			a.logger.Error().Err(err).Msg("algorithm proxy stopped")
		}
	}()

	a.sock = socket.NewClient(a.cfg.ServerURL, a.api.Token)
	a.sock.OnConnect = func() { go a.syncRuns(ctx) }
	a.sock.On("new_task", func(json.RawMessage) { a.syncRuns(ctx) })
	a.sock.On("kill_containers", func(data json.RawMessage) { a.killContainers(ctx, data) })
	a.sock.On("session_deleted", a.onSessionDeleted)
	a.sock.On("dataframe_deleted", a.onDataframeDeleted)
	a.sock.On("expired_token", func(json.RawMessage) { a.refreshAndReconnect(ctx) })
	go a.sock.Run(ctx)

	workers := a.cfg.ConcurrentTasks
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.worker(ctx)
		}()
	}

	<-ctx.Done()
	a.sock.Disconnect()
	wg.Wait()
	a.shutdown()
	return ctx.Err()
}

// setEncryption selects the payload cryptor for the collaboration. Mixed
// mode is forbidden, so the choice holds for the agent's lifetime.
func (a *Agent) setEncryption(encrypted bool) {
	a.encrypted = encrypted
	if encrypted {
		a.cryptor = a.keys
		return
	}
	a.cryptor = crypto.DummyCryptor{}
	a.logger.Warn().Msg("collaboration is not encrypted; payloads travel base64-framed only")
}

// registerPublicKey makes sure the coordinator holds this node's current
// key, rotating the stored one when it no longer matches.
func (a *Agent) registerPublicKey(ctx context.Context, orgID int) error {
	pub, err := a.keys.PublicKeyB64()
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	org, err := a.api.Organization(ctx, orgID)
	if err != nil {
		return fmt.Errorf("cannot fetch own organization: %w", err)
	}
	if a.keys.Verify(org.PublicKey) {
		return nil
	}
	a.logger.Info().Msg("uploading public key")
	if err := a.api.SetPublicKey(ctx, orgID, pub); err != nil {
		return fmt.Errorf("cannot upload public key: %w", err)
	}
	return nil
}

// sharedConfig is the non-sensitive slice of node config surfaced to
// researchers: database labels (never URIs) and the policy gate.
func (a *Agent) sharedConfig() map[string]string {
	labels := make([]string, 0, len(a.cfg.Databases))
	for _, db := range a.cfg.Databases {
		labels = append(labels, db.Label+":"+db.Type)
	}
	joined := strings.Join(labels, ",")
	sum := sha256.Sum256([]byte(joined))
	return map[string]string{
		"runtime":            a.cfg.Runtime,
		"databases":          joined,
		"databases_hash":     hex.EncodeToString(sum[:]),
		"allowed_algorithms": strings.Join(a.cfg.Policies.AllowedAlgorithms, ","),
	}
}

// syncRuns pulls every open run for this node: pending runs are enqueued
// unless already queued or executing, and runs the coordinator believes in
// flight but this agent is not tracking are reaped. Called on every
// (re)connect and on each new_task event, so missed pushes are recovered.
func (a *Agent) syncRuns(ctx context.Context) {
	runs, err := a.api.OpenRuns(ctx, a.api.NodeID())
	if err != nil {
		a.logger.Error().Err(err).Msg("cannot fetch open runs")
		return
	}
	for _, rw := range runs {
		switch rw.Status {
		case types.RunPending:
			if rw.Task != nil {
				a.enqueue(rw)
			}
		case types.RunInitializing, types.RunActive:
			a.reapOrphan(ctx, rw)
		}
	}
}

// reapOrphan terminates a run that was in flight when this node last went
// down: its container did not survive the restart, so the coordinator's
// view must be corrected.
func (a *Agent) reapOrphan(ctx context.Context, rw *client.RunWithTask) {
	a.mu.Lock()
	_, tracked := a.live[rw.ID]
	queued := a.pending[rw.ID]
	a.mu.Unlock()
	if tracked || queued {
		return
	}

	status := types.RunCrashed
	if rw.Status == types.RunInitializing {
		status = types.RunStartFailed
	}
	if _, err := a.api.PatchRun(ctx, rw.ID, &client.RunPatch{
		Status:     status,
		FinishedAt: time.Now().UTC().Format(time.RFC3339),
		Log:        "node restarted while the run was in flight",
	}); err != nil {
		a.logger.Error().Err(err).Int("run_id", rw.ID).Msg("cannot report orphaned run")
		return
	}
	a.emitStatusChange(rw.ID, rw.TaskID, status)
	a.logger.Warn().Int("run_id", rw.ID).Str("status", string(status)).
		Msg("orphaned run terminated")
}

// enqueue admits a run to the worker queue without blocking; a full queue
// drops the run and leaves it pending for the next sync.
func (a *Agent) enqueue(rw *client.RunWithTask) {
	a.mu.Lock()
	if a.pending[rw.ID] {
		a.mu.Unlock()
		return
	}
	a.pending[rw.ID] = true
	a.mu.Unlock()

	select {
	case a.queue <- rw:
		metrics.NodeQueueDepth.Set(float64(len(a.queue)))
	default:
		a.mu.Lock()
		delete(a.pending, rw.ID)
		a.mu.Unlock()
		a.logger.Warn().Int("run_id", rw.ID).Msg("task queue full; deferring run")
	}
}

func (a *Agent) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rw := <-a.queue:
			metrics.NodeQueueDepth.Set(float64(len(a.queue)))
			a.executeRun(ctx, rw)
			a.mu.Lock()
			delete(a.pending, rw.ID)
			a.mu.Unlock()
		}
	}
}

// killContainers aborts live runs matching the event: a task_id kills that
// task's runs, a node_id (ours) kills everything.
func (a *Agent) killContainers(ctx context.Context, data json.RawMessage) {
	var ev struct {
		TaskID int `json:"task_id"`
		NodeID int `json:"node_id"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		a.logger.Warn().Err(err).Msg("bad kill_containers payload")
		return
	}

	a.mu.Lock()
	victims := make(map[int]liveRun)
	for runID, lr := range a.live {
		if ev.TaskID != 0 && lr.taskID != ev.TaskID {
			continue
		}
		if ev.TaskID == 0 && ev.NodeID != a.api.NodeID() {
			continue
		}
		victims[runID] = lr
	}
	a.mu.Unlock()

	for runID, lr := range victims {
		logger := a.logger.With().Int("run_id", runID).Int("task_id", lr.taskID).Logger()
		if err := lr.handle.Kill(ctx); err != nil {
			logger.Error().Err(err).Msg("cannot kill container")
			continue
		}
		if _, err := a.api.PatchRun(ctx, runID, &client.RunPatch{
			Status:     types.RunKilled,
			FinishedAt: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			logger.Error().Err(err).Msg("cannot report killed run")
		}
		a.emitStatusChange(runID, lr.taskID, types.RunKilled)
		logger.Info().Msg("run killed by user request")
	}
}

// onSessionDeleted drops the session's on-disk folder, dataframes and
// state log included.
func (a *Agent) onSessionDeleted(data json.RawMessage) {
	var ev struct {
		SessionID int `json:"session_id"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		a.logger.Warn().Err(err).Msg("bad session_deleted payload")
		return
	}

	a.mu.Lock()
	delete(a.sessions, ev.SessionID)
	a.mu.Unlock()

	dir := a.sessionDir(ev.SessionID)
	if _, err := os.Stat(dir); err != nil {
		return // never hosted here
	}
	if err := os.RemoveAll(dir); err != nil {
		a.logger.Error().Err(err).Int("session_id", ev.SessionID).Msg("cannot remove session folder")
		return
	}
	a.logger.Info().Int("session_id", ev.SessionID).Msg("session folder removed")
}

// onDataframeDeleted removes the handle's parquet file when this node
// hosts the session.
func (a *Agent) onDataframeDeleted(data json.RawMessage) {
	var ev struct {
		SessionID int    `json:"session_id"`
		Handle    string `json:"handle"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		a.logger.Warn().Err(err).Msg("bad dataframe_deleted payload")
		return
	}
	if _, err := os.Stat(a.sessionDir(ev.SessionID)); err != nil {
		return // never hosted here
	}

	sess, err := a.sessionFiles(ev.SessionID)
	if err != nil {
		a.logger.Error().Err(err).Int("session_id", ev.SessionID).Msg("session workspace unavailable")
		return
	}
	if err := sess.DeleteDataframe(ev.Handle); err != nil {
		a.logger.Error().Err(err).Str("handle", ev.Handle).Msg("cannot delete dataframe file")
		return
	}
	a.logger.Info().Int("session_id", ev.SessionID).Str("handle", ev.Handle).
		Msg("dataframe file removed")
}

func (a *Agent) sessionDir(sessionID int) string {
	sess := types.Session{ID: sessionID}
	return filepath.Join(a.cfg.DataDir, "sessions", sess.FolderName())
}

// refreshAndReconnect swaps tokens and drops the socket so it reconnects
// with the fresh one.
func (a *Agent) refreshAndReconnect(ctx context.Context) {
	if err := a.api.RefreshToken(ctx); err != nil {
		a.logger.Error().Err(err).Msg("token refresh failed")
		return
	}
	a.sock.Disconnect()
}

func (a *Agent) emitStatusChange(runID, taskID int, status types.RunStatus) {
	a.mu.Lock()
	node := a.node
	a.mu.Unlock()
	if a.sock == nil || node == nil {
		return
	}
	err := a.sock.Emit("algorithm_status_change", map[string]any{
		"run_id":           runID,
		"task_id":          taskID,
		"node_id":          node.ID,
		"organization_id":  node.OrganizationID,
		"collaboration_id": node.CollaborationID,
		"status":           string(status),
	})
	if err != nil {
		a.logger.Debug().Err(err).Msg("cannot emit status change")
	}
}

// shutdown kills whatever is still running and reports the runs as
// killed, using a fresh context since the agent's own is gone.
func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.mu.Lock()
	live := make(map[int]liveRun, len(a.live))
	for id, lr := range a.live {
		live[id] = lr
	}
	a.mu.Unlock()

	for runID, lr := range live {
		if err := lr.handle.Kill(ctx); err != nil {
			a.logger.Error().Err(err).Int("run_id", runID).Msg("kill on shutdown failed")
			continue
		}
		if _, err := a.api.PatchRun(ctx, runID, &client.RunPatch{
			Status:     types.RunKilled,
			FinishedAt: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			a.logger.Error().Err(err).Int("run_id", runID).Msg("cannot report killed run")
		}
	}

	if err := a.runtime.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("runtime close failed")
	}
	a.logger.Info().Msg("node stopped")
}

func (a *Agent) trackHandle(runID, taskID int, h runtime.JobHandle) {
	a.mu.Lock()
	a.live[runID] = liveRun{taskID: taskID, handle: h}
	a.mu.Unlock()
}

func (a *Agent) untrackHandle(runID int) {
	a.mu.Lock()
	delete(a.live, runID)
	a.mu.Unlock()
}

// healthMonitor probes the coordinator and every configured data source,
// re-sharing node config when a source's availability changes.
func (a *Agent) healthMonitor() *health.Monitor {
	checkers := []health.Checker{
		health.NewHTTPChecker("coordinator", strings.TrimRight(a.cfg.ServerURL, "/")+"/health"),
	}
	for _, db := range a.cfg.Databases {
		if c := health.ForSource(db.Label, db.URI); c != nil {
			checkers = append(checkers, c)
		}
	}

	mon := health.NewMonitor(health.DefaultConfig(), checkers...)
	mon.OnChange = func(name string, healthy bool, _ string) {
		if name == "coordinator" {
			return
		}
		status := "offline"
		if healthy {
			status = "online"
		}
		cfg := a.sharedConfig()
		cfg["db_status_"+name] = status
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.api.ShareNodeConfig(ctx, a.api.NodeID(), cfg); err != nil {
			a.logger.Warn().Err(err).Msg("cannot share source status")
		}
	}
	return mon
}

// sessionFiles returns the per-session workspace manager, creating the
// directory tree on first use.
func (a *Agent) sessionFiles(sessionID int) (*sessionfile.Manager, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.sessions[sessionID]; ok {
		return m, nil
	}
	m, err := sessionfile.NewManager(a.cfg.DataDir, sessionID)
	if err != nil {
		return nil, err
	}
	a.sessions[sessionID] = m
	return m, nil
}
