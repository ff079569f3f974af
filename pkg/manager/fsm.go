package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/vantage6/vantage6/pkg/storage"
	"github.com/vantage6/vantage6/pkg/types"
)

// CoordinatorFSM implements the Raft finite state machine over the
// coordinator's entity store. Every replicated write goes through Apply so
// all replicas converge on the same state.
type CoordinatorFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewCoordinatorFSM creates a new FSM instance.
func NewCoordinatorFSM(store storage.Store) *CoordinatorFSM {
	return &CoordinatorFSM{store: store}
}

// Command represents a state change operation in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Apply applies a committed Raft log entry to the FSM.
func (f *CoordinatorFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.applyCommand(cmd)
}

// applyCommand executes one command against the store. It is shared between
// the Raft path and the single-node path where no cluster is running.
func (f *CoordinatorFSM) applyCommand(cmd Command) interface{} {
	switch cmd.Op {
	case "create_organization":
		var org types.Organization
		if err := json.Unmarshal(cmd.Data, &org); err != nil {
			return err
		}
		if err := f.store.CreateOrganization(&org); err != nil {
			return err
		}
		return &org

	case "update_organization":
		var org types.Organization
		if err := json.Unmarshal(cmd.Data, &org); err != nil {
			return err
		}
		return f.store.UpdateOrganization(&org)

	case "create_collaboration":
		var c types.Collaboration
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		if err := f.store.CreateCollaboration(&c); err != nil {
			return err
		}
		return &c

	case "create_study":
		var study types.Study
		if err := json.Unmarshal(cmd.Data, &study); err != nil {
			return err
		}
		if err := f.store.CreateStudy(&study); err != nil {
			return err
		}
		return &study

	case "create_node":
		var node types.Node
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		if err := f.store.CreateNode(&node); err != nil {
			return err
		}
		return &node

	case "update_node":
		var node types.Node
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		return f.store.UpdateNode(&node)

	case "create_session":
		var sess types.Session
		if err := json.Unmarshal(cmd.Data, &sess); err != nil {
			return err
		}
		if err := f.store.CreateSession(&sess); err != nil {
			return err
		}
		return &sess

	case "update_session":
		var sess types.Session
		if err := json.Unmarshal(cmd.Data, &sess); err != nil {
			return err
		}
		return f.store.UpdateSession(&sess)

	case "delete_session":
		var id int
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteSession(id)

	case "create_dataframe":
		var df types.Dataframe
		if err := json.Unmarshal(cmd.Data, &df); err != nil {
			return err
		}
		if err := f.store.CreateDataframe(&df); err != nil {
			return err
		}
		return &df

	case "update_dataframe":
		var df types.Dataframe
		if err := json.Unmarshal(cmd.Data, &df); err != nil {
			return err
		}
		return f.store.UpdateDataframe(&df)

	case "delete_dataframe":
		var id int
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteDataframe(id)

	case "create_task":
		var task types.Task
		if err := json.Unmarshal(cmd.Data, &task); err != nil {
			return err
		}
		if err := f.store.CreateTask(&task); err != nil {
			return err
		}
		return &task

	case "update_task":
		var task types.Task
		if err := json.Unmarshal(cmd.Data, &task); err != nil {
			return err
		}
		return f.store.UpdateTask(&task)

	case "delete_task":
		var id int
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteTask(id)

	case "create_run":
		var run types.Run
		if err := json.Unmarshal(cmd.Data, &run); err != nil {
			return err
		}
		if err := f.store.CreateRun(&run); err != nil {
			return err
		}
		return &run

	case "update_run":
		var run types.Run
		if err := json.Unmarshal(cmd.Data, &run); err != nil {
			return err
		}
		return f.store.UpdateRun(&run)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM so Raft can compact
// its log.
func (f *CoordinatorFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	orgs, err := f.store.ListOrganizations()
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}

	collabs, err := f.store.ListCollaborations()
	if err != nil {
		return nil, fmt.Errorf("failed to list collaborations: %w", err)
	}

	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	sessions, err := f.store.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	studies, err := f.store.ListStudies()
	if err != nil {
		return nil, fmt.Errorf("failed to list studies: %w", err)
	}

	tasks, err := f.store.ListTasks()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	runs, err := f.store.ListRuns()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var dataframes []*types.Dataframe
	for _, sess := range sessions {
		dfs, err := f.store.ListDataframesBySession(sess.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list dataframes: %w", err)
		}
		dataframes = append(dataframes, dfs...)
	}

	return &coordinatorSnapshot{
		Organizations:  orgs,
		Collaborations: collabs,
		Studies:        studies,
		Nodes:          nodes,
		Sessions:       sessions,
		Dataframes:     dataframes,
		Tasks:          tasks,
		Runs:           runs,
	}, nil
}

// Restore rebuilds the FSM from a snapshot. Called when a replica restarts
// or joins the cluster.
func (f *CoordinatorFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot coordinatorSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, org := range snapshot.Organizations {
		if err := f.store.CreateOrganization(org); err != nil {
			return fmt.Errorf("failed to restore organization: %w", err)
		}
	}
	for _, c := range snapshot.Collaborations {
		if err := f.store.CreateCollaboration(c); err != nil {
			return fmt.Errorf("failed to restore collaboration: %w", err)
		}
	}
	for _, study := range snapshot.Studies {
		if err := f.store.CreateStudy(study); err != nil {
			return fmt.Errorf("failed to restore study: %w", err)
		}
	}
	for _, node := range snapshot.Nodes {
		if err := f.store.CreateNode(node); err != nil {
			return fmt.Errorf("failed to restore node: %w", err)
		}
	}
	for _, sess := range snapshot.Sessions {
		if err := f.store.CreateSession(sess); err != nil {
			return fmt.Errorf("failed to restore session: %w", err)
		}
	}
	for _, df := range snapshot.Dataframes {
		if err := f.store.CreateDataframe(df); err != nil {
			return fmt.Errorf("failed to restore dataframe: %w", err)
		}
	}
	for _, task := range snapshot.Tasks {
		if err := f.store.CreateTask(task); err != nil {
			return fmt.Errorf("failed to restore task: %w", err)
		}
	}
	for _, run := range snapshot.Runs {
		if err := f.store.CreateRun(run); err != nil {
			return fmt.Errorf("failed to restore run: %w", err)
		}
	}

	return nil
}

// coordinatorSnapshot is a point-in-time dump of coordinator state.
type coordinatorSnapshot struct {
	Organizations  []*types.Organization
	Collaborations []*types.Collaboration
	Studies        []*types.Study
	Nodes          []*types.Node
	Sessions       []*types.Session
	Dataframes     []*types.Dataframe
	Tasks          []*types.Task
	Runs           []*types.Run
}

// Persist writes the snapshot to the given SnapshotSink.
func (s *coordinatorSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources.
func (s *coordinatorSnapshot) Release() {}
