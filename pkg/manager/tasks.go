package manager

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vantage6/vantage6/pkg/storage"
	"github.com/vantage6/vantage6/pkg/types"
)

// OrgInput pairs a target organization with the caller-supplied ciphertext
// for that organization's run.
type OrgInput struct {
	ID    int    `json:"id"`
	Input string `json:"input"`
}

// TaskRequest is a task submission. Organizations carries one entry per
// targeted organization; the coordinator never sees plaintext input.
type TaskRequest struct {
	Name             string                  `json:"name"`
	Image            string                  `json:"image"`
	Action           types.AlgorithmStepType `json:"action"`
	CollaborationID  int                     `json:"collaboration_id"`
	SessionID        int                     `json:"session_id,omitempty"`
	StudyID          int                     `json:"study_id,omitempty"`
	ParentTaskID     int                     `json:"parent_task_id,omitempty"`
	DependsOnTaskID  int                     `json:"depends_on_task_id,omitempty"`
	InitOrgID        int                     `json:"init_org_id"`
	InitUserID       int                     `json:"init_user_id,omitempty"`
	AlgorithmStoreID int                     `json:"algorithm_store_id,omitempty"`
	DataframeHandle  string                  `json:"dataframe_handle,omitempty"`
	Databases        [][]types.DBRef         `json:"databases,omitempty"`
	Organizations    []OrgInput              `json:"organizations"`
}

// ErrBadRequest covers submission validation failures; maps to 400.
var ErrBadRequest = errors.New("bad request")

// SubmitTask validates a submission, allocates the task and one pending run
// per target organization, and persists everything. Dispatching the
// new_task event is the session orchestrator's call, since modifiers of a
// busy dataframe must be held back.
func (m *Manager) SubmitTask(req *TaskRequest) (*types.Task, []*types.Run, error) {
	if !req.Action.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown action %q", ErrBadRequest, req.Action)
	}
	if len(req.Organizations) == 0 {
		return nil, nil, fmt.Errorf("%w: no target organizations", ErrBadRequest)
	}

	collab, err := m.store.GetCollaboration(req.CollaborationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: collaboration %d does not exist", ErrBadRequest, req.CollaborationID)
		}
		return nil, nil, err
	}

	members := collab.OrganizationIDs
	if req.StudyID != 0 {
		study, err := m.store.GetStudy(req.StudyID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil, fmt.Errorf("%w: study %d does not exist", ErrBadRequest, req.StudyID)
			}
			return nil, nil, err
		}
		if study.CollaborationID != collab.ID {
			return nil, nil, fmt.Errorf("%w: study %d is not part of collaboration %d", ErrBadRequest, req.StudyID, collab.ID)
		}
		members = study.OrganizationIDs
	}
	memberSet := make(map[int]bool, len(members))
	for _, id := range members {
		memberSet[id] = true
	}
	for _, org := range req.Organizations {
		if !memberSet[org.ID] {
			return nil, nil, fmt.Errorf("%w: organization %d is not a member", ErrBadRequest, org.ID)
		}
	}

	sess, err := m.resolveSession(req)
	if err != nil {
		return nil, nil, err
	}

	// Same-image restriction holds across the whole session.
	if collab.SessionRestrictSameImage {
		siblings, err := m.store.ListTasksBySession(sess.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, t := range siblings {
			if t.Image != req.Image {
				return nil, nil, fmt.Errorf("%w: session %d is restricted to image %q", ErrNotAllowed, sess.ID, t.Image)
			}
		}
	}

	jobID, err := m.allocateJobID(req)
	if err != nil {
		return nil, nil, err
	}

	task := &types.Task{
		Name:             req.Name,
		Image:            req.Image,
		Action:           req.Action,
		CollaborationID:  req.CollaborationID,
		SessionID:        sess.ID,
		StudyID:          req.StudyID,
		JobID:            jobID,
		ParentTaskID:     req.ParentTaskID,
		DependsOnTaskID:  req.DependsOnTaskID,
		InitOrgID:        req.InitOrgID,
		InitUserID:       req.InitUserID,
		AlgorithmStoreID: req.AlgorithmStoreID,
		Databases:        req.Databases,
		CreatedAt:        time.Now(),
	}
	if err := m.applyCreate("create_task", task); err != nil {
		return nil, nil, err
	}

	if req.Action.IsSessionModifying() {
		if err := m.bindDataframe(task, req.DataframeHandle); err != nil {
			return nil, nil, err
		}
	}

	now := time.Now()
	runs := make([]*types.Run, 0, len(req.Organizations))
	for _, org := range req.Organizations {
		run := &types.Run{
			TaskID:         task.ID,
			OrganizationID: org.ID,
			Input:          org.Input,
			Action:         req.Action,
			Status:         types.RunPending,
			AssignedAt:     now,
		}
		if node, err := m.store.GetNodeByOrgCollab(org.ID, req.CollaborationID); err == nil {
			run.NodeID = node.ID
		}
		if err := m.applyCreate("create_run", run); err != nil {
			return nil, nil, err
		}
		runs = append(runs, run)
	}

	sess.LastUsedAt = now
	if err := m.UpdateSession(sess); err != nil {
		return nil, nil, err
	}

	m.logger.Info().
		Int("task_id", task.ID).
		Int("job_id", task.JobID).
		Str("image", task.Image).
		Str("action", string(task.Action)).
		Int("runs", len(runs)).
		Msg("task submitted")

	return task, runs, nil
}

// resolveSession returns the task's session, creating one implicitly when
// the submission names none.
func (m *Manager) resolveSession(req *TaskRequest) (*types.Session, error) {
	if req.SessionID != 0 {
		sess, err := m.store.GetSession(req.SessionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: session %d does not exist", ErrBadRequest, req.SessionID)
			}
			return nil, err
		}
		if sess.CollaborationID != req.CollaborationID {
			return nil, fmt.Errorf("%w: session %d is not part of collaboration %d", ErrBadRequest, sess.ID, req.CollaborationID)
		}
		return sess, nil
	}

	sess := &types.Session{
		Name:            fmt.Sprintf("implicit-%s", uuid.NewString()[:8]),
		CollaborationID: req.CollaborationID,
		StudyID:         req.StudyID,
		OwnerUserID:     req.InitUserID,
		Scope:           types.ScopeOwn,
	}
	if err := m.CreateSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// allocateJobID returns the grouping id: children inherit the parent's,
// root tasks take max+1.
func (m *Manager) allocateJobID(req *TaskRequest) (int, error) {
	if req.ParentTaskID != 0 {
		parent, err := m.store.GetTask(req.ParentTaskID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return 0, fmt.Errorf("%w: parent task %d does not exist", ErrBadRequest, req.ParentTaskID)
			}
			return 0, err
		}
		return parent.JobID, nil
	}

	max, err := m.store.MaxJobID()
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// bindDataframe creates or looks up the dataframe a session-modifying task
// targets and points it at this task.
func (m *Manager) bindDataframe(task *types.Task, handle string) error {
	if handle == "" {
		return fmt.Errorf("%w: session-modifying task needs a dataframe handle", ErrBadRequest)
	}

	df, err := m.store.GetDataframeByHandle(task.SessionID, handle)
	if errors.Is(err, storage.ErrNotFound) {
		df = &types.Dataframe{Handle: handle, SessionID: task.SessionID}
		if err := m.CreateDataframe(df); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	df.LastSessionTaskID = task.ID
	if err := m.UpdateDataframe(df); err != nil {
		return err
	}

	task.DataframeID = df.ID
	task.DataframeHandle = df.Handle
	return m.UpdateTask(task)
}

// RunPatch is the subset of run fields a node may change.
type RunPatch struct {
	Status     types.RunStatus `json:"status,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitzero"`
	FinishedAt time.Time       `json:"finished_at,omitzero"`
	Log        string          `json:"log,omitempty"`
	Result     string          `json:"result,omitempty"`
	BlobUsed   *bool           `json:"blob_storage_used,omitempty"`
}

// PatchRun applies a node's run update. Finished statuses are sticky: a run
// that already terminated cannot move back to an alive status, and a killed
// run keeps that verdict. A patch that finishes a run without a timestamp
// gets the finish time stamped here.
func (m *Manager) PatchRun(runID int, patch *RunPatch) (*types.Run, error) {
	run, err := m.store.GetRun(runID)
	if err != nil {
		return nil, err
	}

	if patch.Status != "" && run.Status.IsFinished() && !patch.Status.IsFinished() {
		return nil, fmt.Errorf("%w: run %d already finished with status %q", ErrBadRequest, runID, run.Status)
	}

	if patch.Status != "" && run.Status != types.RunKilled {
		// a kill verdict is final; a late crash report from the runtime
		// must not replace it
		run.Status = patch.Status
	}
	if !patch.StartedAt.IsZero() {
		run.StartedAt = patch.StartedAt
	}
	if !patch.FinishedAt.IsZero() {
		run.FinishedAt = patch.FinishedAt
	}
	if run.Status.IsFinished() && run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	if patch.Log != "" {
		run.Log = patch.Log
	}
	if patch.Result != "" {
		run.Result = patch.Result
	}
	if patch.BlobUsed != nil {
		run.BlobStorageUsed = *patch.BlobUsed
	}

	if err := m.UpdateRun(run); err != nil {
		return nil, err
	}
	return run, nil
}

// KillTask tells every node holding a run of the task to abort it. Nodes
// report back by patching their runs to "killed by user".
func (m *Manager) KillTask(taskID int) error {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return err
	}

	if m.dispatch != nil {
		m.dispatch.ToCollaboration(task.CollaborationID, "kill_containers", map[string]any{
			"task_id":          task.ID,
			"collaboration_id": task.CollaborationID,
		})
	}

	m.logger.Info().Int("task_id", taskID).Msg("kill requested")
	return nil
}

// KillNodeRuns tells a single node to abort everything it is running.
func (m *Manager) KillNodeRuns(nodeID int) error {
	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return err
	}

	if m.dispatch != nil {
		m.dispatch.ToNode(node.ID, "kill_containers", map[string]any{
			"node_id":          node.ID,
			"collaboration_id": node.CollaborationID,
		})
	}
	return nil
}
