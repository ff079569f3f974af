package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/vantage6/vantage6/pkg/manager"
	"github.com/vantage6/vantage6/pkg/types"
)

// runView is a run plus its task when ?include=task is requested.
type runView struct {
	*types.Run
	Task *types.Task `json:"task,omitempty"`
}

// handleListRuns lists runs visible to the caller's collaboration,
// filterable by task, node and state. state may be a literal run status or
// "open" for runs that have not finished.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	q := r.URL.Query()

	var (
		runs []*types.Run
		err  error
	)
	switch {
	case q.Get("task_id") != "":
		taskID, aerr := strconv.Atoi(q.Get("task_id"))
		if aerr != nil {
			writeError(w, http.StatusBadRequest, "task_id must be an integer")
			return
		}
		runs, err = s.mgr.Store().ListRunsByTask(taskID)
	case q.Get("node_id") != "":
		nodeID, aerr := strconv.Atoi(q.Get("node_id"))
		if aerr != nil {
			writeError(w, http.StatusBadRequest, "node_id must be an integer")
			return
		}
		runs, err = s.mgr.Store().ListRunsByNode(nodeID)
	default:
		runs, err = s.mgr.Store().ListRuns()
	}
	if err != nil {
		s.fail(w, err)
		return
	}

	state := q.Get("state")
	includeTask := q.Get("include") == "task"

	tasks := make(map[int]*types.Task)
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		switch {
		case state == "":
		case state == "open":
			if run.Status.IsFinished() {
				continue
			}
		case run.Status != types.RunStatus(state):
			continue
		}

		task, ok := tasks[run.TaskID]
		if !ok {
			task, err = s.mgr.Store().GetTask(run.TaskID)
			if err != nil {
				s.fail(w, err)
				return
			}
			tasks[run.TaskID] = task
		}
		if task.CollaborationID != claims.CollaborationID {
			continue
		}

		view := runView{Run: run}
		if includeTask {
			view.Task = task
		}
		views = append(views, view)
	}

	page, perPage := pageParams(r)
	writeJSON(w, http.StatusOK, paginate(w, r, views, page, perPage))
}

type runPatchRequest struct {
	Status     types.RunStatus `json:"status,omitempty"`
	StartedAt  string          `json:"started_at,omitempty"`
	FinishedAt string          `json:"finished_at,omitempty"`
	Log        string          `json:"log,omitempty"`
	Result     string          `json:"result,omitempty"`
}

// handlePatchRun applies a node's update to one of its own runs and feeds
// the change to the session orchestrator so held tasks can release.
func (s *Server) handlePatchRun(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id, _ := strconv.Atoi(mux.Vars(r)["id"])

	run, err := s.mgr.Store().GetRun(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if run.NodeID != claims.NodeID {
		writeError(w, http.StatusForbidden, "run belongs to another node")
		return
	}

	var req runPatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	patch := &manager.RunPatch{
		Status: req.Status,
		Log:    req.Log,
		Result: req.Result,
	}
	if req.StartedAt != "" {
		if patch.StartedAt, err = parseTimestamp(req.StartedAt); err != nil {
			writeError(w, http.StatusBadRequest, "started_at is not a valid timestamp")
			return
		}
	}
	if req.FinishedAt != "" {
		if patch.FinishedAt, err = parseTimestamp(req.FinishedAt); err != nil {
			writeError(w, http.StatusBadRequest, "finished_at is not a valid timestamp")
			return
		}
	}

	updated, err := s.mgr.PatchRun(id, patch)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.orch.OnRunUpdated(updated); err != nil {
		s.logger.Error().Err(err).Int("run_id", id).Msg("orchestrator update failed")
	}
	writeJSON(w, http.StatusOK, updated)
}

// resultView is the polling shape for finished output.
type resultView struct {
	RunID          int             `json:"run_id"`
	TaskID         int             `json:"task_id"`
	OrganizationID int             `json:"organization_id"`
	Status         types.RunStatus `json:"status"`
	Result         string          `json:"result,omitempty"`
	BlobStored     bool            `json:"blob_storage_used"`
}

// handleListResults returns per-run results for one task.
func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	taskID, err := strconv.Atoi(r.URL.Query().Get("task_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	task, err := s.mgr.Store().GetTask(taskID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if task.CollaborationID != claims.CollaborationID {
		writeError(w, http.StatusUnauthorized, "task belongs to another collaboration")
		return
	}

	runs, err := s.mgr.Store().ListRunsByTask(taskID)
	if err != nil {
		s.fail(w, err)
		return
	}

	results := make([]resultView, 0, len(runs))
	for _, run := range runs {
		results = append(results, resultView{
			RunID:          run.ID,
			TaskID:         run.TaskID,
			OrganizationID: run.OrganizationID,
			Status:         run.Status,
			Result:         run.Result,
			BlobStored:     run.BlobStorageUsed,
		})
	}
	writeJSON(w, http.StatusOK, results)
}
