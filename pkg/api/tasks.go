package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/vantage6/vantage6/pkg/manager"
	"github.com/vantage6/vantage6/pkg/types"
)

// handleSubmitTask persists a task and hands it to the orchestrator for
// dispatch. Container callers are pinned to their own scope: the child task
// inherits the parent's session and collaboration.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req manager.TaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if claims.ClientType == manager.ClientTypeContainer {
		req.CollaborationID = claims.CollaborationID
		req.SessionID = claims.SessionID
		req.ParentTaskID = claims.TaskID
		req.InitOrgID = claims.OrganizationID
		req.StudyID = claims.StudyID
	} else if req.CollaborationID != claims.CollaborationID {
		writeError(w, http.StatusUnauthorized, "cannot create tasks outside own collaboration")
		return
	}

	task, runs, err := s.mgr.SubmitTask(&req)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.orch.Admit(task); err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, taskView{Task: task, Runs: runs, Status: rollUp(runs)})
}

// taskView decorates a task with its derived status and runs.
type taskView struct {
	*types.Task
	Status types.TaskStatus `json:"status"`
	Runs   []*types.Run     `json:"runs,omitempty"`
}

func rollUp(runs []*types.Run) types.TaskStatus {
	return types.RollUpStatus(runs)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id, _ := strconv.Atoi(mux.Vars(r)["id"])

	task, err := s.mgr.Store().GetTask(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if task.CollaborationID != claims.CollaborationID {
		writeError(w, http.StatusUnauthorized, "task belongs to another collaboration")
		return
	}

	runs, err := s.mgr.Store().ListRunsByTask(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView{Task: task, Runs: runs, Status: rollUp(runs)})
}

type killRequest struct {
	TaskID int `json:"task_id"`
}

// handleKillTask asks every node holding a live run of the task to
// terminate its container.
func (s *Server) handleKillTask(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req killRequest
	if err := decodeBody(r, &req); err != nil || req.TaskID == 0 {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	task, err := s.mgr.Store().GetTask(req.TaskID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if task.CollaborationID != claims.CollaborationID {
		writeError(w, http.StatusUnauthorized, "task belongs to another collaboration")
		return
	}

	if err := s.mgr.KillTask(req.TaskID); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"msg": "kill signal sent"})
}
