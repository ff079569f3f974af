package types

import (
	"fmt"
	"time"
)

// Organization is a data-holding party participating in one or more
// collaborations. PublicKey holds the PEM-encoded RSA public key,
// base64-framed for transport.
type Organization struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	PublicKey string    `json:"public_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Collaboration is a set of organizations that agreed to joint computations.
type Collaboration struct {
	ID                        int       `json:"id"`
	Name                      string    `json:"name"`
	Encrypted                 bool      `json:"encrypted"`
	SessionRestrictSameImage  bool      `json:"session_restrict_to_same_image"`
	OrganizationIDs           []int     `json:"organization_ids"`
	CreatedAt                 time.Time `json:"created_at"`
}

// HasOrganization reports whether the organization is a member.
func (c *Collaboration) HasOrganization(orgID int) bool {
	for _, id := range c.OrganizationIDs {
		if id == orgID {
			return true
		}
	}
	return false
}

// Study narrows a collaboration to a subset of its organizations.
type Study struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	CollaborationID int    `json:"collaboration_id"`
	OrganizationIDs []int  `json:"organization_ids"`
}

// HasOrganization reports whether the organization is part of the study.
func (s *Study) HasOrganization(orgID int) bool {
	for _, id := range s.OrganizationIDs {
		if id == orgID {
			return true
		}
	}
	return false
}

// NodeStatus is the coordinator's view of a node's connectivity.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
)

// Node is a worker agent owned by one (organization, collaboration) pair.
// That pair is unique across the system.
type Node struct {
	ID              int               `json:"id"`
	Name            string            `json:"name"`
	OrganizationID  int               `json:"organization_id"`
	CollaborationID int               `json:"collaboration_id"`
	APIKey          string            `json:"api_key,omitempty"`
	Status          NodeStatus        `json:"status"`
	Config          map[string]string `json:"config,omitempty"`
	LastSeen        time.Time         `json:"last_seen"`
	CreatedAt       time.Time         `json:"created_at"`
}

// SessionScope controls who may use a session.
type SessionScope string

const (
	ScopeOwn           SessionScope = "own"
	ScopeOrganization  SessionScope = "organization"
	ScopeCollaboration SessionScope = "collaboration"
	ScopeGlobal        SessionScope = "global"
)

// Session is a mutable per-collaboration workspace holding sequentially
// constructed dataframes. (Name, CollaborationID) is unique.
type Session struct {
	ID              int          `json:"id"`
	Name            string       `json:"name"`
	CollaborationID int          `json:"collaboration_id"`
	StudyID         int          `json:"study_id,omitempty"`
	OwnerUserID     int          `json:"owner_user_id"`
	Scope           SessionScope `json:"scope"`
	CreatedAt       time.Time    `json:"created_at"`
	LastUsedAt      time.Time    `json:"last_used_at"`
}

// FolderName returns the on-node directory name for this session.
func (s *Session) FolderName() string {
	return fmt.Sprintf("session%09d", s.ID)
}

// DataframeColumn describes one column of a dataframe as reported by a node.
type DataframeColumn struct {
	Name   string `json:"name"`
	Dtype  string `json:"dtype"`
	NodeID int    `json:"node_id"`
}

// Dataframe is a named tabular artifact inside a session, materialized as a
// parquet file on every node that holds it. (SessionID, Handle) is unique.
type Dataframe struct {
	ID                int               `json:"id"`
	Handle            string            `json:"handle"`
	SessionID         int               `json:"session_id"`
	LastSessionTaskID int               `json:"last_session_task_id,omitempty"`
	Columns           []DataframeColumn `json:"columns,omitempty"`
}

// AlgorithmStepType is the action a task performs. Session-modifying steps
// (data extraction, preprocessing) produce or update a dataframe; compute
// steps consume ready dataframes.
type AlgorithmStepType string

const (
	StepDataExtraction   AlgorithmStepType = "data_extraction"
	StepPreprocessing    AlgorithmStepType = "preprocessing"
	StepFederatedCompute AlgorithmStepType = "federated_compute"
	StepCentralCompute   AlgorithmStepType = "central_compute"
	StepPostProcessing   AlgorithmStepType = "post_processing"
)

// IsSessionModifying reports whether the step writes a dataframe.
func (a AlgorithmStepType) IsSessionModifying() bool {
	return a == StepDataExtraction || a == StepPreprocessing
}

// IsCompute reports whether the step consumes dataframes rather than
// producing them.
func (a AlgorithmStepType) IsCompute() bool {
	return a == StepFederatedCompute || a == StepCentralCompute || a == StepPostProcessing
}

// Valid reports whether the value is a known step type.
func (a AlgorithmStepType) Valid() bool {
	switch a {
	case StepDataExtraction, StepPreprocessing, StepFederatedCompute,
		StepCentralCompute, StepPostProcessing:
		return true
	}
	return false
}

// DBRefType distinguishes node-local sources from session dataframes.
type DBRefType string

const (
	DBRefSource    DBRefType = "source"
	DBRefDataframe DBRefType = "dataframe"
)

// DBRef is one database argument of a task. A task declares N argument
// slots; each slot holds one or more refs (multi-database arguments).
type DBRef struct {
	Type        DBRefType `json:"type"`
	Label       string    `json:"label,omitempty"`
	DataframeID int       `json:"dataframe_id,omitempty"`
	Handle      string    `json:"handle,omitempty"`
	Position    int       `json:"position"`
}

// Task is a unit of user-submitted work. It fans out to one Run per
// participating organization. ParentTaskID and DependsOnTaskID form a DAG
// within a JobID; they are plain ids, never object cycles.
type Task struct {
	ID               int               `json:"id"`
	Name             string            `json:"name"`
	Image            string            `json:"image"`
	Action           AlgorithmStepType `json:"action"`
	CollaborationID  int               `json:"collaboration_id"`
	SessionID        int               `json:"session_id"`
	StudyID          int               `json:"study_id,omitempty"`
	JobID            int               `json:"job_id"`
	ParentTaskID     int               `json:"parent_task_id,omitempty"`
	DependsOnTaskID  int               `json:"depends_on_task_id,omitempty"`
	InitOrgID        int               `json:"init_org_id"`
	InitUserID       int               `json:"init_user_id"`
	AlgorithmStoreID int               `json:"algorithm_store_id,omitempty"`
	Databases        [][]DBRef         `json:"databases,omitempty"`
	DataframeID      int               `json:"dataframe_id,omitempty"`
	DataframeHandle  string            `json:"dataframe_handle,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// RunStatus is the lifecycle state of one organization's slice of a task.
type RunStatus string

const (
	RunPending        RunStatus = "pending"
	RunInitializing   RunStatus = "initializing"
	RunActive         RunStatus = "active"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunStartFailed    RunStatus = "start failed"
	RunNoDockerImage  RunStatus = "non-existing Docker image"
	RunCrashed        RunStatus = "crashed"
	RunKilled         RunStatus = "killed by user"
	RunNotAllowed     RunStatus = "not allowed"
	RunUnknownError   RunStatus = "unknown error"
	RunNoDataframe    RunStatus = "dataframe not found"
	RunDependsFailed  RunStatus = "depended on failed task"
	RunUnexpectedOut  RunStatus = "unexpected output"
)

// failedRunStatuses is every terminal status short of success.
var failedRunStatuses = map[RunStatus]bool{
	RunFailed:        true,
	RunStartFailed:   true,
	RunNoDockerImage: true,
	RunCrashed:       true,
	RunKilled:        true,
	RunNotAllowed:    true,
	RunUnknownError:  true,
	RunNoDataframe:   true,
	RunDependsFailed: true,
	RunUnexpectedOut: true,
}

// IsFailed reports whether the status is a terminal failure.
func (s RunStatus) IsFailed() bool { return failedRunStatuses[s] }

// IsFinished reports whether the status is terminal.
func (s RunStatus) IsFinished() bool { return s == RunCompleted || s.IsFailed() }

// IsAlive reports whether the run may still make progress.
func (s RunStatus) IsAlive() bool {
	return s == RunPending || s == RunInitializing || s == RunActive
}

// Run is one organization's execution of a task on its node. Exactly one
// Run exists per (task, organization of the task's collaboration).
type Run struct {
	ID              int               `json:"id"`
	TaskID          int               `json:"task_id"`
	OrganizationID  int               `json:"organization_id"`
	NodeID          int               `json:"node_id,omitempty"`
	Input           string            `json:"input,omitempty"`
	Result          string            `json:"result,omitempty"`
	Log             string            `json:"log,omitempty"`
	Action          AlgorithmStepType `json:"action"`
	Status          RunStatus         `json:"status"`
	AssignedAt      time.Time         `json:"assigned_at"`
	StartedAt       time.Time         `json:"started_at,omitzero"`
	FinishedAt      time.Time         `json:"finished_at,omitzero"`
	CleanupAt       time.Time         `json:"cleanup_at,omitzero"`
	BlobStorageUsed bool              `json:"blob_storage_used"`
}

// TaskStatus is derived from a task's runs; it is never stored.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskInitializing TaskStatus = "initializing"
	TaskActive       TaskStatus = "active"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
)

// RollUpStatus derives the task status from its run statuses: failed wins,
// then active, initializing, pending; completed only when every run
// completed. A task with no runs is pending.
func RollUpStatus(runs []*Run) TaskStatus {
	if len(runs) == 0 {
		return TaskPending
	}
	var active, initializing, pending bool
	for _, r := range runs {
		switch {
		case r.Status.IsFailed():
			return TaskFailed
		case r.Status == RunActive:
			active = true
		case r.Status == RunInitializing:
			initializing = true
		case r.Status == RunPending:
			pending = true
		}
	}
	switch {
	case active:
		return TaskActive
	case initializing:
		return TaskInitializing
	case pending:
		return TaskPending
	}
	return TaskCompleted
}

// IsFinished reports whether the task reached a terminal status.
func (s TaskStatus) IsFinished() bool { return s == TaskCompleted || s == TaskFailed }

// DataframeReady reports whether a dataframe is consumable: its last
// session task exists and all of that task's runs are terminal.
func DataframeReady(df *Dataframe, lastTaskRuns []*Run) bool {
	if df.LastSessionTaskID == 0 || len(lastTaskRuns) == 0 {
		return false
	}
	for _, r := range lastTaskRuns {
		if !r.Status.IsFinished() {
			return false
		}
	}
	return true
}

// DatabaseLock is an application-level named mutex held by one process at
// a time. Expired rows are reaped on acquisition.
type DatabaseLock struct {
	Name       string    `json:"name"`
	ProcessID  string    `json:"process_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
