package storage

import (
	"errors"
	"time"

	"github.com/vantage6/vantage6/pkg/types"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the coordinator's persistence interface. The bbolt
// implementation is the only production one; tests may substitute it.
type Store interface {
	// Organizations
	CreateOrganization(org *types.Organization) error
	GetOrganization(id int) (*types.Organization, error)
	GetOrganizationByName(name string) (*types.Organization, error)
	UpdateOrganization(org *types.Organization) error
	ListOrganizations() ([]*types.Organization, error)

	// Collaborations
	CreateCollaboration(c *types.Collaboration) error
	GetCollaboration(id int) (*types.Collaboration, error)
	ListCollaborations() ([]*types.Collaboration, error)

	// Studies
	CreateStudy(s *types.Study) error
	GetStudy(id int) (*types.Study, error)
	ListStudies() ([]*types.Study, error)

	// Nodes
	CreateNode(n *types.Node) error
	GetNode(id int) (*types.Node, error)
	GetNodeByAPIKey(apiKey string) (*types.Node, error)
	GetNodeByOrgCollab(orgID, collabID int) (*types.Node, error)
	UpdateNode(n *types.Node) error
	ListNodes() ([]*types.Node, error)
	ListNodesByCollaboration(collabID int) ([]*types.Node, error)

	// Sessions
	CreateSession(s *types.Session) error
	GetSession(id int) (*types.Session, error)
	GetSessionByName(collabID int, name string) (*types.Session, error)
	UpdateSession(s *types.Session) error
	DeleteSession(id int) error
	ListSessions() ([]*types.Session, error)

	// Dataframes
	CreateDataframe(df *types.Dataframe) error
	GetDataframe(id int) (*types.Dataframe, error)
	GetDataframeByHandle(sessionID int, handle string) (*types.Dataframe, error)
	UpdateDataframe(df *types.Dataframe) error
	DeleteDataframe(id int) error
	ListDataframesBySession(sessionID int) ([]*types.Dataframe, error)

	// Tasks
	CreateTask(t *types.Task) error
	GetTask(id int) (*types.Task, error)
	UpdateTask(t *types.Task) error
	DeleteTask(id int) error
	ListTasks() ([]*types.Task, error)
	ListTasksBySession(sessionID int) ([]*types.Task, error)
	MaxJobID() (int, error)

	// Runs
	CreateRun(r *types.Run) error
	GetRun(id int) (*types.Run, error)
	UpdateRun(r *types.Run) error
	ListRuns() ([]*types.Run, error)
	ListRunsByTask(taskID int) ([]*types.Run, error)
	ListRunsByNode(nodeID int) ([]*types.Run, error)

	// Locks
	AcquireLock(name, pid string, timeout, ttl time.Duration) (bool, error)
	ReleaseLock(name, pid string) error

	Close() error
}
