package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/vantage6/vantage6/pkg/types"
)

var (
	// Bucket names
	bucketOrganizations  = []byte("organizations")
	bucketCollaborations = []byte("collaborations")
	bucketStudies        = []byte("studies")
	bucketNodes          = []byte("nodes")
	bucketSessions       = []byte("sessions")
	bucketDataframes     = []byte("dataframes")
	bucketTasks          = []byte("tasks")
	bucketRuns           = []byte("runs")
	bucketLocks          = []byte("locks")
)

// BoltStore implements Store on bbolt. Writes go through the coordinator's
// FSM so every replica applies the same sequence.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "vantage6.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketOrganizations,
			bucketCollaborations,
			bucketStudies,
			bucketNodes,
			bucketSessions,
			bucketDataframes,
			bucketTasks,
			bucketRuns,
			bucketLocks,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(id int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// put marshals v under id in bucket, assigning the next sequence id via
// assign when *id is zero.
func (s *BoltStore) put(bucket []byte, id *int, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if *id == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			*id = int(seq)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(itob(*id), data)
	})
}

func (s *BoltStore) get(bucket []byte, id int, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(itob(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, id int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(itob(id))
	})
}

// forEach unmarshals every row of bucket into a fresh T and yields it.
func forEach[T any](s *BoltStore, bucket []byte, fn func(*T) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			return fn(&item)
		})
	})
}

// Organization operations

func (s *BoltStore) CreateOrganization(org *types.Organization) error {
	return s.put(bucketOrganizations, &org.ID, org)
}

func (s *BoltStore) GetOrganization(id int) (*types.Organization, error) {
	var org types.Organization
	if err := s.get(bucketOrganizations, id, &org); err != nil {
		return nil, err
	}
	return &org, nil
}

func (s *BoltStore) GetOrganizationByName(name string) (*types.Organization, error) {
	var found *types.Organization
	err := forEach(s, bucketOrganizations, func(o *types.Organization) error {
		if o.Name == name {
			found = o
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) UpdateOrganization(org *types.Organization) error {
	return s.put(bucketOrganizations, &org.ID, org)
}

func (s *BoltStore) ListOrganizations() ([]*types.Organization, error) {
	var orgs []*types.Organization
	err := forEach(s, bucketOrganizations, func(o *types.Organization) error {
		orgs = append(orgs, o)
		return nil
	})
	return orgs, err
}

// Collaboration operations

func (s *BoltStore) CreateCollaboration(c *types.Collaboration) error {
	return s.put(bucketCollaborations, &c.ID, c)
}

func (s *BoltStore) GetCollaboration(id int) (*types.Collaboration, error) {
	var c types.Collaboration
	if err := s.get(bucketCollaborations, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListCollaborations() ([]*types.Collaboration, error) {
	var out []*types.Collaboration
	err := forEach(s, bucketCollaborations, func(c *types.Collaboration) error {
		out = append(out, c)
		return nil
	})
	return out, err
}

// Study operations

func (s *BoltStore) CreateStudy(study *types.Study) error {
	return s.put(bucketStudies, &study.ID, study)
}

func (s *BoltStore) GetStudy(id int) (*types.Study, error) {
	var study types.Study
	if err := s.get(bucketStudies, id, &study); err != nil {
		return nil, err
	}
	return &study, nil
}

func (s *BoltStore) ListStudies() ([]*types.Study, error) {
	var out []*types.Study
	err := forEach(s, bucketStudies, func(study *types.Study) error {
		out = append(out, study)
		return nil
	})
	return out, err
}

// Node operations

func (s *BoltStore) CreateNode(n *types.Node) error {
	// (organization, collaboration) -> node is unique
	existing, err := s.GetNodeByOrgCollab(n.OrganizationID, n.CollaborationID)
	if err != nil && err != ErrNotFound {
		return err
	}
	if existing != nil && existing.ID != n.ID {
		return fmt.Errorf("node already exists for organization %d in collaboration %d",
			n.OrganizationID, n.CollaborationID)
	}
	return s.put(bucketNodes, &n.ID, n)
}

func (s *BoltStore) GetNode(id int) (*types.Node, error) {
	var n types.Node
	if err := s.get(bucketNodes, id, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) GetNodeByAPIKey(apiKey string) (*types.Node, error) {
	var found *types.Node
	err := forEach(s, bucketNodes, func(n *types.Node) error {
		if n.APIKey == apiKey {
			found = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) GetNodeByOrgCollab(orgID, collabID int) (*types.Node, error) {
	var found *types.Node
	err := forEach(s, bucketNodes, func(n *types.Node) error {
		if n.OrganizationID == orgID && n.CollaborationID == collabID {
			found = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) UpdateNode(n *types.Node) error {
	return s.put(bucketNodes, &n.ID, n)
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := forEach(s, bucketNodes, func(n *types.Node) error {
		nodes = append(nodes, n)
		return nil
	})
	return nodes, err
}

func (s *BoltStore) ListNodesByCollaboration(collabID int) ([]*types.Node, error) {
	var nodes []*types.Node
	err := forEach(s, bucketNodes, func(n *types.Node) error {
		if n.CollaborationID == collabID {
			nodes = append(nodes, n)
		}
		return nil
	})
	return nodes, err
}

// Session operations

func (s *BoltStore) CreateSession(sess *types.Session) error {
	// (name, collaboration) is unique
	existing, err := s.GetSessionByName(sess.CollaborationID, sess.Name)
	if err != nil && err != ErrNotFound {
		return err
	}
	if existing != nil && existing.ID != sess.ID {
		return fmt.Errorf("session %q already exists in collaboration %d",
			sess.Name, sess.CollaborationID)
	}
	return s.put(bucketSessions, &sess.ID, sess)
}

func (s *BoltStore) GetSession(id int) (*types.Session, error) {
	var sess types.Session
	if err := s.get(bucketSessions, id, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *BoltStore) GetSessionByName(collabID int, name string) (*types.Session, error) {
	var found *types.Session
	err := forEach(s, bucketSessions, func(sess *types.Session) error {
		if sess.CollaborationID == collabID && sess.Name == name {
			found = sess
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) UpdateSession(sess *types.Session) error {
	return s.put(bucketSessions, &sess.ID, sess)
}

// DeleteSession hard-deletes the session and cascades to its dataframes,
// tasks, and their runs.
func (s *BoltStore) DeleteSession(id int) error {
	dfs, err := s.ListDataframesBySession(id)
	if err != nil {
		return err
	}
	for _, df := range dfs {
		if err := s.delete(bucketDataframes, df.ID); err != nil {
			return err
		}
	}

	tasks, err := s.ListTasksBySession(id)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := s.DeleteTask(task.ID); err != nil {
			return err
		}
	}

	return s.delete(bucketSessions, id)
}

func (s *BoltStore) ListSessions() ([]*types.Session, error) {
	var out []*types.Session
	err := forEach(s, bucketSessions, func(sess *types.Session) error {
		out = append(out, sess)
		return nil
	})
	return out, err
}

// Dataframe operations

func (s *BoltStore) CreateDataframe(df *types.Dataframe) error {
	existing, err := s.GetDataframeByHandle(df.SessionID, df.Handle)
	if err != nil && err != ErrNotFound {
		return err
	}
	if existing != nil && existing.ID != df.ID {
		return fmt.Errorf("dataframe %q already exists in session %d", df.Handle, df.SessionID)
	}
	return s.put(bucketDataframes, &df.ID, df)
}

func (s *BoltStore) GetDataframe(id int) (*types.Dataframe, error) {
	var df types.Dataframe
	if err := s.get(bucketDataframes, id, &df); err != nil {
		return nil, err
	}
	return &df, nil
}

func (s *BoltStore) GetDataframeByHandle(sessionID int, handle string) (*types.Dataframe, error) {
	var found *types.Dataframe
	err := forEach(s, bucketDataframes, func(df *types.Dataframe) error {
		if df.SessionID == sessionID && df.Handle == handle {
			found = df
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) UpdateDataframe(df *types.Dataframe) error {
	return s.put(bucketDataframes, &df.ID, df)
}

func (s *BoltStore) DeleteDataframe(id int) error {
	return s.delete(bucketDataframes, id)
}

func (s *BoltStore) ListDataframesBySession(sessionID int) ([]*types.Dataframe, error) {
	var out []*types.Dataframe
	err := forEach(s, bucketDataframes, func(df *types.Dataframe) error {
		if df.SessionID == sessionID {
			out = append(out, df)
		}
		return nil
	})
	return out, err
}

// Task operations

func (s *BoltStore) CreateTask(t *types.Task) error {
	return s.put(bucketTasks, &t.ID, t)
}

func (s *BoltStore) GetTask(id int) (*types.Task, error) {
	var t types.Task
	if err := s.get(bucketTasks, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) UpdateTask(t *types.Task) error {
	return s.put(bucketTasks, &t.ID, t)
}

// DeleteTask removes the task and its runs.
func (s *BoltStore) DeleteTask(id int) error {
	runs, err := s.ListRunsByTask(id)
	if err != nil {
		return err
	}
	for _, r := range runs {
		if err := s.delete(bucketRuns, r.ID); err != nil {
			return err
		}
	}
	return s.delete(bucketTasks, id)
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var out []*types.Task
	err := forEach(s, bucketTasks, func(t *types.Task) error {
		out = append(out, t)
		return nil
	})
	return out, err
}

func (s *BoltStore) ListTasksBySession(sessionID int) ([]*types.Task, error) {
	var out []*types.Task
	err := forEach(s, bucketTasks, func(t *types.Task) error {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// MaxJobID returns the highest job id in use; new root tasks get max+1.
func (s *BoltStore) MaxJobID() (int, error) {
	max := 0
	err := forEach(s, bucketTasks, func(t *types.Task) error {
		if t.JobID > max {
			max = t.JobID
		}
		return nil
	})
	return max, err
}

// Run operations

func (s *BoltStore) CreateRun(r *types.Run) error {
	return s.put(bucketRuns, &r.ID, r)
}

func (s *BoltStore) GetRun(id int) (*types.Run, error) {
	var r types.Run
	if err := s.get(bucketRuns, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) UpdateRun(r *types.Run) error {
	return s.put(bucketRuns, &r.ID, r)
}

func (s *BoltStore) ListRuns() ([]*types.Run, error) {
	var out []*types.Run
	err := forEach(s, bucketRuns, func(r *types.Run) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

func (s *BoltStore) ListRunsByTask(taskID int) ([]*types.Run, error) {
	var out []*types.Run
	err := forEach(s, bucketRuns, func(r *types.Run) error {
		if r.TaskID == taskID {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListRunsByNode(nodeID int) ([]*types.Run, error) {
	var out []*types.Run
	err := forEach(s, bucketRuns, func(r *types.Run) error {
		if r.NodeID == nodeID {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}
