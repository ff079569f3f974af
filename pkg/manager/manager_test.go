package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage6/vantage6/pkg/storage"
	"github.com/vantage6/vantage6/pkg/types"
)

// recordingDispatcher captures emitted socket events.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []dispatchedEvent
}

type dispatchedEvent struct {
	room    string
	event   string
	payload any
}

func (d *recordingDispatcher) ToCollaboration(collabID int, event string, payload any) {
	d.record("collaboration", event, payload)
}

func (d *recordingDispatcher) ToNode(nodeID int, event string, payload any) {
	d.record("node", event, payload)
}

func (d *recordingDispatcher) ToAll(event string, payload any) {
	d.record("all", event, payload)
}

func (d *recordingDispatcher) record(room, event string, payload any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, dispatchedEvent{room: room, event: event, payload: payload})
}

func (d *recordingDispatcher) named(event string) []dispatchedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []dispatchedEvent
	for _, e := range d.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// newTestManager runs without Raft so commands apply directly.
func newTestManager(t *testing.T) (*Manager, *recordingDispatcher) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := NewManagerWithStore(&Config{ServerID: "test", JWTSecret: "test-secret"}, store)
	d := &recordingDispatcher{}
	m.SetDispatcher(d)
	return m, d
}

// seedCollaboration creates a collaboration with two organizations and one
// node each.
func seedCollaboration(t *testing.T, m *Manager, restrictImage bool) (*types.Collaboration, []*types.Organization, []*types.Node) {
	t.Helper()

	orgA := &types.Organization{Name: "org-a"}
	orgB := &types.Organization{Name: "org-b"}
	require.NoError(t, m.CreateOrganization(orgA))
	require.NoError(t, m.CreateOrganization(orgB))

	collab := &types.Collaboration{
		Name:                     "trial",
		Encrypted:                true,
		SessionRestrictSameImage: restrictImage,
		OrganizationIDs:          []int{orgA.ID, orgB.ID},
	}
	require.NoError(t, m.CreateCollaboration(collab))

	nodeA := &types.Node{Name: "node-a", OrganizationID: orgA.ID, CollaborationID: collab.ID, APIKey: "key-a"}
	nodeB := &types.Node{Name: "node-b", OrganizationID: orgB.ID, CollaborationID: collab.ID, APIKey: "key-b"}
	require.NoError(t, m.CreateNode(nodeA))
	require.NoError(t, m.CreateNode(nodeB))

	return collab, []*types.Organization{orgA, orgB}, []*types.Node{nodeA, nodeB}
}

func TestSubmitTaskFanOut(t *testing.T) {
	m, _ := newTestManager(t)
	collab, orgs, nodes := seedCollaboration(t, m, false)

	sess := &types.Session{Name: "s1", CollaborationID: collab.ID}
	require.NoError(t, m.CreateSession(sess))

	task, runs, err := m.SubmitTask(&TaskRequest{
		Name:            "average",
		Image:           "harbor2.example.ai/demo/avg:1.0",
		Action:          types.StepFederatedCompute,
		CollaborationID: collab.ID,
		SessionID:       sess.ID,
		InitOrgID:       orgs[0].ID,
		Organizations: []OrgInput{
			{ID: orgs[0].ID, Input: "ciphertext-a"},
			{ID: orgs[1].ID, Input: "ciphertext-b"},
		},
	})
	require.NoError(t, err)

	assert.NotZero(t, task.ID)
	assert.Equal(t, 1, task.JobID, "first root task gets job id 1")
	require.Len(t, runs, 2)
	for i, run := range runs {
		assert.Equal(t, task.ID, run.TaskID)
		assert.Equal(t, orgs[i].ID, run.OrganizationID)
		assert.Equal(t, nodes[i].ID, run.NodeID)
		assert.Equal(t, types.RunPending, run.Status)
	}
	assert.Equal(t, "ciphertext-a", runs[0].Input)

	// child task inherits the parent's job id
	child, _, err := m.SubmitTask(&TaskRequest{
		Name:            "subtask",
		Image:           "harbor2.example.ai/demo/avg:1.0",
		Action:          types.StepFederatedCompute,
		CollaborationID: collab.ID,
		SessionID:       sess.ID,
		ParentTaskID:    task.ID,
		InitOrgID:       orgs[0].ID,
		Organizations:   []OrgInput{{ID: orgs[1].ID, Input: "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, task.JobID, child.JobID)
}

func TestSubmitTaskValidation(t *testing.T) {
	m, _ := newTestManager(t)
	collab, orgs, _ := seedCollaboration(t, m, false)

	tests := []struct {
		name string
		req  TaskRequest
	}{
		{
			name: "unknown collaboration",
			req: TaskRequest{
				Image:           "img",
				Action:          types.StepFederatedCompute,
				CollaborationID: 999,
				Organizations:   []OrgInput{{ID: orgs[0].ID}},
			},
		},
		{
			name: "organization not a member",
			req: TaskRequest{
				Image:           "img",
				Action:          types.StepFederatedCompute,
				CollaborationID: collab.ID,
				Organizations:   []OrgInput{{ID: 999}},
			},
		},
		{
			name: "no organizations",
			req: TaskRequest{
				Image:           "img",
				Action:          types.StepFederatedCompute,
				CollaborationID: collab.ID,
			},
		},
		{
			name: "invalid action",
			req: TaskRequest{
				Image:           "img",
				Action:          "teleport",
				CollaborationID: collab.ID,
				Organizations:   []OrgInput{{ID: orgs[0].ID}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := m.SubmitTask(&tt.req)
			assert.ErrorIs(t, err, ErrBadRequest)
		})
	}
}

func TestSubmitTaskImplicitSession(t *testing.T) {
	m, _ := newTestManager(t)
	collab, orgs, _ := seedCollaboration(t, m, false)

	task, _, err := m.SubmitTask(&TaskRequest{
		Image:           "img:1",
		Action:          types.StepFederatedCompute,
		CollaborationID: collab.ID,
		InitOrgID:       orgs[0].ID,
		Organizations:   []OrgInput{{ID: orgs[0].ID}},
	})
	require.NoError(t, err)

	sess, err := m.Store().GetSession(task.SessionID)
	require.NoError(t, err)
	assert.Equal(t, collab.ID, sess.CollaborationID)
}

func TestSubmitTaskSameImageRestriction(t *testing.T) {
	m, _ := newTestManager(t)
	collab, orgs, _ := seedCollaboration(t, m, true)

	sess := &types.Session{Name: "s1", CollaborationID: collab.ID}
	require.NoError(t, m.CreateSession(sess))

	_, _, err := m.SubmitTask(&TaskRequest{
		Image:           "algo:1",
		Action:          types.StepFederatedCompute,
		CollaborationID: collab.ID,
		SessionID:       sess.ID,
		Organizations:   []OrgInput{{ID: orgs[0].ID}},
	})
	require.NoError(t, err)

	_, _, err = m.SubmitTask(&TaskRequest{
		Image:           "algo:2",
		Action:          types.StepFederatedCompute,
		CollaborationID: collab.ID,
		SessionID:       sess.ID,
		Organizations:   []OrgInput{{ID: orgs[0].ID}},
	})
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestSubmitSessionModifyingTaskBindsDataframe(t *testing.T) {
	m, _ := newTestManager(t)
	collab, orgs, _ := seedCollaboration(t, m, false)

	sess := &types.Session{Name: "s1", CollaborationID: collab.ID}
	require.NoError(t, m.CreateSession(sess))

	task, _, err := m.SubmitTask(&TaskRequest{
		Image:           "extract:1",
		Action:          types.StepDataExtraction,
		CollaborationID: collab.ID,
		SessionID:       sess.ID,
		DataframeHandle: "patients",
		Organizations:   []OrgInput{{ID: orgs[0].ID}},
	})
	require.NoError(t, err)

	df, err := m.Store().GetDataframeByHandle(sess.ID, "patients")
	require.NoError(t, err)
	assert.Equal(t, task.ID, df.LastSessionTaskID)
	assert.Equal(t, df.ID, task.DataframeID)

	// missing handle is rejected
	_, _, err = m.SubmitTask(&TaskRequest{
		Image:           "extract:1",
		Action:          types.StepPreprocessing,
		CollaborationID: collab.ID,
		SessionID:       sess.ID,
		Organizations:   []OrgInput{{ID: orgs[0].ID}},
	})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestPatchRunMonotonicStatus(t *testing.T) {
	m, d := newTestManager(t)
	collab, orgs, _ := seedCollaboration(t, m, false)

	_, runs, err := m.SubmitTask(&TaskRequest{
		Image:           "img:1",
		Action:          types.StepFederatedCompute,
		CollaborationID: collab.ID,
		Organizations:   []OrgInput{{ID: orgs[0].ID}},
	})
	require.NoError(t, err)
	run := runs[0]

	_, err = m.PatchRun(run.ID, &RunPatch{Status: types.RunActive, StartedAt: time.Now()})
	require.NoError(t, err)

	_, err = m.PatchRun(run.ID, &RunPatch{Status: types.RunCompleted, FinishedAt: time.Now(), Result: "b64result"})
	require.NoError(t, err)

	// finished is sticky
	_, err = m.PatchRun(run.ID, &RunPatch{Status: types.RunActive})
	assert.ErrorIs(t, err, ErrBadRequest)

	changes := d.named("algorithm_status_change")
	assert.Len(t, changes, 2)
}

func TestKillTaskEmitsEvent(t *testing.T) {
	m, d := newTestManager(t)
	collab, orgs, _ := seedCollaboration(t, m, false)

	task, _, err := m.SubmitTask(&TaskRequest{
		Image:           "img:1",
		Action:          types.StepFederatedCompute,
		CollaborationID: collab.ID,
		Organizations:   []OrgInput{{ID: orgs[0].ID}},
	})
	require.NoError(t, err)

	require.NoError(t, m.KillTask(task.ID))

	kills := d.named("kill_containers")
	require.Len(t, kills, 1)
	payload := kills[0].payload.(map[string]any)
	assert.Equal(t, task.ID, payload["task_id"])
	assert.Equal(t, collab.ID, payload["collaboration_id"])
}

func TestDeleteDataframeEmitsEvent(t *testing.T) {
	m, d := newTestManager(t)
	collab, _, _ := seedCollaboration(t, m, false)

	sess := &types.Session{Name: "s1", CollaborationID: collab.ID}
	require.NoError(t, m.CreateSession(sess))

	df := &types.Dataframe{SessionID: sess.ID, Handle: "patients"}
	require.NoError(t, m.CreateDataframe(df))

	require.NoError(t, m.DeleteDataframe(df.ID))

	_, err := m.Store().GetDataframe(df.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	events := d.named("dataframe_deleted")
	require.Len(t, events, 1)
	payload := events[0].payload.(map[string]any)
	assert.Equal(t, "patients", payload["handle"])
}

type fakeBlobDeleter struct {
	mu      sync.Mutex
	deleted []string
	fail    bool
}

func (f *fakeBlobDeleter) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("blob backend down")
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func TestCleanupRuns(t *testing.T) {
	m, _ := newTestManager(t)
	collab, orgs, _ := seedCollaboration(t, m, false)

	_, runs, err := m.SubmitTask(&TaskRequest{
		Image:           "img:1",
		Action:          types.StepFederatedCompute,
		CollaborationID: collab.ID,
		Organizations: []OrgInput{
			{ID: orgs[0].ID, Input: "in-a"},
			{ID: orgs[1].ID, Input: "in-b"},
		},
	})
	require.NoError(t, err)

	now := time.Now()
	fixtures := []struct {
		run      *types.Run
		status   types.RunStatus
		finished time.Time
		blob     bool
	}{
		{runs[0], types.RunCompleted, now.AddDate(0, 0, -31), true},
		{runs[1], types.RunCompleted, now.AddDate(0, 0, -10), false},
	}
	for _, f := range fixtures {
		f.run.Status = f.status
		f.run.FinishedAt = f.finished
		f.run.Result = "blob-uuid-" + string(f.run.Status)
		f.run.BlobStorageUsed = f.blob
		require.NoError(t, m.apply("update_run", f.run))
	}

	// a failed old run must not be cleaned
	_, failedRuns, err := m.SubmitTask(&TaskRequest{
		Image:           "img:1",
		Action:          types.StepFederatedCompute,
		CollaborationID: collab.ID,
		Organizations:   []OrgInput{{ID: orgs[0].ID, Input: "in-c"}},
	})
	require.NoError(t, err)
	failedRun := failedRuns[0]
	failedRun.Status = types.RunCrashed
	failedRun.FinishedAt = now.AddDate(0, 0, -31)
	failedRun.Result = "keep-me"
	require.NoError(t, m.apply("update_run", failedRun))

	blobs := &fakeBlobDeleter{}
	policy := CleanupPolicy{RunsDataCleanupDays: 30}
	require.NoError(t, m.CleanupRuns(context.Background(), policy, blobs))

	cleaned, err := m.Store().GetRun(runs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, cleaned.Result)
	assert.False(t, cleaned.CleanupAt.IsZero())
	assert.Len(t, blobs.deleted, 1)

	recent, err := m.Store().GetRun(runs[1].ID)
	require.NoError(t, err)
	assert.NotEmpty(t, recent.Result)
	assert.True(t, recent.CleanupAt.IsZero())

	kept, err := m.Store().GetRun(failedRun.ID)
	require.NoError(t, err)
	assert.Equal(t, "keep-me", kept.Result)
}

func TestDeleteSessionEmitsEventAndCascades(t *testing.T) {
	m, d := newTestManager(t)
	collab, orgs, _ := seedCollaboration(t, m, false)

	sess := &types.Session{Name: "doomed", CollaborationID: collab.ID}
	require.NoError(t, m.CreateSession(sess))

	task, _, err := m.SubmitTask(&TaskRequest{
		Image:           "img:1",
		Action:          types.StepDataExtraction,
		CollaborationID: collab.ID,
		SessionID:       sess.ID,
		DataframeHandle: "df1",
		Organizations:   []OrgInput{{ID: orgs[0].ID}},
	})
	require.NoError(t, err)

	require.NoError(t, m.DeleteSession(sess.ID))

	_, err = m.Store().GetSession(sess.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = m.Store().GetTask(task.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Len(t, d.named("session_deleted"), 1)
}

func TestPatchRunBackfillsFinishedAt(t *testing.T) {
	m, _ := newTestManager(t)
	collab, orgs, _ := seedCollaboration(t, m, false)

	_, runs, err := m.SubmitTask(&TaskRequest{
		Image:           "img:1",
		Action:          types.StepFederatedCompute,
		CollaborationID: collab.ID,
		Organizations: []OrgInput{
			{ID: orgs[0].ID, Input: "in-a"},
			{ID: orgs[1].ID, Input: "in-b"},
		},
	})
	require.NoError(t, err)

	// terminated without a timestamp, as the dependency cascade does
	patched, err := m.PatchRun(runs[0].ID, &RunPatch{Status: types.RunDependsFailed})
	require.NoError(t, err)
	assert.Equal(t, types.RunDependsFailed, patched.Status)
	assert.False(t, patched.FinishedAt.IsZero())

	// an explicit timestamp is kept as supplied
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	patched, err = m.PatchRun(runs[1].ID, &RunPatch{Status: types.RunCompleted, FinishedAt: at})
	require.NoError(t, err)
	assert.True(t, patched.FinishedAt.Equal(at))
}

func TestPatchRunKilledIsFinal(t *testing.T) {
	m, _ := newTestManager(t)
	collab, orgs, _ := seedCollaboration(t, m, false)

	_, runs, err := m.SubmitTask(&TaskRequest{
		Image:           "img:1",
		Action:          types.StepFederatedCompute,
		CollaborationID: collab.ID,
		Organizations:   []OrgInput{{ID: orgs[0].ID, Input: "in-a"}},
	})
	require.NoError(t, err)
	run := runs[0]

	_, err = m.PatchRun(run.ID, &RunPatch{Status: types.RunKilled})
	require.NoError(t, err)

	// the node's runtime noticed the dead container and reports a crash;
	// the kill verdict must survive, the log may still land
	patched, err := m.PatchRun(run.ID, &RunPatch{Status: types.RunCrashed, Log: "exit 137"})
	require.NoError(t, err)
	assert.Equal(t, types.RunKilled, patched.Status)
	assert.Equal(t, "exit 137", patched.Log)

	stored, err := m.Store().GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunKilled, stored.Status)
}

func TestSetDataframeColumnsMergesPerNode(t *testing.T) {
	m, _ := newTestManager(t)
	collab, _, nodes := seedCollaboration(t, m, false)

	sess := &types.Session{Name: "s1", CollaborationID: collab.ID}
	require.NoError(t, m.CreateSession(sess))
	df := &types.Dataframe{SessionID: sess.ID, Handle: "df1"}
	require.NoError(t, m.CreateDataframe(df))

	_, err := m.SetDataframeColumns(sess.ID, "df1", nodes[0].ID, []types.DataframeColumn{
		{Name: "age", Dtype: "int64"},
		{Name: "site", Dtype: "utf8"},
	})
	require.NoError(t, err)

	updated, err := m.SetDataframeColumns(sess.ID, "df1", nodes[1].ID, []types.DataframeColumn{
		{Name: "age", Dtype: "float64"},
	})
	require.NoError(t, err)
	assert.Len(t, updated.Columns, 3)

	// a node's second report replaces only its own entries
	updated, err = m.SetDataframeColumns(sess.ID, "df1", nodes[0].ID, []types.DataframeColumn{
		{Name: "age", Dtype: "int32"},
	})
	require.NoError(t, err)
	require.Len(t, updated.Columns, 2)
	for _, col := range updated.Columns {
		assert.Equal(t, "age", col.Name)
		switch col.NodeID {
		case nodes[0].ID:
			assert.Equal(t, "int32", col.Dtype)
		case nodes[1].ID:
			assert.Equal(t, "float64", col.Dtype)
		default:
			t.Fatalf("column reported for unknown node %d", col.NodeID)
		}
	}
}

func TestCleanupRunsSkipsWhenLockHeld(t *testing.T) {
	m, _ := newTestManager(t)
	collab, orgs, _ := seedCollaboration(t, m, false)

	_, runs, err := m.SubmitTask(&TaskRequest{
		Image:           "img:1",
		Action:          types.StepFederatedCompute,
		CollaborationID: collab.ID,
		Organizations:   []OrgInput{{ID: orgs[0].ID, Input: "in-a"}},
	})
	require.NoError(t, err)
	run := runs[0]
	run.Status = types.RunCompleted
	run.FinishedAt = time.Now().AddDate(0, 0, -31)
	run.Result = "stale-result"
	require.NoError(t, m.apply("update_run", run))

	held, err := m.Store().AcquireLock("run-cleanup", "elsewhere:1", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	policy := CleanupPolicy{RunsDataCleanupDays: 30}
	require.NoError(t, m.CleanupRuns(context.Background(), policy, nil))

	untouched, err := m.Store().GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "stale-result", untouched.Result)

	require.NoError(t, m.Store().ReleaseLock("run-cleanup", "elsewhere:1"))
	require.NoError(t, m.CleanupRuns(context.Background(), policy, nil))

	cleaned, err := m.Store().GetRun(run.ID)
	require.NoError(t, err)
	assert.Empty(t, cleaned.Result)
}
