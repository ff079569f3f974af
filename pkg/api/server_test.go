package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage6/vantage6/pkg/blob"
	"github.com/vantage6/vantage6/pkg/manager"
	"github.com/vantage6/vantage6/pkg/session"
	"github.com/vantage6/vantage6/pkg/socket"
	"github.com/vantage6/vantage6/pkg/storage"
	"github.com/vantage6/vantage6/pkg/types"
)

type apiFixture struct {
	t       *testing.T
	mgr     *manager.Manager
	server  *httptest.Server
	orgA    *types.Organization
	orgB    *types.Organization
	collab  *types.Collaboration
	nodeA   *types.Node
	nodeB   *types.Node
	tokenA  string
	tokenB  string
	session *types.Session
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mgr := manager.NewManagerWithStore(&manager.Config{ServerID: "test", JWTSecret: "secret"}, store)

	orgA := &types.Organization{Name: "alpha"}
	require.NoError(t, mgr.CreateOrganization(orgA))
	orgB := &types.Organization{Name: "beta"}
	require.NoError(t, mgr.CreateOrganization(orgB))
	collab := &types.Collaboration{Name: "c", OrganizationIDs: []int{orgA.ID, orgB.ID}}
	require.NoError(t, mgr.CreateCollaboration(collab))
	nodeA := &types.Node{Name: "node-a", OrganizationID: orgA.ID, CollaborationID: collab.ID, APIKey: "key-a"}
	require.NoError(t, mgr.CreateNode(nodeA))
	nodeB := &types.Node{Name: "node-b", OrganizationID: orgB.ID, CollaborationID: collab.ID, APIKey: "key-b"}
	require.NoError(t, mgr.CreateNode(nodeB))
	sess := &types.Session{Name: "s", CollaborationID: collab.ID, Scope: types.ScopeCollaboration}
	require.NoError(t, mgr.CreateSession(sess))

	blobs, err := blob.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	hub := socket.NewHub(mgr)
	orch := session.NewOrchestrator(mgr)
	srv := NewServer(mgr, orch, hub, Options{Blobs: blobs})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	_, tokenA, _, err := mgr.AuthenticateNode("key-a")
	require.NoError(t, err)
	_, tokenB, _, err := mgr.AuthenticateNode("key-b")
	require.NoError(t, err)

	return &apiFixture{
		t: t, mgr: mgr, server: ts,
		orgA: orgA, orgB: orgB, collab: collab,
		nodeA: nodeA, nodeB: nodeB,
		tokenA: tokenA, tokenB: tokenB,
		session: sess,
	}
}

// do issues a JSON request with an optional bearer token.
func (f *apiFixture) do(method, path, token string, body any) *http.Response {
	f.t.Helper()

	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, r)
	require.NoError(f.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *apiFixture) submitTask(action types.AlgorithmStepType, handle string) taskView {
	f.t.Helper()
	req := map[string]any{
		"name":             "t",
		"image":            "harbor/algo:1",
		"action":           action,
		"collaboration_id": f.collab.ID,
		"session_id":       f.session.ID,
		"init_org_id":      f.orgA.ID,
		"organizations":    []map[string]any{{"id": f.orgA.ID, "input": "enc"}, {"id": f.orgB.ID, "input": "enc"}},
	}
	if handle != "" {
		req["dataframe_handle"] = handle
	}
	resp := f.do(http.MethodPost, "/task", f.tokenA, req)
	require.Equal(f.t, http.StatusCreated, resp.StatusCode)
	return decode[taskView](f.t, resp)
}

func TestNodeTokenEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(http.MethodPost, "/token/node", "", map[string]string{"api_key": "key-a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decode[nodeTokenResponse](t, resp)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, f.nodeA.ID, tokens.NodeID)

	resp = f.do(http.MethodPost, "/token/node", "", map[string]string{"api_key": "bogus"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRefreshTokenEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(http.MethodPost, "/token/node", "", map[string]string{"api_key": "key-a"})
	tokens := decode[nodeTokenResponse](t, resp)

	resp = f.do(http.MethodPost, "/token/refresh", "", map[string]string{"refresh_token": tokens.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	refreshed := decode[map[string]string](t, resp)
	assert.NotEmpty(t, refreshed["access_token"])

	// an access token cannot refresh
	resp = f.do(http.MethodPost, "/token/refresh", "", map[string]string{"refresh_token": tokens.AccessToken})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/run", "/task/1", "/blobstream/status"} {
		resp := f.do(http.MethodGet, path, "", nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "path %s", path)
	}
}

func TestContainerTokenGatingOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	task := f.submitTask(types.StepFederatedCompute, "")

	// federated compute tasks cannot mint container tokens
	resp := f.do(http.MethodPost, "/token/container", f.tokenA,
		map[string]any{"task_id": task.ID, "image": task.Image})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	central := f.submitTask(types.StepCentralCompute, "")
	resp = f.do(http.MethodPost, "/token/container", f.tokenA,
		map[string]any{"task_id": central.ID, "image": central.Image})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.NotEmpty(t, body["container_token"])
}

func TestContainerTokenFinishedTask(t *testing.T) {
	f := newAPIFixture(t)

	task := f.submitTask(types.StepCentralCompute, "")
	for _, run := range task.Runs {
		_, err := f.mgr.PatchRun(run.ID, &manager.RunPatch{Status: types.RunCompleted})
		require.NoError(t, err)
	}

	resp := f.do(http.MethodPost, "/token/container", f.tokenA,
		map[string]any{"task_id": task.ID, "image": task.Image})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitAndGetTask(t *testing.T) {
	f := newAPIFixture(t)

	task := f.submitTask(types.StepFederatedCompute, "")
	require.Len(t, task.Runs, 2)
	assert.Equal(t, types.TaskPending, task.Status)

	resp := f.do(http.MethodGet, fmt.Sprintf("/task/%d", task.ID), f.tokenB, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[taskView](t, resp)
	assert.Equal(t, task.ID, got.ID)
	assert.Len(t, got.Runs, 2)
}

func TestPatchRunOwnership(t *testing.T) {
	f := newAPIFixture(t)

	task := f.submitTask(types.StepFederatedCompute, "")

	var runA *types.Run
	for _, run := range task.Runs {
		if run.NodeID == f.nodeA.ID {
			runA = run
		}
	}
	require.NotNil(t, runA)

	// another node may not touch the run
	resp := f.do(http.MethodPatch, fmt.Sprintf("/run/%d", runA.ID), f.tokenB,
		map[string]any{"status": "active"})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(http.MethodPatch, fmt.Sprintf("/run/%d", runA.ID), f.tokenA,
		map[string]any{"status": "active", "log": "started"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[types.Run](t, resp)
	assert.Equal(t, types.RunActive, updated.Status)
	assert.Equal(t, "started", updated.Log)
}

func TestListRunsFiltersAndPagination(t *testing.T) {
	f := newAPIFixture(t)

	task := f.submitTask(types.StepFederatedCompute, "")

	resp := f.do(http.MethodGet, fmt.Sprintf("/run?task_id=%d&state=open&include=task", task.ID), f.tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Total-Count"))
	assert.Contains(t, resp.Header.Get("Link"), `rel="self"`)
	assert.Contains(t, resp.Header.Get("Link"), `rel="last"`)

	runs := decode[[]runView](t, resp)
	require.Len(t, runs, 2)
	for _, run := range runs {
		require.NotNil(t, run.Task)
		assert.Equal(t, task.ID, run.Task.ID)
	}

	// per_page=1 pages the result
	resp = f.do(http.MethodGet, fmt.Sprintf("/run?task_id=%d&per_page=1", task.ID), f.tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Link"), `rel="next"`)
	assert.Len(t, decode[[]runView](t, resp), 1)
}

func TestResultsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	task := f.submitTask(types.StepFederatedCompute, "")
	for _, run := range task.Runs {
		_, err := f.mgr.PatchRun(run.ID, &manager.RunPatch{
			Status: types.RunCompleted,
			Result: "Y2lwaGVydGV4dA==",
		})
		require.NoError(t, err)
	}

	resp := f.do(http.MethodGet, fmt.Sprintf("/result?task_id=%d", task.ID), f.tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := decode[[]resultView](t, resp)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, types.RunCompleted, res.Status)
		assert.Equal(t, "Y2lwaGVydGV4dA==", res.Result)
	}
}

func TestOrganizationKeyRotation(t *testing.T) {
	f := newAPIFixture(t)

	// a node can only rotate its own organization's key
	resp := f.do(http.MethodPatch, fmt.Sprintf("/organization/%d", f.orgB.ID), f.tokenA,
		map[string]string{"public_key": "cGs="})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(http.MethodPatch, fmt.Sprintf("/organization/%d", f.orgA.ID), f.tokenA,
		map[string]string{"public_key": "cGs="})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(http.MethodGet, fmt.Sprintf("/organization/%d", f.orgA.ID), f.tokenB, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	org := decode[types.Organization](t, resp)
	assert.Equal(t, "cGs=", org.PublicKey)
}

func TestBlobStreamRoundTrip(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(http.MethodGet, "/blobstream/status", f.tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[map[string]bool](t, resp)
	assert.True(t, status["blob_store_enabled"])

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/blobstream", bytes.NewReader([]byte("ciphertext")))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.tokenA)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]string](t, resp)
	id := created["uuid"]
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	resp = f.do(http.MethodGet, "/blobstream/"+id, f.tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), got)
}

func TestBlobStreamEmptyBody(t *testing.T) {
	f := newAPIFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/blobstream", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.tokenA)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]string](t, resp)

	resp = f.do(http.MethodGet, "/blobstream/"+created["uuid"], f.tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(http.MethodGet, "/health/live", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetCollaborationScopedToOwn(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(http.MethodGet, fmt.Sprintf("/collaboration/%d", f.collab.ID), f.tokenA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	collab := decode[types.Collaboration](t, resp)
	assert.Equal(t, f.collab.ID, collab.ID)
	// the node reads the encryption flag from here at boot
	assert.False(t, collab.Encrypted)

	resp = f.do(http.MethodGet, fmt.Sprintf("/collaboration/%d", f.collab.ID+1), f.tokenA, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestReportDataframeColumns(t *testing.T) {
	f := newAPIFixture(t)

	df := &types.Dataframe{Handle: "df1", SessionID: f.session.ID}
	require.NoError(t, f.mgr.CreateDataframe(df))
	path := fmt.Sprintf("/session/%d/dataframe/df1/column", f.session.ID)

	resp := f.do(http.MethodPatch, path, f.tokenA, map[string]any{
		"columns": []map[string]any{
			// a forged node_id in the body must not stick
			{"name": "age", "dtype": "int64", "node_id": 999},
			{"name": "site", "dtype": "utf8"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[types.Dataframe](t, resp)
	require.Len(t, got.Columns, 2)
	for _, col := range got.Columns {
		assert.Equal(t, f.nodeA.ID, col.NodeID)
	}

	// the second node's report merges instead of replacing
	resp = f.do(http.MethodPatch, path, f.tokenB, map[string]any{
		"columns": []map[string]any{{"name": "age", "dtype": "float64"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = decode[types.Dataframe](t, resp)
	assert.Len(t, got.Columns, 3)
}
