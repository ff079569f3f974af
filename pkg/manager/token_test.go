package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage6/vantage6/pkg/types"
)

func TestNodeTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager([]byte("secret"))
	node := &types.Node{ID: 3, OrganizationID: 7, CollaborationID: 11}

	access, refresh, err := tm.IssueNodeTokens(node)
	require.NoError(t, err)
	assert.NotEqual(t, access, refresh)

	claims, err := tm.ParseAccess(access, ClientTypeNode)
	require.NoError(t, err)
	assert.Equal(t, 3, claims.NodeID)
	assert.Equal(t, 7, claims.OrganizationID)
	assert.Equal(t, 11, claims.CollaborationID)

	// refresh tokens are rejected as access tokens
	_, err = tm.ParseAccess(refresh, ClientTypeNode)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// and exchanged for fresh access tokens
	newAccess, err := tm.Refresh(refresh)
	require.NoError(t, err)
	claims, err = tm.ParseAccess(newAccess, ClientTypeNode)
	require.NoError(t, err)
	assert.Equal(t, 3, claims.NodeID)

	// access tokens cannot refresh
	_, err = tm.Refresh(access)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsForeignSignature(t *testing.T) {
	tm := NewTokenManager([]byte("secret"))
	other := NewTokenManager([]byte("different"))

	access, _, err := other.IssueNodeTokens(&types.Node{ID: 1})
	require.NoError(t, err)

	_, err = tm.Parse(access)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateNode(t *testing.T) {
	m, _ := newTestManager(t)
	_, _, nodes := seedCollaboration(t, m, false)

	node, access, refresh, err := m.AuthenticateNode("key-a")
	require.NoError(t, err)
	assert.Equal(t, nodes[0].ID, node.ID)
	assert.NotEmpty(t, access)
	assert.NotEmpty(t, refresh)

	updated, err := m.Store().GetNode(node.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), updated.LastSeen, 5*time.Second)

	_, _, _, err = m.AuthenticateNode("bogus")
	assert.ErrorIs(t, err, ErrNotAllowed)
}

// submitCentralTask creates a central-compute task with one run.
func submitCentralTask(t *testing.T, m *Manager, collabID, orgID int, image string) (*types.Task, []*types.Run) {
	t.Helper()
	task, runs, err := m.SubmitTask(&TaskRequest{
		Image:           image,
		Action:          types.StepCentralCompute,
		CollaborationID: collabID,
		InitOrgID:       orgID,
		Organizations:   []OrgInput{{ID: orgID, Input: "ct"}},
	})
	require.NoError(t, err)
	return task, runs
}

func TestIssueContainerToken(t *testing.T) {
	m, _ := newTestManager(t)
	collab, orgs, nodes := seedCollaboration(t, m, false)

	task, _ := submitCentralTask(t, m, collab.ID, orgs[0].ID, "harbor/foo:1")

	nodeClaims := &Claims{
		ClientType:      ClientTypeNode,
		NodeID:          nodes[0].ID,
		OrganizationID:  orgs[0].ID,
		CollaborationID: collab.ID,
	}

	token, err := m.IssueContainerToken(nodeClaims, task.ID, "harbor/foo:1")
	require.NoError(t, err)

	claims, err := m.Tokens().ParseAccess(token, ClientTypeContainer)
	require.NoError(t, err)
	assert.Equal(t, ClientTypeContainer, claims.ClientType)
	assert.Equal(t, task.ID, claims.TaskID)
	assert.Equal(t, task.SessionID, claims.SessionID)
	assert.Equal(t, nodes[0].ID, claims.NodeID)
	assert.Equal(t, "harbor/foo:1", claims.Image)
}

func TestContainerTokenGating(t *testing.T) {
	m, _ := newTestManager(t)
	collab, orgs, nodes := seedCollaboration(t, m, false)

	nodeClaims := &Claims{
		ClientType:      ClientTypeNode,
		NodeID:          nodes[0].ID,
		OrganizationID:  orgs[0].ID,
		CollaborationID: collab.ID,
	}

	t.Run("not central compute", func(t *testing.T) {
		task, _, err := m.SubmitTask(&TaskRequest{
			Image:           "harbor/foo:1",
			Action:          types.StepFederatedCompute,
			CollaborationID: collab.ID,
			Organizations:   []OrgInput{{ID: orgs[0].ID}},
		})
		require.NoError(t, err)

		_, err = m.IssueContainerToken(nodeClaims, task.ID, "harbor/foo:1")
		assert.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("node outside collaboration", func(t *testing.T) {
		task, _ := submitCentralTask(t, m, collab.ID, orgs[0].ID, "harbor/foo:1")

		foreign := &Claims{ClientType: ClientTypeNode, NodeID: 99, CollaborationID: collab.ID + 100}
		_, err := m.IssueContainerToken(foreign, task.ID, "harbor/foo:1")
		assert.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("finished task", func(t *testing.T) {
		task, runs := submitCentralTask(t, m, collab.ID, orgs[0].ID, "harbor/foo:1")
		for _, run := range runs {
			run.Status = types.RunCompleted
			require.NoError(t, m.apply("update_run", run))
		}

		_, err := m.IssueContainerToken(nodeClaims, task.ID, "harbor/foo:1")
		assert.ErrorIs(t, err, ErrTaskFinished)
	})
}

func TestContainerTokenImageRestriction(t *testing.T) {
	m, _ := newTestManager(t)
	collab, orgs, nodes := seedCollaboration(t, m, true)

	task, _ := submitCentralTask(t, m, collab.ID, orgs[0].ID, "harbor/foo:1")

	nodeClaims := &Claims{
		ClientType:      ClientTypeNode,
		NodeID:          nodes[0].ID,
		OrganizationID:  orgs[0].ID,
		CollaborationID: collab.ID,
	}

	_, err := m.IssueContainerToken(nodeClaims, task.ID, "harbor/other:2")
	assert.ErrorIs(t, err, ErrNotAllowed)

	_, err = m.IssueContainerToken(nodeClaims, task.ID, "harbor/foo:1")
	assert.NoError(t, err)
}
