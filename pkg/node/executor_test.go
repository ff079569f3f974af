package node

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage6/vantage6/pkg/config"
	"github.com/vantage6/vantage6/pkg/sessionfile"
	"github.com/vantage6/vantage6/pkg/types"
)

func testAgent(t *testing.T) *Agent {
	t.Helper()
	return &Agent{
		cfg: &config.NodeConfig{
			DataDir: t.TempDir(),
			Databases: []config.DatabaseConfig{
				{Label: "default", URI: "file:///data/patients.csv", Type: "csv"},
				{Label: "claims", URI: "postgresql://db/claims", Type: "sql"},
			},
		},
		logger:    zerolog.Nop(),
		proxyHost: "host.docker.internal",
		proxyPort: "7602",
	}
}

func testSession(t *testing.T, a *Agent, sessionID int) *sessionfile.Manager {
	t.Helper()
	sess, err := sessionfile.NewManager(a.cfg.DataDir, sessionID)
	require.NoError(t, err)
	return sess
}

func TestResolveDatabasesSources(t *testing.T) {
	a := testAgent(t)
	sess := testSession(t, a, 1)

	task := &types.Task{Databases: [][]types.DBRef{
		{{Type: types.DBRefSource, Label: "default"}},
		{{Type: types.DBRefSource, Label: "claims"}},
	}}

	env, dataframes, err := a.resolveDatabases(task, sess)
	require.NoError(t, err)
	// source-only slots still occupy their positions in the slot list
	assert.Equal(t, ";", dataframes)
	assert.Equal(t, "file:///data/patients.csv", env["DEFAULT_DATABASE_URI"])
	assert.Equal(t, "csv", env["DEFAULT_DATABASE_TYPE"])
	assert.Equal(t, "postgresql://db/claims", env["CLAIMS_DATABASE_URI"])
	assert.Equal(t, "sql", env["CLAIMS_DATABASE_TYPE"])
	// first source doubles as the unlabelled default
	assert.Equal(t, "file:///data/patients.csv", env["DATABASE_URI"])
}

func TestResolveDatabasesUnknownLabel(t *testing.T) {
	a := testAgent(t)
	sess := testSession(t, a, 1)

	task := &types.Task{Databases: [][]types.DBRef{
		{{Type: types.DBRefSource, Label: "nonexistent"}},
	}}

	_, _, err := a.resolveDatabases(task, sess)
	var se *statusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, types.RunNotAllowed, se.status)
}

func TestResolveDatabasesDataframes(t *testing.T) {
	a := testAgent(t)
	sess := testSession(t, a, 2)
	require.NoError(t, sess.WriteDataframe("df1", []byte("parquet")))
	require.NoError(t, sess.WriteDataframe("df2", []byte("parquet")))
	require.NoError(t, sess.WriteDataframe("df3", []byte("parquet")))

	task := &types.Task{Databases: [][]types.DBRef{
		{
			{Type: types.DBRefDataframe, Handle: "df1"},
			{Type: types.DBRefDataframe, Handle: "df2"},
		},
		{{Type: types.DBRefDataframe, Handle: "df3"}},
	}}

	_, dataframes, err := a.resolveDatabases(task, sess)
	require.NoError(t, err)
	// commas within a slot, semicolons between slots
	assert.Equal(t, "df1,df2;df3", dataframes)
}

func TestResolveDatabasesMixedSlots(t *testing.T) {
	a := testAgent(t)
	sess := testSession(t, a, 4)
	require.NoError(t, sess.WriteDataframe("df1", []byte("parquet")))

	task := &types.Task{Databases: [][]types.DBRef{
		{{Type: types.DBRefSource, Label: "default"}},
		{{Type: types.DBRefDataframe, Handle: "df1"}},
	}}

	_, dataframes, err := a.resolveDatabases(task, sess)
	require.NoError(t, err)
	// the source slot contributes an empty segment, keeping df1 in slot two
	assert.Equal(t, ";df1", dataframes)
}

func TestResolveDatabasesMissingDataframe(t *testing.T) {
	a := testAgent(t)
	sess := testSession(t, a, 3)

	task := &types.Task{Databases: [][]types.DBRef{
		{{Type: types.DBRefDataframe, Handle: "never-extracted"}},
	}}

	_, _, err := a.resolveDatabases(task, sess)
	var se *statusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, types.RunNoDataframe, se.status)
}

func TestJobEnvContract(t *testing.T) {
	a := testAgent(t)

	run := &types.Run{ID: 12, TaskID: 7}
	task := &types.Task{
		ID:        7,
		Name:      "v6-average",
		SessionID: 5,
		Action:    types.StepFederatedCompute,
	}
	dbEnv := map[string]string{"DATABASE_URI": "file:///data/patients.csv"}

	env := a.jobEnv(run, task, dbEnv, "df1;df2")

	assert.Equal(t, "host.docker.internal", env["HOST"])
	assert.Equal(t, "7602", env["PORT"])
	assert.Equal(t, "/app/token.txt", env["TOKEN_FILE"])
	assert.Equal(t, "/app/input.txt", env["INPUT_FILE"])
	assert.Equal(t, "/app/output.txt", env["OUTPUT_FILE"])
	assert.Equal(t, "/mnt/sessions/session000000005", env["SESSION_FOLDER"])
	assert.Equal(t, "df1;df2", env["USER_REQUESTED_DATAFRAMES"])
	assert.Equal(t, "federated_compute", env["ACTION"])
	assert.Equal(t, "v6-average", env["PKG_NAME"])
	assert.Equal(t, "7", env["TASK_ID"])
	assert.Equal(t, "12", env["RUN_ID"])
	assert.Equal(t, "file:///data/patients.csv", env["DATABASE_URI"])
}

func TestSessionFilesCached(t *testing.T) {
	a := testAgent(t)
	a.sessions = make(map[int]*sessionfile.Manager)

	first, err := a.sessionFiles(9)
	require.NoError(t, err)
	second, err := a.sessionFiles(9)
	require.NoError(t, err)
	assert.Same(t, first, second)
}
