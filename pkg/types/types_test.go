package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunStatusClassification(t *testing.T) {
	tests := []struct {
		status   RunStatus
		failed   bool
		finished bool
		alive    bool
	}{
		{RunPending, false, false, true},
		{RunInitializing, false, false, true},
		{RunActive, false, false, true},
		{RunCompleted, false, true, false},
		{RunFailed, true, true, false},
		{RunStartFailed, true, true, false},
		{RunNoDockerImage, true, true, false},
		{RunCrashed, true, true, false},
		{RunKilled, true, true, false},
		{RunNotAllowed, true, true, false},
		{RunUnknownError, true, true, false},
		{RunNoDataframe, true, true, false},
		{RunDependsFailed, true, true, false},
		{RunUnexpectedOut, true, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.failed, tt.status.IsFailed())
			assert.Equal(t, tt.finished, tt.status.IsFinished())
			assert.Equal(t, tt.alive, tt.status.IsAlive())
		})
	}
}

func TestRollUpStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []RunStatus
		expected TaskStatus
	}{
		{"no runs", nil, TaskPending},
		{"all pending", []RunStatus{RunPending, RunPending}, TaskPending},
		{"one initializing", []RunStatus{RunPending, RunInitializing}, TaskInitializing},
		{"one active", []RunStatus{RunInitializing, RunActive, RunPending}, TaskActive},
		{"all completed", []RunStatus{RunCompleted, RunCompleted}, TaskCompleted},
		{"one failed wins", []RunStatus{RunCompleted, RunActive, RunCrashed}, TaskFailed},
		{"killed is failed", []RunStatus{RunKilled, RunCompleted}, TaskFailed},
		{"completed plus active is active", []RunStatus{RunCompleted, RunActive}, TaskActive},
		{"completed plus pending is pending", []RunStatus{RunCompleted, RunPending}, TaskPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var runs []*Run
			for _, s := range tt.statuses {
				runs = append(runs, &Run{Status: s})
			}
			assert.Equal(t, tt.expected, RollUpStatus(runs))
		})
	}
}

func TestDataframeReady(t *testing.T) {
	df := &Dataframe{ID: 1, Handle: "patients", SessionID: 1, LastSessionTaskID: 9}

	if DataframeReady(&Dataframe{ID: 2}, nil) {
		t.Error("dataframe without a session task must not be ready")
	}
	if DataframeReady(df, []*Run{{Status: RunActive}, {Status: RunCompleted}}) {
		t.Error("dataframe with an alive run must not be ready")
	}
	if !DataframeReady(df, []*Run{{Status: RunCompleted}, {Status: RunFailed}}) {
		t.Error("dataframe with all terminal runs must be ready")
	}
}

func TestSessionFolderName(t *testing.T) {
	s := &Session{ID: 42}
	assert.Equal(t, "session000000042", s.FolderName())
}

func TestStepTypeClassification(t *testing.T) {
	assert.True(t, StepDataExtraction.IsSessionModifying())
	assert.True(t, StepPreprocessing.IsSessionModifying())
	assert.False(t, StepFederatedCompute.IsSessionModifying())
	assert.True(t, StepCentralCompute.IsCompute())
	assert.False(t, AlgorithmStepType("bogus").Valid())
}

func TestCollaborationMembership(t *testing.T) {
	c := &Collaboration{ID: 7, OrganizationIDs: []int{1, 2, 3}}
	assert.True(t, c.HasOrganization(2))
	assert.False(t, c.HasOrganization(9))

	// membership checks ignore unrelated fields
	c.CreatedAt = time.Now()
	assert.True(t, c.HasOrganization(1))
}
