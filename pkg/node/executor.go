package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vantage6/vantage6/pkg/client"
	"github.com/vantage6/vantage6/pkg/metrics"
	"github.com/vantage6/vantage6/pkg/runtime"
	"github.com/vantage6/vantage6/pkg/sessionfile"
	"github.com/vantage6/vantage6/pkg/types"
)

// sessionMountPath is where session folders appear inside the algorithm
// container.
const sessionMountPath = "/mnt/sessions"

// statusError is a refusal that maps to a specific run status.
type statusError struct {
	status types.RunStatus
	msg    string
}

func (e *statusError) Error() string { return e.msg }

// resolveDatabases turns the task's DB-refs into environment variables and
// the USER_REQUESTED_DATAFRAMES string. Slots are separated by semicolons,
// multiple dataframes within a slot by commas.
func (a *Agent) resolveDatabases(task *types.Task, sess *sessionfile.Manager) (map[string]string, string, error) {
	env := make(map[string]string)
	slots := make([]string, 0, len(task.Databases))

	for _, slot := range task.Databases {
		var handles []string
		for _, ref := range slot {
			switch ref.Type {
			case types.DBRefSource:
				db, ok := a.cfg.Database(ref.Label)
				if !ok {
					return nil, "", &statusError{
						status: types.RunNotAllowed,
						msg:    fmt.Sprintf("database label %q is not configured on this node", ref.Label),
					}
				}
				prefix := strings.ToUpper(ref.Label)
				env[prefix+"_DATABASE_URI"] = db.URI
				env[prefix+"_DATABASE_TYPE"] = db.Type
				if _, ok := env["DATABASE_URI"]; !ok {
					env["DATABASE_URI"] = db.URI
				}
			case types.DBRefDataframe:
				if !sess.HasDataframe(ref.Handle) {
					return nil, "", &statusError{
						status: types.RunNoDataframe,
						msg:    fmt.Sprintf("dataframe %q is not materialized on this node", ref.Handle),
					}
				}
				handles = append(handles, ref.Handle)
			default:
				return nil, "", &statusError{
					status: types.RunNotAllowed,
					msg:    fmt.Sprintf("unknown database reference type %q", ref.Type),
				}
			}
		}
		// source-only slots contribute an empty segment so positions stay
		// aligned with the submitted slot list
		slots = append(slots, strings.Join(handles, ","))
	}
	return env, strings.Join(slots, ";"), nil
}

// jobEnv assembles the algorithm container's environment contract.
func (a *Agent) jobEnv(run *types.Run, task *types.Task, dbEnv map[string]string, dataframes string) map[string]string {
	sess := types.Session{ID: task.SessionID}
	env := map[string]string{
		"HOST":                      a.proxyHost,
		"PORT":                      a.proxyPort,
		"API_PATH":                  "",
		"TOKEN_FILE":                runtime.ContainerTokenFile,
		"INPUT_FILE":                runtime.ContainerInputFile,
		"OUTPUT_FILE":               runtime.ContainerOutputFile,
		"SESSION_FOLDER":            sessionMountPath + "/" + sess.FolderName(),
		"USER_REQUESTED_DATAFRAMES": dataframes,
		"ACTION":                    string(task.Action),
		"PKG_NAME":                  task.Name,
		"TASK_ID":                   fmt.Sprintf("%d", task.ID),
		"RUN_ID":                    fmt.Sprintf("%d", run.ID),
	}
	for k, v := range dbEnv {
		env[k] = v
	}
	return env
}

// initiatorKey fetches (and caches) the public key of the organization
// that submitted the task, for result encryption.
func (a *Agent) initiatorKey(ctx context.Context, orgID int) (string, error) {
	a.mu.Lock()
	key, ok := a.keyCache[orgID]
	a.mu.Unlock()
	if ok {
		return key, nil
	}

	org, err := a.api.Organization(ctx, orgID)
	if err != nil {
		return "", err
	}
	if org.PublicKey == "" {
		return "", fmt.Errorf("organization %d has no public key", orgID)
	}

	a.mu.Lock()
	a.keyCache[orgID] = org.PublicKey
	a.mu.Unlock()
	return org.PublicKey, nil
}

// reportColumns publishes the freshly written dataframe's schema on the
// coordinator's dataframe record. Failures are logged only: the dataframe
// itself is already safely on disk.
func (a *Agent) reportColumns(ctx context.Context, sess *sessionfile.Manager, task *types.Task, logger zerolog.Logger) {
	cols, err := sess.Columns(task.DataframeHandle)
	if err != nil {
		logger.Warn().Err(err).Str("handle", task.DataframeHandle).Msg("cannot read dataframe schema")
		return
	}
	report := make([]types.DataframeColumn, 0, len(cols))
	for _, col := range cols {
		report = append(report, types.DataframeColumn{
			Name:   col[0],
			Dtype:  col[1],
			NodeID: a.api.NodeID(),
		})
	}
	if err := a.api.ReportColumns(ctx, task.SessionID, task.DataframeHandle, report); err != nil {
		logger.Warn().Err(err).Str("handle", task.DataframeHandle).Msg("cannot report dataframe columns")
	}
}

// executeRun drives one run from claim to final PATCH. Any refusal or
// failure terminates the run with the matching status; only a failure to
// claim leaves the run for the next resync.
func (a *Agent) executeRun(ctx context.Context, rw *client.RunWithTask) {
	run, task := rw.Run, rw.Task
	logger := a.logger.With().Int("run_id", run.ID).Int("task_id", task.ID).Logger()
	started := time.Now()

	metrics.NodeActiveRuns.Inc()
	defer metrics.NodeActiveRuns.Dec()

	finish := func(status types.RunStatus, logMsg, result string, blobUsed bool) {
		metrics.RunsExecuted.WithLabelValues(string(status)).Inc()
		metrics.RunDuration.WithLabelValues(string(status)).Observe(time.Since(started).Seconds())
		patch := &client.RunPatch{
			Status:     status,
			FinishedAt: time.Now().UTC().Format(time.RFC3339),
			Log:        logMsg,
			Result:     result,
		}
		if blobUsed {
			patch.BlobUsed = &blobUsed
		}
		if _, err := a.api.PatchRun(ctx, run.ID, patch); err != nil {
			logger.Error().Err(err).Msg("failed to report final run status")
		}
		a.emitStatusChange(run.ID, task.ID, status)
	}

	if err := checkPolicy(&a.cfg.Policies, task); err != nil {
		logger.Warn().Err(err).Msg("task refused by policy")
		finish(types.RunNotAllowed, err.Error(), "", false)
		return
	}

	if _, err := a.api.PatchRun(ctx, run.ID, &client.RunPatch{
		Status:    types.RunInitializing,
		StartedAt: started.UTC().Format(time.RFC3339),
	}); err != nil {
		logger.Error().Err(err).Msg("cannot claim run; leaving it for resync")
		return
	}

	// only central-compute algorithms may issue child tasks, so only they
	// get a container token; everyone else mounts an empty token file
	token := ""
	if task.Action == types.StepCentralCompute {
		var err error
		token, err = a.api.ContainerToken(ctx, task.ID, task.Image)
		if err != nil {
			logger.Error().Err(err).Msg("container token refused")
			finish(types.RunStartFailed, "coordinator refused a container token: "+err.Error(), "", false)
			return
		}
	}

	input, err := a.cryptor.Decrypt(run.Input)
	if err != nil {
		logger.Error().Err(err).Msg("cannot decrypt run input")
		finish(types.RunFailed, "input decryption failed: "+err.Error(), "", false)
		return
	}

	sess, err := a.sessionFiles(task.SessionID)
	if err != nil {
		logger.Error().Err(err).Msg("session workspace unavailable")
		finish(types.RunStartFailed, "session workspace unavailable: "+err.Error(), "", false)
		return
	}

	dbEnv, dataframes, err := a.resolveDatabases(task, sess)
	if err != nil {
		status := types.RunStartFailed
		var se *statusError
		if errors.As(err, &se) {
			status = se.status
		}
		logger.Warn().Err(err).Msg("database resolution failed")
		finish(status, err.Error(), "", false)
		return
	}

	scratch, err := runtime.PrepareScratch(a.cfg.DataDir, run.ID, input, []byte(token))
	if err != nil {
		logger.Error().Err(err).Msg("scratch setup failed")
		finish(types.RunStartFailed, "scratch setup failed: "+err.Error(), "", false)
		return
	}
	defer runtime.CleanupScratch(a.cfg.DataDir, run.ID)

	spec := &runtime.JobSpec{
		RunID:        run.ID,
		TaskID:       task.ID,
		Image:        task.Image,
		Env:          a.jobEnv(run, task, dbEnv, dataframes),
		ScratchDir:   scratch,
		StartTimeout: a.cfg.TaskStartTimeout,
		Mounts: append(runtime.ContractMounts(scratch), runtime.Mount{
			HostPath:      sess.Dir(),
			ContainerPath: sessionMountPath + "/" + (&types.Session{ID: task.SessionID}).FolderName(),
		}),
		Network: runtime.NetworkSpec{
			IsolatedName: fmt.Sprintf("v6-task-%09d", task.ID),
			AllowedHosts: []string{a.proxyHost},
		},
		Labels: map[string]string{
			"vantage6.run_id":  fmt.Sprintf("%d", run.ID),
			"vantage6.task_id": fmt.Sprintf("%d", task.ID),
		},
	}

	// launch under the start timeout; a container stuck pulling or
	// creating past it becomes "start failed"
	launchCtx, cancelLaunch := context.WithTimeout(ctx, a.cfg.TaskStartTimeout)
	handle, err := a.runtime.Launch(launchCtx, spec)
	cancelLaunch()
	if err != nil {
		status := types.RunStartFailed
		if errors.Is(err, runtime.ErrImageNotFound) {
			status = types.RunNoDockerImage
		}
		logger.Error().Err(err).Str("image", task.Image).Msg("job launch failed")
		finish(status, "launch failed: "+err.Error(), "", false)
		return
	}

	a.trackHandle(run.ID, task.ID, handle)
	defer a.untrackHandle(run.ID)

	if _, err := a.api.PatchRun(ctx, run.ID, &client.RunPatch{Status: types.RunActive}); err != nil {
		logger.Warn().Err(err).Msg("cannot report active status")
	}

	result, err := handle.Wait(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("job wait failed")
		finish(types.RunCrashed, "job wait failed: "+err.Error(), "", false)
		return
	}

	output, status := runtime.CollectOutput(scratch, result.Status)
	if len(result.Output) > 0 {
		output = result.Output
	}

	if status == types.RunCompleted && task.Action.IsSessionModifying() {
		if err := sess.WriteDataframe(task.DataframeHandle, output); err != nil {
			logger.Error().Err(err).Str("handle", task.DataframeHandle).Msg("cannot persist dataframe")
			finish(types.RunUnexpectedOut, "dataframe persistence failed: "+err.Error(), "", false)
			return
		}
		a.reportColumns(ctx, sess, task, logger)
		finish(status, result.Logs, "", false)
		logger.Info().Str("handle", task.DataframeHandle).Msg("dataframe updated")
		return
	}

	encrypted := ""
	if len(output) > 0 {
		key := ""
		if a.encrypted {
			var kerr error
			if key, kerr = a.initiatorKey(ctx, task.InitOrgID); kerr != nil {
				logger.Error().Err(kerr).Msg("cannot fetch initiator public key")
				finish(types.RunFailed, "result encryption failed: "+kerr.Error(), "", false)
				return
			}
		}
		if encrypted, err = a.cryptor.Encrypt(output, key); err != nil {
			logger.Error().Err(err).Msg("result encryption failed")
			finish(types.RunFailed, "result encryption failed: "+err.Error(), "", false)
			return
		}
	}

	if encrypted != "" && a.blobEnabled {
		if id, berr := a.api.UploadBlob(ctx, strings.NewReader(encrypted)); berr == nil {
			finish(status, result.Logs, id, true)
			logger.Info().Str("status", string(status)).Str("blob_id", id).Msg("run finished")
			return
		} else {
			logger.Warn().Err(berr).Msg("blob upload failed; storing result inline")
		}
	}

	finish(status, result.Logs, encrypted, false)
	logger.Info().
		Str("status", string(status)).
		Dur("duration", time.Since(started)).
		Msg("run finished")
}
