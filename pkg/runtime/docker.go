package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/vantage6/vantage6/pkg/log"
	"github.com/vantage6/vantage6/pkg/types"
)

// DockerRuntime launches jobs against a local Docker daemon.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the Docker daemon using the standard
// environment (DOCKER_HOST etc.).
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Close releases the daemon connection.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// Launch pulls the image, creates the isolated per-task network, and
// starts the container detached. A pull failure is tolerated: the daemon
// may hold a cached copy, and a reference that resolves to nothing at
// create time maps to the non-existing-image status instead.
func (r *DockerRuntime) Launch(ctx context.Context, spec *JobSpec) (JobHandle, error) {
	logger := log.WithComponent("docker-runtime")

	if err := r.pull(ctx, spec); err != nil {
		logger.Warn().Err(err).Str("image", spec.Image).
			Msg("image pull failed, trying cached image")
	}

	netID, err := r.ensureNetwork(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create task network: %w", err)
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts)+3)
	for _, m := range append(ContractMounts(spec.ScratchDir), spec.Mounts...) {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    EnvList(spec.Env),
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		// The proxy is reached through the gateway alias; everything else
		// is unroutable on the internal network.
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			spec.Network.IsolatedName: {NetworkID: netID},
		},
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.ContainerName())
	if err != nil {
		r.removeNetwork(ctx, spec)
		if client.IsErrNotFound(err) || strings.Contains(err.Error(), "No such image") {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
		}
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		r.remove(ctx, created.ID)
		r.removeNetwork(ctx, spec)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	logger.Debug().Int("run_id", spec.RunID).Str("container", created.ID).
		Msg("container started")

	return &dockerJob{rt: r, spec: spec, containerID: created.ID}, nil
}

func (r *DockerRuntime) pull(ctx context.Context, spec *JobSpec) error {
	opts := image.PullOptions{}
	if spec.Auth != nil {
		auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      spec.Auth.Username,
			Password:      spec.Auth.Password,
			ServerAddress: spec.Auth.Registry,
		})
		if err != nil {
			return fmt.Errorf("failed to encode registry auth: %w", err)
		}
		opts.RegistryAuth = auth
	}

	rc, err := r.cli.ImagePull(ctx, spec.Image, opts)
	if err != nil {
		return err
	}
	defer rc.Close()
	// Drain the progress stream; pull completes when it closes.
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (r *DockerRuntime) ensureNetwork(ctx context.Context, spec *JobSpec) (string, error) {
	resp, err := r.cli.NetworkCreate(ctx, spec.Network.IsolatedName, network.CreateOptions{
		Driver:   "bridge",
		Internal: true,
		Labels:   spec.Labels,
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return spec.Network.IsolatedName, nil
		}
		return "", err
	}
	return resp.ID, nil
}

func (r *DockerRuntime) remove(ctx context.Context, containerID string) {
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		logger := log.WithComponent("docker-runtime")
		logger.Debug().Err(err).
			Str("container", containerID).Msg("container already gone")
	}
}

func (r *DockerRuntime) removeNetwork(ctx context.Context, spec *JobSpec) {
	if spec.Network.IsolatedName == "" {
		return
	}
	if err := r.cli.NetworkRemove(ctx, spec.Network.IsolatedName); err != nil {
		logger := log.WithComponent("docker-runtime")
		logger.Debug().Err(err).
			Str("network", spec.Network.IsolatedName).Msg("network already gone")
	}
}

type dockerJob struct {
	rt          *DockerRuntime
	spec        *JobSpec
	containerID string

	// killed is set by Kill on the event goroutine and read by Wait on
	// the worker goroutine.
	killed atomic.Bool
}

// Wait blocks until the container exits, then gathers logs and the output
// file. Exit 0 maps to completed, anything else to crashed; a kill that
// raced the exit wins.
func (j *dockerJob) Wait(ctx context.Context) (*JobResult, error) {
	waitCh, errCh := j.rt.cli.ContainerWait(ctx, j.containerID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case resp := <-waitCh:
		exitCode = int(resp.StatusCode)
	case err := <-errCh:
		return nil, fmt.Errorf("failed to wait for container: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	logs := j.logs(ctx)

	status := types.RunCompleted
	switch {
	case j.killed.Load():
		status = types.RunKilled
	case exitCode != 0:
		status = types.RunCrashed
	}

	output, status := CollectOutput(j.spec.ScratchDir, status)

	j.rt.remove(ctx, j.containerID)
	j.rt.removeNetwork(ctx, j.spec)

	return &JobResult{Status: status, ExitCode: exitCode, Logs: logs, Output: output}, nil
}

// Kill force-removes the container; Wait observes the exit and reports
// killed-by-user.
func (j *dockerJob) Kill(ctx context.Context) error {
	j.killed.Store(true)
	if err := j.rt.cli.ContainerKill(ctx, j.containerID, "SIGKILL"); err != nil {
		if client.IsErrNotFound(err) {
			logger := log.WithComponent("docker-runtime")
			logger.Debug().
				Str("container", j.containerID).Msg("kill: container already gone")
			return nil
		}
		return fmt.Errorf("failed to kill container: %w", err)
	}
	return nil
}

func (j *dockerJob) logs(ctx context.Context) string {
	rc, err := j.rt.cli.ContainerLogs(ctx, j.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return ""
	}
	defer rc.Close()

	var buf bytes.Buffer
	// Docker multiplexes stdout/stderr on one stream.
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String()
	}
	return buf.String()
}
