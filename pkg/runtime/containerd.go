package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/vantage6/vantage6/pkg/log"
	"github.com/vantage6/vantage6/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for algorithm jobs.
	DefaultNamespace = "vantage6"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime launches jobs directly on containerd, for hosts that
// run neither a Docker daemon nor a kubelet.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime connects to the containerd socket.
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{client: client, namespace: DefaultNamespace}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Launch pulls the image (tolerating pull failures when a cached copy
// exists), creates the container with the contract and extra mounts, and
// starts it with a log file capturing stdout and stderr.
func (r *ContainerdRuntime) Launch(ctx context.Context, spec *JobSpec) (JobHandle, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
	if err != nil {
		logger := log.WithComponent("containerd-runtime")
		logger.Warn().Err(err).
			Str("image", spec.Image).Msg("image pull failed, trying cached image")
		image, err = r.client.GetImage(ctx, spec.Image)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
		}
	}

	var mounts []specs.Mount
	for _, m := range append(ContractMounts(spec.ScratchDir), spec.Mounts...) {
		options := []string{"rbind"}
		if m.ReadOnly {
			options = append(options, "ro")
		}
		mounts = append(mounts, specs.Mount{
			Source:      m.HostPath,
			Destination: m.ContainerPath,
			Type:        "bind",
			Options:     options,
		})
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(EnvList(spec.Env)),
		oci.WithMounts(mounts),
	}

	name := spec.ContainerName()
	container, err := r.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	logPath := filepath.Join(spec.ScratchDir, "container.log")
	task, err := container.NewTask(ctx, cio.LogFile(logPath))
	if err != nil {
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	exitCh, err := task.Wait(ctx)
	if err != nil {
		task.Delete(ctx)
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("failed to wait on task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("failed to start task: %w", err)
	}

	return &containerdJob{
		rt:        r,
		spec:      spec,
		container: container,
		task:      task,
		exitCh:    exitCh,
		logPath:   logPath,
	}, nil
}

type containerdJob struct {
	rt        *ContainerdRuntime
	spec      *JobSpec
	container containerd.Container
	task      containerd.Task
	exitCh    <-chan containerd.ExitStatus
	logPath   string

	// killed is set by Kill on the event goroutine and read by Wait on
	// the worker goroutine.
	killed atomic.Bool
}

// Wait blocks on the task exit channel, then collects logs and output and
// removes the container with its snapshot.
func (j *containerdJob) Wait(ctx context.Context) (*JobResult, error) {
	ctx = namespaces.WithNamespace(ctx, j.rt.namespace)

	var exitCode int
	select {
	case exit := <-j.exitCh:
		code, _, err := exit.Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read exit status: %w", err)
		}
		exitCode = int(code)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	status := types.RunCompleted
	switch {
	case j.killed.Load():
		status = types.RunKilled
	case exitCode != 0:
		status = types.RunCrashed
	}

	logs := j.logs()
	output, status := CollectOutput(j.spec.ScratchDir, status)

	if _, err := j.task.Delete(ctx); err != nil && !strings.Contains(err.Error(), "not found") {
		logger := log.WithComponent("containerd-runtime")
		logger.Debug().Err(err).Msg("task already gone")
	}
	if err := j.container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		logger := log.WithComponent("containerd-runtime")
		logger.Debug().Err(err).Msg("container already gone")
	}

	return &JobResult{Status: status, ExitCode: exitCode, Logs: logs, Output: output}, nil
}

// Kill sends SIGKILL; Wait observes the exit.
func (j *containerdJob) Kill(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, j.rt.namespace)
	j.killed.Store(true)
	if err := j.task.Kill(ctx, syscall.SIGKILL); err != nil {
		if strings.Contains(err.Error(), "not found") {
			logger := log.WithComponent("containerd-runtime")
			logger.Debug().
				Int("run_id", j.spec.RunID).Msg("kill: task already gone")
			return nil
		}
		return fmt.Errorf("failed to kill task: %w", err)
	}
	return nil
}

func (j *containerdJob) logs() string {
	data, err := os.ReadFile(j.logPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger := log.WithComponent("containerd-runtime")
			logger.Debug().Err(err).Msg("failed to read log file")
		}
		return ""
	}
	return string(data)
}
