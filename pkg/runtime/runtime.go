package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vantage6/vantage6/pkg/types"
)

const (
	// Container-side paths of the algorithm file contract.
	ContainerInputFile  = "/app/input.txt"
	ContainerOutputFile = "/app/output.txt"
	ContainerTokenFile  = "/app/token.txt"

	// SessionMountPath is where the session folder is mounted inside the
	// container.
	SessionMountPath = "/mnt/sessions"

	// DataMountPath is the in-container directory for bind-mounted
	// file-based databases.
	DataMountPath = "/mnt/data"

	// pollInterval is the cooperative sleep between status polls for
	// runtimes that lack an event stream.
	pollInterval = time.Second
)

// ErrImageNotFound is returned when the image cannot be resolved at run
// time; callers map it to the non-existing-Docker-image run status.
var ErrImageNotFound = errors.New("image not found")

// Mount binds a host path into the job container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// NetworkSpec isolates the job. The only reachable hosts are the node's
// proxy, a bound local database if any, and the VPN overlay if configured.
// All other egress is denied.
type NetworkSpec struct {
	IsolatedName string
	AllowedHosts []string
}

// RegistryAuth carries credentials for a restricted registry. A pull
// secret is created pre-launch and removed post-completion.
type RegistryAuth struct {
	Registry string
	Username string
	Password string
}

// JobSpec describes one isolated run-to-completion container.
type JobSpec struct {
	RunID      int
	TaskID     int
	Image      string
	Env        map[string]string
	ScratchDir string
	Mounts     []Mount
	Network    NetworkSpec
	Labels     map[string]string
	Auth       *RegistryAuth

	// StartTimeout bounds how long the job may sit in a pre-running phase
	// before it counts as failed to start. Docker and containerd start the
	// container inside Launch, so there the caller's Launch context bounds
	// it; Kubernetes enforces it while waiting for the pod. Zero disables
	// the bound.
	StartTimeout time.Duration
}

// ContainerName returns the runtime-visible name for the job.
func (s *JobSpec) ContainerName() string {
	return fmt.Sprintf("v6-run-%09d", s.RunID)
}

// JobResult is what a completed (or failed) job leaves behind.
type JobResult struct {
	Status   types.RunStatus
	ExitCode int
	Logs     string
	Output   []byte
}

// JobHandle tracks one launched job. Wait blocks until the job is
// terminal; Kill terminates it and maps the status to killed-by-user.
type JobHandle interface {
	Wait(ctx context.Context) (*JobResult, error)
	Kill(ctx context.Context) error
}

// Runtime launches isolated jobs on a container backend. Implementations
// exist for Docker, Kubernetes, and containerd.
type Runtime interface {
	Launch(ctx context.Context, spec *JobSpec) (JobHandle, error)
	Close() error
}

// TaskDirName returns the per-run scratch directory name under the node's
// data root.
func TaskDirName(runID int) string {
	return fmt.Sprintf("task-%09d", runID)
}

// PrepareScratch creates the per-run scratch directory and seeds the three
// contract files: the decrypted input, an empty output, and the container
// token.
func PrepareScratch(dataRoot string, runID int, input, token []byte) (string, error) {
	dir := filepath.Join(dataRoot, "tasks", TaskDirName(runID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "input.txt"), input, 0644); err != nil {
		return "", fmt.Errorf("failed to write input file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "output.txt"), nil, 0666); err != nil {
		return "", fmt.Errorf("failed to write output file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "token.txt"), token, 0644); err != nil {
		return "", fmt.Errorf("failed to write token file: %w", err)
	}
	return dir, nil
}

// ContractMounts returns the three file mounts every job gets.
func ContractMounts(scratchDir string) []Mount {
	return []Mount{
		{HostPath: filepath.Join(scratchDir, "input.txt"), ContainerPath: ContainerInputFile, ReadOnly: true},
		{HostPath: filepath.Join(scratchDir, "output.txt"), ContainerPath: ContainerOutputFile},
		{HostPath: filepath.Join(scratchDir, "token.txt"), ContainerPath: ContainerTokenFile, ReadOnly: true},
	}
}

// CollectOutput reads the output file and applies the missing-output rule:
// an absent file yields empty bytes and flips the status to unexpected
// output, unless the run already completed, in which case the empty result
// is propagated unchanged.
func CollectOutput(scratchDir string, status types.RunStatus) ([]byte, types.RunStatus) {
	data, err := os.ReadFile(filepath.Join(scratchDir, "output.txt"))
	if err != nil {
		if status == types.RunCompleted {
			return nil, status
		}
		return nil, types.RunUnexpectedOut
	}
	return data, status
}

// CleanupScratch removes the per-run scratch directory. A missing
// directory is not an error.
func CleanupScratch(dataRoot string, runID int) error {
	return os.RemoveAll(filepath.Join(dataRoot, "tasks", TaskDirName(runID)))
}

// EnvList flattens the env map to KEY=VALUE form for runtimes that take a
// list.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
