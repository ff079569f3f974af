package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	netv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/vantage6/vantage6/pkg/log"
	"github.com/vantage6/vantage6/pkg/types"
)

// KubernetesRuntime launches jobs as run-to-completion batch Jobs. Scratch
// and session directories reach the pod through hostPath volumes, so the
// node agent must share a filesystem with the kubelet.
type KubernetesRuntime struct {
	client    kubernetes.Interface
	namespace string
}

// NewKubernetesRuntime builds a runtime from a kubeconfig path, falling
// back to in-cluster config when the path is empty.
func NewKubernetesRuntime(kubeconfig, namespace string) (*KubernetesRuntime, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	if namespace == "" {
		namespace = "vantage6"
	}
	return &KubernetesRuntime{client: clientset, namespace: namespace}, nil
}

// NewKubernetesRuntimeWithClient is used by tests with a fake clientset.
func NewKubernetesRuntimeWithClient(client kubernetes.Interface, namespace string) *KubernetesRuntime {
	return &KubernetesRuntime{client: client, namespace: namespace}
}

// Close is a no-op; client-go connections are pooled per process.
func (r *KubernetesRuntime) Close() error { return nil }

func pullSecretName(runID int) string {
	return fmt.Sprintf("docker-login-secret-run-id-%d", runID)
}

// Launch creates the pull secret (when the registry is restricted), a
// per-task NetworkPolicy denying all egress except the allowed hosts, and
// the batch Job itself.
func (r *KubernetesRuntime) Launch(ctx context.Context, spec *JobSpec) (JobHandle, error) {
	if spec.Auth != nil {
		if err := r.createPullSecret(ctx, spec); err != nil {
			return nil, fmt.Errorf("failed to create pull secret: %w", err)
		}
	}

	if err := r.createNetworkPolicy(ctx, spec); err != nil {
		r.deletePullSecret(ctx, spec)
		return nil, fmt.Errorf("failed to create network policy: %w", err)
	}

	job := r.jobObject(spec)
	if _, err := r.client.BatchV1().Jobs(r.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		r.deletePullSecret(ctx, spec)
		r.deleteNetworkPolicy(ctx, spec)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	logger := log.WithComponent("k8s-runtime")

	logger.Debug().Int("run_id", spec.RunID).
		Str("job", job.Name).Msg("job created")

	return &k8sJob{rt: r, spec: spec, jobName: job.Name}, nil
}

func (r *KubernetesRuntime) jobObject(spec *JobSpec) *batchv1.Job {
	name := spec.ContainerName()

	volumes := []corev1.Volume{}
	volumeMounts := []corev1.VolumeMount{}
	for i, m := range append(ContractMounts(spec.ScratchDir), spec.Mounts...) {
		volName := fmt.Sprintf("mount-%d", i)
		hostPath := m.HostPath
		volumes = append(volumes, corev1.Volume{
			Name: volName,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: hostPath},
			},
		})
		volumeMounts = append(volumeMounts, corev1.VolumeMount{
			Name:      volName,
			MountPath: m.ContainerPath,
			ReadOnly:  m.ReadOnly,
		})
	}

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	var pullSecrets []corev1.LocalObjectReference
	if spec.Auth != nil {
		pullSecrets = []corev1.LocalObjectReference{{Name: pullSecretName(spec.RunID)}}
	}

	backoff := int32(0)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.namespace,
			Labels:    spec.Labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: jobPodLabels(spec)},
				Spec: corev1.PodSpec{
					RestartPolicy:    corev1.RestartPolicyNever,
					ImagePullSecrets: pullSecrets,
					Containers: []corev1.Container{{
						Name:         "algorithm",
						Image:        spec.Image,
						Env:          env,
						VolumeMounts: volumeMounts,
					}},
					Volumes: volumes,
				},
			},
		},
	}
}

func jobPodLabels(spec *JobSpec) map[string]string {
	labels := map[string]string{"v6-run-id": fmt.Sprintf("%d", spec.RunID)}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	return labels
}

func (r *KubernetesRuntime) createPullSecret(ctx context.Context, spec *JobSpec) error {
	cfg := map[string]any{
		"auths": map[string]any{
			spec.Auth.Registry: map[string]string{
				"username": spec.Auth.Username,
				"password": spec.Auth.Password,
				"auth": base64.StdEncoding.EncodeToString(
					[]byte(spec.Auth.Username + ":" + spec.Auth.Password)),
			},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pullSecretName(spec.RunID),
			Namespace: r.namespace,
			Labels:    spec.Labels,
		},
		Type: corev1.SecretTypeDockerConfigJson,
		Data: map[string][]byte{corev1.DockerConfigJsonKey: data},
	}
	_, err = r.client.CoreV1().Secrets(r.namespace).Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (r *KubernetesRuntime) createNetworkPolicy(ctx context.Context, spec *JobSpec) error {
	// Default-deny egress for the pod; the proxy and any bound database
	// are reached by IP exception.
	var egress []netv1.NetworkPolicyEgressRule
	for _, host := range spec.Network.AllowedHosts {
		egress = append(egress, netv1.NetworkPolicyEgressRule{
			To: []netv1.NetworkPolicyPeer{{
				IPBlock: &netv1.IPBlock{CIDR: host + "/32"},
			}},
		})
	}

	policy := &netv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Network.IsolatedName,
			Namespace: r.namespace,
			Labels:    spec.Labels,
		},
		Spec: netv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: jobPodLabels(spec)},
			PolicyTypes: []netv1.PolicyType{netv1.PolicyTypeEgress},
			Egress:      egress,
		},
	}
	_, err := r.client.NetworkingV1().NetworkPolicies(r.namespace).Create(ctx, policy, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (r *KubernetesRuntime) deletePullSecret(ctx context.Context, spec *JobSpec) {
	if spec.Auth == nil {
		return
	}
	err := r.client.CoreV1().Secrets(r.namespace).Delete(ctx, pullSecretName(spec.RunID), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		logger := log.WithComponent("k8s-runtime")
		logger.Warn().Err(err).Msg("failed to delete pull secret")
	} else if apierrors.IsNotFound(err) {
		logger := log.WithComponent("k8s-runtime")
		logger.Debug().Int("run_id", spec.RunID).
			Msg("pull secret already gone")
	}
}

func (r *KubernetesRuntime) deleteNetworkPolicy(ctx context.Context, spec *JobSpec) {
	err := r.client.NetworkingV1().NetworkPolicies(r.namespace).Delete(ctx, spec.Network.IsolatedName, metav1.DeleteOptions{})
	if err != nil && apierrors.IsNotFound(err) {
		logger := log.WithComponent("k8s-runtime")
		logger.Debug().Str("policy", spec.Network.IsolatedName).
			Msg("network policy already gone")
	}
}

func (r *KubernetesRuntime) deleteJob(ctx context.Context, name string) {
	propagation := metav1.DeletePropagationForeground
	err := r.client.BatchV1().Jobs(r.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && apierrors.IsNotFound(err) {
		logger := log.WithComponent("k8s-runtime")
		logger.Debug().Str("job", name).Msg("job already gone")
	}
}

// MapPodStatus translates a pod's phase and container waiting reasons to a
// run status.
func MapPodStatus(pod *corev1.Pod) types.RunStatus {
	switch pod.Status.Phase {
	case corev1.PodRunning:
		return types.RunActive
	case corev1.PodSucceeded:
		return types.RunCompleted
	case corev1.PodFailed:
		return types.RunFailed
	case corev1.PodUnknown:
		return types.RunUnknownError
	case corev1.PodPending:
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Waiting == nil {
				continue
			}
			switch cs.State.Waiting.Reason {
			case "ImagePullBackOff", "InvalidImageName", "ErrImageNeverPull", "ErrImagePull":
				return types.RunNoDockerImage
			case "CrashLoopBackOff", "CreateContainerConfigError", "RunContainerError", "ContainerCannotRun":
				return types.RunCrashed
			case "ContainerCreating", "PodInitializing":
				return types.RunInitializing
			}
		}
		return types.RunInitializing
	}
	return types.RunUnknownError
}

type k8sJob struct {
	rt      *KubernetesRuntime
	spec    *JobSpec
	jobName string

	// killed is set by Kill on the event goroutine and read by Wait on
	// the worker goroutine.
	killed atomic.Bool
}

// Wait polls the job's pod until its mapped status is terminal, then
// collects logs and the output file and tears down the job artifacts. A
// pod that never leaves its pre-running phase within the start timeout is
// torn down and reported as failed to start.
func (j *k8sJob) Wait(ctx context.Context) (*JobResult, error) {
	var status types.RunStatus
	var podName string
	var exitCode int

	started := time.Now()
	for {
		pods, err := j.rt.client.CoreV1().Pods(j.rt.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: "v6-run-id=" + fmt.Sprintf("%d", j.spec.RunID),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list job pods: %w", err)
		}

		if j.killed.Load() && len(pods.Items) == 0 {
			status = types.RunKilled
			break
		}

		if len(pods.Items) > 0 {
			// FIFO on completion observation: consume the oldest pod first.
			pod := &pods.Items[0]
			for i := range pods.Items {
				if pods.Items[i].CreationTimestamp.Before(&pod.CreationTimestamp) {
					pod = &pods.Items[i]
				}
			}
			podName = pod.Name
			status = MapPodStatus(pod)
			if status.IsFinished() {
				for _, cs := range pod.Status.ContainerStatuses {
					if cs.State.Terminated != nil {
						exitCode = int(cs.State.Terminated.ExitCode)
					}
				}
				break
			}
		}

		stuck := len(pods.Items) == 0 || status == types.RunInitializing
		if j.spec.StartTimeout > 0 && stuck && time.Since(started) > j.spec.StartTimeout {
			logs := j.logs(ctx, podName)
			j.rt.deleteJob(ctx, j.jobName)
			j.rt.deletePullSecret(ctx, j.spec)
			j.rt.deleteNetworkPolicy(ctx, j.spec)
			return &JobResult{Status: types.RunStartFailed, Logs: logs}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	logs := j.logs(ctx, podName)

	if j.killed.Load() {
		status = types.RunKilled
	}
	output, status := CollectOutput(j.spec.ScratchDir, status)

	j.rt.deleteJob(ctx, j.jobName)
	j.rt.deletePullSecret(ctx, j.spec)
	j.rt.deleteNetworkPolicy(ctx, j.spec)

	return &JobResult{Status: status, ExitCode: exitCode, Logs: logs, Output: output}, nil
}

// Kill deletes the job and its artifacts; Wait maps the terminal state to
// killed-by-user.
func (j *k8sJob) Kill(ctx context.Context) error {
	j.killed.Store(true)
	j.rt.deleteJob(ctx, j.jobName)
	j.rt.deletePullSecret(ctx, j.spec)
	j.rt.deleteNetworkPolicy(ctx, j.spec)
	return nil
}

func (j *k8sJob) logs(ctx context.Context, podName string) string {
	if podName == "" {
		return ""
	}
	raw, err := j.rt.client.CoreV1().Pods(j.rt.namespace).
		GetLogs(podName, &corev1.PodLogOptions{}).Do(ctx).Raw()
	if err != nil {
		logger := log.WithComponent("k8s-runtime")
		logger.Debug().Err(err).Msg("failed to fetch pod logs")
		return ""
	}
	return string(raw)
}
