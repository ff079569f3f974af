/*
Package runtime provides a uniform interface over container backends for
launching isolated run-to-completion algorithm jobs.

A job is described by a JobSpec: image, environment, the per-run scratch
directory carrying the input/output/token file contract, extra mounts
(session folder, file-based databases), and a network spec that denies all
egress except the node proxy and any bound database. Launch returns a
JobHandle whose Wait blocks until the job is terminal and yields status,
exit code, logs and output bytes; Kill terminates the job and cleans up
its artifacts.

Three backends are provided: Docker (the common single-host setup),
Kubernetes (batch Jobs with hostPath mounts and a per-task NetworkPolicy),
and containerd for hosts running neither.
*/
package runtime
