// Package docker implements the C6 dev-mode dispatcher: one container per
// evaluation via the local Docker daemon, for environments with no
// Kubernetes cluster available. It mirrors the k8s dispatcher's resource
// limits and read-only rootfs but cannot provide gVisor-grade isolation,
// so SandboxEnforced is always false. Only active when
// Config.AllowSandboxFallback is set. Grounded on the teacher's own use of
// github.com/docker/docker's container types and github.com/docker/go-connections/nat
// in its Redpanda container pool, generalized from test-container lifecycle
// management to the C6 execute/poll/cancel dispatcher contract.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/evalplane/evalplane/internal/domain"
)

const labelEvalID = "evalplane.eval-id"

// dockerAPI is the slice of the Docker client this dispatcher depends on,
// narrowed to allow a fake in tests without a live daemon. clientAdapter
// implements it over a real *dockerclient.Client.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, containerName string) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (dockertypes.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
}

// clientAdapter narrows *dockerclient.Client to dockerAPI, always passing
// nil networking config and platform (the evaluation sandbox needs
// neither).
type clientAdapter struct{ cli *dockerclient.Client }

func (a clientAdapter) ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, containerName string) (containertypes.CreateResponse, error) {
	return a.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
}

func (a clientAdapter) ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error {
	return a.cli.ContainerStart(ctx, containerID, options)
}

func (a clientAdapter) ContainerInspect(ctx context.Context, containerID string) (dockertypes.ContainerJSON, error) {
	return a.cli.ContainerInspect(ctx, containerID)
}

func (a clientAdapter) ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error) {
	return a.cli.ContainerLogs(ctx, containerID, options)
}

func (a clientAdapter) ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error {
	return a.cli.ContainerStop(ctx, containerID, options)
}

func (a clientAdapter) ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error {
	return a.cli.ContainerRemove(ctx, containerID, options)
}

// Dispatcher runs each evaluation in its own short-lived Docker container.
type Dispatcher struct {
	cli             dockerAPI
	imageRepoPrefix string
}

var tracer = otel.Tracer("dispatcher.docker")

// New builds a Dispatcher against the local Docker daemon (DOCKER_HOST and
// friends resolved from the environment, matching the docker CLI).
func New(imageRepoPrefix string) (*Dispatcher, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.docker.new: %w", err)
	}
	return &Dispatcher{cli: clientAdapter{cli: cli}, imageRepoPrefix: imageRepoPrefix}, nil
}

// NewWithClient builds a Dispatcher around a dockerAPI implementation, for
// tests.
func NewWithClient(cli dockerAPI, imageRepoPrefix string) *Dispatcher {
	return &Dispatcher{cli: cli, imageRepoPrefix: imageRepoPrefix}
}

// Execute creates and starts a container for item, returning its ID as the
// executorID.
func (d *Dispatcher) Execute(ctx context.Context, item domain.QueueItem) (string, error) {
	ctx, span := tracer.Start(ctx, "docker.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("eval_id", item.EvalID))

	image := fmt.Sprintf("%s/%s:latest", d.imageRepoPrefix, item.Language)
	limits := item.Resources
	if limits.CPUMillis <= 0 && limits.MemoryMiB <= 0 {
		limits = domain.DefaultResourceLimits()
	}

	containerCfg := &containertypes.Config{
		Image: image,
		Env:   []string{"EVAL_CODE=" + item.Code, "EVAL_ID=" + item.EvalID},
		Cmd:   []string{"/runtime/entrypoint"},
		Labels: map[string]string{
			labelEvalID: item.EvalID,
		},
	}
	hostCfg := &containertypes.HostConfig{
		AutoRemove:     false,
		ReadonlyRootfs: true,
		Resources: containertypes.Resources{
			NanoCPUs: limits.CPUMillis * 1_000_000, // millicores -> nanocpus
			Memory:   limits.MemoryMiB * 1024 * 1024,
		},
		SecurityOpt: []string{"no-new-privileges"},
	}

	created, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, containerName(item.EvalID))
	if err != nil {
		return "", fmt.Errorf("op=dispatcher.docker.execute: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		return "", fmt.Errorf("op=dispatcher.docker.execute: %w", err)
	}
	return created.ID, nil
}

// Poll inspects the container; ok reports whether it has exited.
func (d *Dispatcher) Poll(ctx context.Context, executorID string) (domain.ExecutionResult, bool, error) {
	ctx, span := tracer.Start(ctx, "docker.Poll")
	defer span.End()
	span.SetAttributes(attribute.String("executor_id", executorID))

	inspect, err := d.cli.ContainerInspect(ctx, executorID)
	if err != nil {
		return domain.ExecutionResult{}, false, fmt.Errorf("op=dispatcher.docker.poll: %w", err)
	}
	if inspect.State == nil || inspect.State.Status != "exited" {
		return domain.ExecutionResult{}, false, nil
	}

	output := d.fetchLogs(ctx, executorID)
	exitCode := inspect.State.ExitCode
	if exitCode == 0 {
		return domain.ExecutionResult{Status: domain.StatusCompleted, Output: output, ExitCode: &exitCode}, true, nil
	}
	if inspect.State.OOMKilled {
		return domain.ExecutionResult{
			Status:       domain.StatusFailed,
			Output:       output,
			ExitCode:     &exitCode,
			ErrorKind:    "resource_exceeded",
			ErrorMessage: "evaluation process was killed for exceeding its memory limit",
		}, true, nil
	}
	return domain.ExecutionResult{
		Status:       domain.StatusFailed,
		Output:       output,
		ExitCode:     &exitCode,
		ErrorKind:    "runtime_failure",
		ErrorMessage: fmt.Sprintf("evaluation process exited with code %d", exitCode),
	}, true, nil
}

const (
	logFetchRetries       = 3
	logFetchRetryInterval = 200 * time.Millisecond
)

// fetchLogs retries briefly for fast-exiting containers whose log buffer
// had not yet flushed to the daemon.
func (d *Dispatcher) fetchLogs(ctx context.Context, executorID string) string {
	var last []byte
	for attempt := 0; attempt < logFetchRetries; attempt++ {
		reader, err := d.cli.ContainerLogs(ctx, executorID, containertypes.LogsOptions{ShowStdout: true, ShowStderr: true})
		if err == nil {
			var stdout, stderr writeBuffer
			_, _ = stdcopy.StdCopy(&stdout, &stderr, reader)
			_ = reader.Close()
			combined := append(stdout.buf, stderr.buf...)
			if len(combined) > 0 {
				return string(combined)
			}
			last = combined
		}
		time.Sleep(logFetchRetryInterval)
	}
	return string(last)
}

type writeBuffer struct{ buf []byte }

func (w *writeBuffer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

var _ io.Writer = (*writeBuffer)(nil)

// Cancel stops and removes the container.
func (d *Dispatcher) Cancel(ctx context.Context, executorID string) error {
	ctx, span := tracer.Start(ctx, "docker.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("executor_id", executorID))

	timeout := 1
	if err := d.cli.ContainerStop(ctx, executorID, containertypes.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop container during cancel, attempting removal anyway", slog.String("executor_id", executorID), slog.Any("error", err))
	}
	if err := d.cli.ContainerRemove(ctx, executorID, containertypes.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("op=dispatcher.docker.cancel: %w", err)
	}
	return nil
}

func containerName(evalID string) string {
	return "evalplane-eval-" + evalID
}

var _ domain.Dispatcher = (*Dispatcher)(nil)
