// Package k8s implements the production evaluation dispatcher: one
// batchv1.Job per evaluation, isolated by a gVisor RuntimeClass and a
// default-deny NetworkPolicy. Grounded on AMD-AGI-Primus-SaFE's
// cd.Service job-creation and polling pattern, generalized from a
// fixed deployment image to a per-language runtime image and from a
// single blocking wait to the poll-driven domain.Dispatcher contract.
package k8s

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/evalplane/evalplane/internal/domain"
)

const (
	containerName         = "eval"
	labelEvalID           = "evalplane.io/eval-id"
	logFetchRetries       = 3
	logFetchRetryInterval = 200 * time.Millisecond
)

// Dispatcher runs one Kubernetes Job per evaluation and reports back via
// domain.Dispatcher's poll contract. SandboxEnforced is true exactly when a
// RuntimeClass (e.g. gVisor) is configured for the evaluation pods.
type Dispatcher struct {
	clientSet        kubernetes.Interface
	namespace        string
	runtimeClassName string
	imageRepoPrefix  string
	jobTTLSeconds    int32
}

// New builds a Dispatcher from kubeconfig (empty string selects in-cluster
// config) and the C6 cluster settings.
func New(kubeconfig, namespace, runtimeClassName, imageRepoPrefix string, jobTTLSeconds int32) (*Dispatcher, error) {
	restCfg, err := loadRESTConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.k8s.new: %w", err)
	}
	clientSet, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.k8s.new: %w", err)
	}
	return NewWithClient(clientSet, namespace, runtimeClassName, imageRepoPrefix, jobTTLSeconds), nil
}

// NewWithClient builds a Dispatcher around an existing clientSet, primarily
// for tests (fake.NewSimpleClientset).
func NewWithClient(clientSet kubernetes.Interface, namespace, runtimeClassName, imageRepoPrefix string, jobTTLSeconds int32) *Dispatcher {
	return &Dispatcher{
		clientSet:        clientSet,
		namespace:        namespace,
		runtimeClassName: runtimeClassName,
		imageRepoPrefix:  imageRepoPrefix,
		jobTTLSeconds:    jobTTLSeconds,
	}
}

var tracer = otel.Tracer("dispatcher.k8s")

// Execute creates a Job for item and returns the job name as executorID.
func (d *Dispatcher) Execute(ctx context.Context, item domain.QueueItem) (string, error) {
	ctx, span := tracer.Start(ctx, "k8s.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("eval_id", item.EvalID))

	if err := d.ensureNetworkPolicy(ctx); err != nil {
		slog.Warn("failed to ensure default-deny network policy, continuing", slog.Any("error", err))
	}

	image, err := d.resolveImage(ctx, item.Language)
	if err != nil {
		return "", fmt.Errorf("op=dispatcher.k8s.execute: %w", err)
	}

	jobName := jobNameFor(item.EvalID)
	job := d.buildJob(jobName, image, item)

	if _, err := d.clientSet.BatchV1().Jobs(d.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return jobName, nil
		}
		return "", fmt.Errorf("op=dispatcher.k8s.execute: %w", err)
	}
	return jobName, nil
}

func (d *Dispatcher) buildJob(jobName, image string, item domain.QueueItem) *batchv1.Job {
	limits, requests := resourceLists(item.Resources)
	nonRoot := true
	readOnlyRoot := true
	var runtimeClass *string
	if d.runtimeClassName != "" {
		runtimeClass = ptr.To(d.runtimeClassName)
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: d.namespace,
			Labels:    map[string]string{labelEvalID: item.EvalID},
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: ptr.To(d.jobTTLSeconds),
			BackoffLimit:            ptr.To(int32(0)),
			ActiveDeadlineSeconds:   ptr.To(int64(item.TimeoutSeconds)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{labelEvalID: item.EvalID},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:                 corev1.RestartPolicyNever,
					RuntimeClassName:              runtimeClass,
					TerminationGracePeriodSeconds: ptr.To(int64(1)),
					AutomountServiceAccountToken:  ptr.To(false),
					SecurityContext: &corev1.PodSecurityContext{
						RunAsNonRoot: &nonRoot,
					},
					Containers: []corev1.Container{
						{
							Name:    containerName,
							Image:   image,
							Command: []string{"/runtime/entrypoint"},
							Env: []corev1.EnvVar{
								{Name: "EVAL_CODE", Value: item.Code},
								{Name: "EVAL_ID", Value: item.EvalID},
							},
							Resources: corev1.ResourceRequirements{
								Limits:   limits,
								Requests: requests,
							},
							SecurityContext: &corev1.SecurityContext{
								RunAsNonRoot:             &nonRoot,
								ReadOnlyRootFilesystem:   &readOnlyRoot,
								AllowPrivilegeEscalation: ptr.To(false),
								Capabilities: &corev1.Capabilities{
									Drop: []corev1.Capability{"ALL"},
								},
							},
						},
					},
				},
			},
		},
	}
}

func resourceLists(limits domain.ResourceLimits) (corev1.ResourceList, corev1.ResourceList) {
	if limits.CPUMillis <= 0 && limits.MemoryMiB <= 0 {
		limits = domain.DefaultResourceLimits()
	}
	cpu := resource.NewMilliQuantity(limits.CPUMillis, resource.DecimalSI)
	mem := resource.NewQuantity(limits.MemoryMiB*1024*1024, resource.BinarySI)
	rl := corev1.ResourceList{
		corev1.ResourceCPU:    *cpu,
		corev1.ResourceMemory: *mem,
	}
	return rl, rl
}

// Poll checks the job's current phase. ok reports whether the job reached a
// terminal state; when it has, result carries the final status and output.
func (d *Dispatcher) Poll(ctx context.Context, executorID string) (domain.ExecutionResult, bool, error) {
	ctx, span := tracer.Start(ctx, "k8s.Poll")
	defer span.End()
	span.SetAttributes(attribute.String("executor_id", executorID))

	job, err := d.clientSet.BatchV1().Jobs(d.namespace).Get(ctx, executorID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return domain.ExecutionResult{}, false, fmt.Errorf("op=dispatcher.k8s.poll: job %s not found", executorID)
		}
		return domain.ExecutionResult{}, false, fmt.Errorf("op=dispatcher.k8s.poll: %w", err)
	}

	switch {
	case job.Status.Succeeded > 0:
		output := d.fetchLogs(ctx, executorID)
		exitCode := d.fetchExitCode(ctx, executorID)
		return domain.ExecutionResult{Status: domain.StatusCompleted, Output: output, ExitCode: exitCode, SandboxEnforced: d.runtimeClassName != ""}, true, nil
	case job.Status.Failed > 0:
		output := d.fetchLogs(ctx, executorID)
		exitCode := d.fetchExitCode(ctx, executorID)
		kind, msg := classifyFailure(job)
		return domain.ExecutionResult{
			Status:          kind,
			Output:          output,
			ExitCode:        exitCode,
			ErrorKind:       "runtime_failure",
			ErrorMessage:    msg,
			SandboxEnforced: d.runtimeClassName != "",
		}, true, nil
	default:
		return domain.ExecutionResult{}, false, nil
	}
}

func classifyFailure(job *batchv1.Job) (domain.Status, string) {
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Reason == "DeadlineExceeded" {
			return domain.StatusTimeout, "evaluation exceeded its time budget"
		}
	}
	return domain.StatusFailed, "evaluation process exited non-zero"
}

// fetchLogs retrieves the pod's stdout+stderr, retrying briefly for
// fast-exiting workloads whose log stream had not yet flushed. An empty
// read after all retries is reported as empty output, not as an error.
func (d *Dispatcher) fetchLogs(ctx context.Context, jobName string) string {
	podName, err := d.podForJob(ctx, jobName)
	if err != nil {
		slog.Warn("could not locate pod for job, returning empty output", slog.String("job", jobName), slog.Any("error", err))
		return ""
	}

	var last []byte
	for attempt := 0; attempt < logFetchRetries; attempt++ {
		req := d.clientSet.CoreV1().Pods(d.namespace).GetLogs(podName, &corev1.PodLogOptions{Container: containerName})
		stream, err := req.Stream(ctx)
		if err == nil {
			data, readErr := io.ReadAll(stream)
			_ = stream.Close()
			if readErr == nil && len(data) > 0 {
				return string(data)
			}
			last = data
		}
		time.Sleep(logFetchRetryInterval)
	}
	return string(last)
}

// fetchExitCode reads the evaluation container's terminated exit code from
// its pod status. Returns nil if the pod or its terminated state cannot be
// found (e.g. the pod was already garbage-collected), matching the spec's
// requirement that a missing value be represented as null, not zero.
func (d *Dispatcher) fetchExitCode(ctx context.Context, jobName string) *int {
	pods, err := d.clientSet.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil || len(pods.Items) == 0 {
		return nil
	}
	for _, cs := range pods.Items[0].Status.ContainerStatuses {
		if cs.Name != containerName {
			continue
		}
		if cs.State.Terminated != nil {
			code := int(cs.State.Terminated.ExitCode)
			return &code
		}
	}
	return nil
}

func (d *Dispatcher) podForJob(ctx context.Context, jobName string) (string, error) {
	pods, err := d.clientSet.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return "", err
	}
	if len(pods.Items) == 0 {
		return "", fmt.Errorf("no pod found for job %s", jobName)
	}
	return pods.Items[0].Name, nil
}

// Cancel deletes the Job and its pods (Kubernetes cascades by default via
// the foreground/background GC policy implied by OwnerReferences).
func (d *Dispatcher) Cancel(ctx context.Context, executorID string) error {
	ctx, span := tracer.Start(ctx, "k8s.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("executor_id", executorID))

	propagation := metav1.DeletePropagationBackground
	err := d.clientSet.BatchV1().Jobs(d.namespace).Delete(ctx, executorID, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("op=dispatcher.k8s.cancel: %w", err)
	}
	return nil
}

func jobNameFor(evalID string) string {
	id := strings.ToLower(evalID)
	if len(id) > 50 {
		id = id[:50]
	}
	return "eval-" + id
}

// resolveImage lists node images advertised on the cluster and, among the
// tags under imageRepoPrefix for the evaluation's language runtime, picks the
// greatest in string order, taking "latest" only when no other tag is
// present. Falls back to "<prefix>/<language>:latest" when no
// matching image is found on any node (e.g. a single-node test cluster, or
// the image has not yet been pulled anywhere).
func (d *Dispatcher) resolveImage(ctx context.Context, language string) (string, error) {
	repo := fmt.Sprintf("%s/%s", d.imageRepoPrefix, language)

	nodes, err := d.clientSet.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return repo + ":latest", nil
	}

	var tags []string
	for _, node := range nodes.Items {
		for _, img := range node.Status.Images {
			for _, name := range img.Names {
				if strings.HasPrefix(name, repo+":") {
					tags = append(tags, strings.TrimPrefix(name, repo+":"))
				}
			}
		}
	}
	if len(tags) == 0 {
		return repo + ":latest", nil
	}
	sort.Strings(tags)
	for i := len(tags) - 1; i >= 0; i-- {
		if tags[i] != "latest" {
			return fmt.Sprintf("%s:%s", repo, tags[i]), nil
		}
	}
	return repo + ":latest", nil
}

// ensureNetworkPolicy applies a default-deny NetworkPolicy to the
// evaluation namespace, idempotently.
func (d *Dispatcher) ensureNetworkPolicy(ctx context.Context) error {
	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "evalplane-default-deny",
			Namespace: d.namespace,
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress},
		},
	}
	_, err := d.clientSet.NetworkingV1().NetworkPolicies(d.namespace).Create(ctx, policy, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return err
	}
	return nil
}

var _ domain.Dispatcher = (*Dispatcher)(nil)
