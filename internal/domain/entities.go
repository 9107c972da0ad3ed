// Package domain defines core entities, ports, and domain-specific errors
// shared by every component of the evaluation platform.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). Adapters wrap these with fmt.Errorf("op=...: %w", ...)
// and the HTTP edge maps them back to status codes and wire error kinds.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrRateLimited        = errors.New("rate limited")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrClusterUnavailable = errors.New("cluster unavailable")
	ErrNoImage            = errors.New("no runtime image available")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrBrokerUnavailable  = errors.New("broker unavailable")
	ErrInternal           = errors.New("internal error")
)

// Status is the evaluation lifecycle state.
type Status string

// Evaluation lifecycle states.
const (
	StatusSubmitted    Status = "submitted"
	StatusQueued       Status = "queued"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether s is a terminal, sticky status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// precedence orders non-terminal statuses; terminal statuses all outrank
// every non-terminal status and are mutually exclusive (first arriver wins).
var precedence = map[Status]int{
	StatusSubmitted:    0,
	StatusQueued:       1,
	StatusProvisioning: 2,
	StatusRunning:      3,
}

// Precedence returns a sortable rank for non-terminal statuses. Terminal
// statuses return a rank higher than any non-terminal one.
func (s Status) Precedence() int {
	if s.Terminal() {
		return 100
	}
	return precedence[s]
}

// Priority is the queue priority class requested at submission.
type Priority string

// Priority classes, fed into the weighted asynq server queues.
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// EventKind enumerates the lifecycle transitions published on the event bus.
type EventKind string

// Event kinds, one per channel/topic.
const (
	EventSubmitted    EventKind = "evaluation:submitted"
	EventQueued       EventKind = "evaluation:queued"
	EventProvisioning EventKind = "evaluation:provisioning"
	EventRunning      EventKind = "evaluation:running"
	EventCompleted    EventKind = "evaluation:completed"
	EventFailed       EventKind = "evaluation:failed"
	EventTimeout      EventKind = "evaluation:timeout"
	EventCancelled    EventKind = "evaluation:cancelled"
	EventDLQ          EventKind = "evaluation:dlq"
)

// Size/resource limits, see SPEC_FULL.md §3/§6.
const (
	MaxCodeSizeBytes      = 1 << 20 // 1 MiB
	DefaultTimeoutSeconds = 30
	MaxTimeoutSeconds     = 600
	MaxConcurrentEvals    = 20
	BlobThresholdBytes    = 1 << 20 // 1 MiB
	PreviewBytes          = 1024
)

// ResourceLimits bounds a single evaluation's container/Job resources.
type ResourceLimits struct {
	CPUMillis int64
	MemoryMiB int64
}

// DefaultResourceLimits returns the platform default when a submission omits limits.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{CPUMillis: 500, MemoryMiB: 256}
}

// Evaluation is the canonical evaluation record. The storage-projection
// worker is the sole writer of Status; every other component treats it as
// read-only once persisted.
type Evaluation struct {
	ID              string
	Status          Status
	Language        string
	Code            string
	TimeoutSeconds  int
	Priority        Priority
	Resources       ResourceLimits
	Output          string // inline when small; empty when offloaded to blob store
	OutputPreview   string // first PreviewBytes, UTF-8-safe truncated
	OutputBlobKey   string // set when Output was offloaded
	ExitCode        *int   // nil while status is non-terminal, or cancelled before running
	ErrorKind       string
	ErrorMessage    string
	ExecutorID      string // opaque Job/container identity assigned by the dispatcher
	SandboxEnforced bool
	SubmittedAt     time.Time
	StartedAt       *time.Time // set on the first transition into running
	TerminatedAt    *time.Time // set once a terminal status is reached
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// EvaluationEvent is an immutable entry in an evaluation's event log.
type EvaluationEvent struct {
	EventID   string
	EvalID    string
	Kind      EventKind
	At        time.Time
	Producer  string
	Payload   map[string]any
	Anomaly   bool
}

// QueueItem is the payload handed to the task queue for one evaluation run.
type QueueItem struct {
	EvalID         string
	Language       string
	Code           string
	TimeoutSeconds int
	Priority       Priority
	Resources      ResourceLimits
	RequestID      string
	Attempt        int
}

// DLQRecord captures an evaluation that exhausted its retry budget.
type DLQRecord struct {
	EvalID          string
	OriginalPayload QueueItem
	Attempts        int
	FinalErrorKind  string
	FinalError      string
	MovedToDLQAt    time.Time
}

// Ports

// StorageClient is the C2 storage-service contract consumed by every other component.
type StorageClient interface {
	CreateEvaluation(ctx context.Context, e Evaluation) (Evaluation, error)
	GetEvaluation(ctx context.Context, id string) (Evaluation, error)
	// UpdateEvaluation applies a check-and-set transition: the update only
	// commits if the stored status still equals expectedStatus, or
	// expectedStatus is "" to skip the check.
	UpdateEvaluation(ctx context.Context, id string, expectedStatus Status, patch func(*Evaluation)) (Evaluation, error)
	ListEvaluations(ctx context.Context, limit, offset int) ([]Evaluation, error)
	RunningEvaluations(ctx context.Context) ([]Evaluation, error)
	BulkCreate(ctx context.Context, evals []Evaluation) ([]Evaluation, error)
	SoftDelete(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) error
	Statistics(ctx context.Context) (map[string]int64, error)
	AppendEvent(ctx context.Context, ev EvaluationEvent) error
	GetEvents(ctx context.Context, evalID string) ([]EvaluationEvent, error)
}

// EventBus is the C3 pub/sub contract.
type EventBus interface {
	Publish(ctx context.Context, ev EvaluationEvent) error
	Subscribe(ctx context.Context, kinds []EventKind, handler func(context.Context, EvaluationEvent) error) error
	Close() error
}

// Queue is the C4 task-queue contract.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) (string, error)
	Cancel(ctx context.Context, evalID string) error
}

// ExecutionResult is returned by a Dispatcher once a workload reaches a terminal state.
type ExecutionResult struct {
	Status          Status
	Output          string
	ExitCode        *int // nil when the workload never reported one (e.g. cancelled pre-run)
	ErrorKind       string
	ErrorMessage    string
	SandboxEnforced bool
}

// Dispatcher is the C6 contract: create, watch, and tear down one workload per evaluation.
type Dispatcher interface {
	// Execute creates the workload and returns an opaque executor ID immediately.
	Execute(ctx context.Context, item QueueItem) (executorID string, err error)
	// Poll returns the current terminal result, or ok=false while still running.
	Poll(ctx context.Context, executorID string) (result ExecutionResult, ok bool, err error)
	// Cancel tears down a running workload.
	Cancel(ctx context.Context, executorID string) error
}

// BlobStore is the large-output offload backend used by the storage service.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context
