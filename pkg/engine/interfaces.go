package engine

import (
	"context"
	"time"
)

// Invocation is a single call into a capability provider.
type Invocation struct {
	// Capability is the capability name (e.g. "create-account", "deploy-stack").
	Capability string `json:"capability"`

	// Kind is the kind of the task that produced the invocation.
	Kind TaskKind `json:"kind"`

	// TaskID is the originating task, if any.
	TaskID string `json:"task_id,omitempty"`

	// Account is the target account ID.
	Account string `json:"account,omitempty"`

	// Region is the target region.
	Region string `json:"region,omitempty"`

	// Parameters are the fully resolved parameters.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Deploy carries the stack description for deploy kinds.
	Deploy *DeploySpec `json:"deploy,omitempty"`
}

// StringParam returns a string parameter, or "" when absent or not a string.
func (i Invocation) StringParam(name string) string {
	if v, ok := i.Parameters[name].(string); ok {
		return v
	}
	return ""
}

// StringSliceParam returns a string list parameter.
// Both []string and []interface{} holding strings are accepted.
func (i Invocation) StringSliceParam(name string) []string {
	switch v := i.Parameters[name].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// StringMapParam returns a string map parameter.
// Both map[string]string and map[string]interface{} holding strings are accepted.
func (i Invocation) StringMapParam(name string) map[string]string {
	switch v := i.Parameters[name].(type) {
	case map[string]string:
		return v
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, item := range v {
			if s, ok := item.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}

// MapSliceParam returns a list of string maps, such as the Items of a
// parameter lookup. Plans decoded from JSON carry []interface{} of maps.
func (i Invocation) MapSliceParam(name string) []map[string]string {
	var items []interface{}
	switch v := i.Parameters[name].(type) {
	case []map[string]string:
		return v
	case []map[string]interface{}:
		for _, m := range v {
			items = append(items, m)
		}
	case []interface{}:
		items = v
	default:
		return nil
	}

	out := make([]map[string]string, 0, len(items))
	for _, item := range items {
		inner := Invocation{Parameters: map[string]interface{}{"item": item}}
		if m := inner.StringMapParam("item"); m != nil {
			out = append(out, m)
		}
	}
	return out
}

// CapabilityResult is the successful outcome of an invocation.
type CapabilityResult struct {
	// Outputs are named string outputs recorded in the stage output registry.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Data carries structured results for the caller (e.g. account IDs, status tokens).
	Data map[string]interface{} `json:"data,omitempty"`
}

// CapabilityProvider performs the external work behind every task.
// Implementations return a TransientDependencyError for retryable failures,
// a ResourceConflictError with ErrCodeAlreadyExists for existing resources,
// and any other error for fatal failures.
type CapabilityProvider interface {
	// Name identifies the provider in logs.
	Name() string

	// Invoke runs one capability.
	Invoke(ctx context.Context, inv Invocation) (*CapabilityResult, error)
}

// TaskExecutor executes a single task.
type TaskExecutor interface {
	// Execute runs the task to completion or failure.
	Execute(ctx context.Context, task *Task) (*TaskResult, error)
}

// OutputRegistry carries stage outputs between tasks during a run.
type OutputRegistry interface {
	// Record stores one output value. A key may be written only once.
	Record(ctx context.Context, stage, region, variable, value string) error

	// Resolve reads an output value recorded by an earlier stage.
	Resolve(ctx context.Context, variable, region, stage string) (string, error)
}

// NotificationKind distinguishes success and failure notifications.
type NotificationKind string

const (
	NotificationSuccess NotificationKind = "success"
	NotificationFailure NotificationKind = "failure"
)

// Notification is the payload handed to a notification sink.
type Notification struct {
	// Kind is success or failure.
	Kind NotificationKind `json:"kind"`

	// RunID is the run the notification reports on.
	RunID string `json:"run_id"`

	// State is the failing state for failure notifications.
	State string `json:"state,omitempty"`

	// Cause describes the failure.
	Cause string `json:"cause,omitempty"`

	// ErrorClass is the class of the failure.
	ErrorClass ErrorClass `json:"error_class,omitempty"`

	// Data carries run metadata.
	Data map[string]interface{} `json:"data,omitempty"`

	// Timestamp is when the notification was produced.
	Timestamp time.Time `json:"timestamp"`
}

// NotificationSink delivers success and failure notifications.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}

// EventPublisher publishes run events to subscribers.
type EventPublisher interface {
	Publish(event Event)
}

// RunKind distinguishes provisioning runs from plan runs.
type RunKind string

const (
	RunKindProvision RunKind = "provision"
	RunKindPlan      RunKind = "plan"
)

// Run is a persisted record of one provisioning or plan run.
type Run struct {
	ID          string     `json:"id"`
	Kind        RunKind    `json:"kind"`
	Status      RunStatus  `json:"status"`
	Environment string     `json:"environment,omitempty"`
	State       string     `json:"state,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StateTransition records one step of the provisioning state machine.
type StateTransition struct {
	RunID     string    `json:"run_id"`
	Sequence  int       `json:"sequence"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackedAccount is the local record of an account managed by the organization service.
type TrackedAccount struct {
	Name        string       `json:"name"`
	Email       string       `json:"email"`
	Environment string       `json:"environment"`
	AccountID   string       `json:"account_id,omitempty"`
	OUPath      string       `json:"ou_path,omitempty"`
	State       AccountState `json:"state"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// RunStore persists run history.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	RecordTransition(ctx context.Context, t *StateTransition) error
	ListTransitions(ctx context.Context, runID string) ([]*StateTransition, error)

	SaveTaskResult(ctx context.Context, runID string, result *TaskResult) error
	ListTaskResults(ctx context.Context, runID string) ([]*TaskResult, error)

	UpsertAccount(ctx context.Context, account *TrackedAccount) error
	ListAccounts(ctx context.Context) ([]*TrackedAccount, error)

	Close() error
}
