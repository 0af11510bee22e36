package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a provisioning or plan run.
type RunStatus string

const (
	// RunStatusPending indicates the run is queued but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates the run reached its success terminal state.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run went through the failure path.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// TaskStatus represents the status of a task during plan execution.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting for its run-order level.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusRunning indicates the task is currently executing.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusSucceeded indicates the task completed successfully.
	TaskStatusSucceeded TaskStatus = "succeeded"

	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusSkipped indicates the task never ran because the stage aborted.
	TaskStatusSkipped TaskStatus = "skipped"
)

// IsTerminal returns true if the task status represents a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusSkipped
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSucceeded,
		TaskStatusFailed, TaskStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// AccountState is the lifecycle state of a tracked account.
type AccountState string

const (
	AccountPending AccountState = "Pending"
	AccountCreated AccountState = "Created"
	AccountInvited AccountState = "Invited"
	AccountActive  AccountState = "Active"
)

// Rank orders account states so transitions can be checked for forward progress.
func (s AccountState) Rank() int {
	switch s {
	case AccountPending:
		return 0
	case AccountCreated:
		return 1
	case AccountInvited:
		return 2
	case AccountActive:
		return 3
	default:
		return -1
	}
}

// Validate checks if the account state is valid.
func (s AccountState) Validate() error {
	if s.Rank() < 0 {
		return fmt.Errorf("invalid account state: %s", s)
	}
	return nil
}

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a run has completed.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRunFailed indicates a run has failed.
	EventTypeRunFailed EventType = "run_failed"

	// EventTypeStateEntered indicates the state machine entered a state.
	EventTypeStateEntered EventType = "state_entered"

	// EventTypeStateRetried indicates a state attempt failed and will be retried.
	EventTypeStateRetried EventType = "state_retried"

	// EventTypeStageStarted indicates a plan stage has started.
	EventTypeStageStarted EventType = "stage_started"

	// EventTypeStageCompleted indicates a plan stage has completed.
	EventTypeStageCompleted EventType = "stage_completed"

	// EventTypeTaskStarted indicates a task has started execution.
	EventTypeTaskStarted EventType = "task_started"

	// EventTypeTaskCompleted indicates a task has completed successfully.
	EventTypeTaskCompleted EventType = "task_completed"

	// EventTypeTaskFailed indicates a task has failed.
	EventTypeTaskFailed EventType = "task_failed"

	// EventTypeAccountChanged indicates a tracked account changed state.
	EventTypeAccountChanged EventType = "account_changed"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeTaskFailed:
		return "error"
	case EventTypeWarning, EventTypeStateRetried:
		return "warning"
	default:
		return "info"
	}
}
