package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TaskObserver is notified after every executed task.
type TaskObserver interface {
	ObserveTask(task *Task, result *TaskResult)
}

// RunSummary provides statistics about a plan run.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// PlanRun is the outcome of running a plan.
type PlanRun struct {
	ID          string        `json:"id"`
	PlanID      string        `json:"plan_id"`
	Pipeline    string        `json:"pipeline"`
	Status      RunStatus     `json:"status"`
	Results     []*TaskResult `json:"results"`
	Summary     RunSummary    `json:"summary"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Runner executes plans stage by stage and run-order level by run-order level.
// Tasks that share a run order are executed concurrently on a bounded worker pool.
type Runner struct {
	// maxParallel is the maximum number of concurrent workers
	maxParallel int

	// executor runs individual tasks
	executor TaskExecutor

	// events publishes execution events
	events EventPublisher

	// store persists runs and task results
	store RunStore

	// observers receive every task result
	observers []TaskObserver

	logger zerolog.Logger

	// mu protects the status map during execution
	mu sync.Mutex

	// taskStatus tracks the current status of each task
	taskStatus map[string]TaskStatus
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMaxParallel bounds the number of concurrently executing tasks.
func WithMaxParallel(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxParallel = n
		}
	}
}

// WithEventPublisher sets the publisher for run and task events.
func WithEventPublisher(p EventPublisher) RunnerOption {
	return func(r *Runner) { r.events = p }
}

// WithRunStore persists the run and every task result.
func WithRunStore(s RunStore) RunnerOption {
	return func(r *Runner) { r.store = s }
}

// WithTaskObserver registers an observer for task results.
func WithTaskObserver(o TaskObserver) RunnerOption {
	return func(r *Runner) { r.observers = append(r.observers, o) }
}

// WithLogger sets the runner logger.
func WithLogger(l zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a new plan runner.
func NewRunner(executor TaskExecutor, opts ...RunnerOption) *Runner {
	r := &Runner{
		maxParallel: 10,
		executor:    executor,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the plan. The first failed task aborts the plan; tasks that
// never started are reported as skipped.
func (r *Runner) Run(ctx context.Context, plan *Plan) (*PlanRun, error) {
	if plan == nil {
		return nil, NewConfigurationError("plan is nil", nil)
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}

	run := &PlanRun{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		Pipeline:  plan.Pipeline,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}

	r.mu.Lock()
	r.taskStatus = make(map[string]TaskStatus, plan.TaskCount())
	for _, t := range plan.Tasks() {
		r.taskStatus[t.ID] = TaskStatusPending
	}
	r.mu.Unlock()

	record := &Run{
		ID:          run.ID,
		Kind:        RunKindPlan,
		Status:      RunStatusRunning,
		Environment: plan.Environment,
		State:       plan.Pipeline,
		StartedAt:   run.StartedAt,
	}
	if r.store != nil {
		if err := r.store.CreateRun(ctx, record); err != nil {
			return nil, fmt.Errorf("failed to save run: %w", err)
		}
	}

	r.logger.Info().
		Str("run_id", run.ID).
		Str("pipeline", plan.Pipeline).
		Int("stages", len(plan.Stages)).
		Int("tasks", plan.TaskCount()).
		Msg("Starting plan run")
	r.publishEvent(run.ID, "", EventTypeRunStarted, "Run started: "+plan.Pipeline, nil)

	results, runErr := r.executeStages(ctx, run.ID, plan)
	run.Results = results
	run.CompletedAt = time.Now()

	r.mu.Lock()
	run.Summary = r.calculateRunSummary(plan)
	r.mu.Unlock()

	record.CompletedAt = &run.CompletedAt
	if runErr != nil {
		run.Status = RunStatusFailed
		record.Error = runErr.Error()
		r.publishEvent(run.ID, "", EventTypeRunFailed, fmt.Sprintf("Run failed: %v", runErr), nil)
		r.logger.Error().Err(runErr).Str("run_id", run.ID).Msg("Plan run failed")
	} else {
		run.Status = RunStatusSucceeded
		r.publishEvent(run.ID, "", EventTypeRunCompleted, "Run completed successfully", nil)
		r.logger.Info().Str("run_id", run.ID).Dur("duration", run.CompletedAt.Sub(run.StartedAt)).Msg("Plan run completed")
	}
	record.Status = run.Status

	if r.store != nil {
		if err := r.store.UpdateRun(ctx, record); err != nil {
			return run, fmt.Errorf("failed to save final run state: %w", err)
		}
	}

	return run, runErr
}

// executeStages runs every stage in order and stops at the first failure.
func (r *Runner) executeStages(ctx context.Context, runID string, plan *Plan) ([]*TaskResult, error) {
	results := make([]*TaskResult, 0, plan.TaskCount())

	for si := range plan.Stages {
		stage := &plan.Stages[si]
		r.publishEvent(runID, "", EventTypeStageStarted, "Stage started: "+stage.Name, nil)

		for _, level := range stage.Levels() {
			if err := ctx.Err(); err != nil {
				r.markRemainingSkipped(plan)
				return results, NewExecutionError("run cancelled", err).WithCode(ErrCodeCancelled)
			}

			levelResults, err := r.executeLevel(ctx, runID, level)
			results = append(results, levelResults...)
			if err != nil {
				r.markRemainingSkipped(plan)
				return results, fmt.Errorf("stage %s run order %d failed: %w", stage.Name, level[0].RunOrder, err)
			}
		}

		r.publishEvent(runID, "", EventTypeStageCompleted, "Stage completed: "+stage.Name, nil)
	}
	return results, nil
}

// executeLevel executes all tasks sharing one run order using a worker pool.
func (r *Runner) executeLevel(ctx context.Context, runID string, tasks []*Task) ([]*TaskResult, error) {
	workerCount := r.maxParallel
	if len(tasks) < workerCount {
		workerCount = len(tasks)
	}

	workQueue := make(chan *Task, len(tasks))
	for _, t := range tasks {
		workQueue <- t
	}
	close(workQueue)

	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		failed  bool
		results = make([]*TaskResult, 0, len(tasks))
		errChan = make(chan error, len(tasks))
	)

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for task := range workQueue {
				resMu.Lock()
				stop := failed
				resMu.Unlock()
				if stop {
					continue
				}

				result, err := r.executeTask(ctx, runID, task)

				resMu.Lock()
				results = append(results, result)
				if err != nil {
					failed = true
				}
				resMu.Unlock()

				if err != nil {
					errChan <- fmt.Errorf("task %s failed: %w", task.ID, err)
				}
			}
		}()
	}

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return results, errs[0]
	}
	return results, nil
}

// executeTask executes one task and records its outcome.
func (r *Runner) executeTask(ctx context.Context, runID string, task *Task) (*TaskResult, error) {
	r.updateTaskStatus(task.ID, TaskStatusRunning)
	r.publishEvent(runID, task.ID, EventTypeTaskStarted, "Started "+task.Name, map[string]interface{}{
		"kind":      string(task.Kind),
		"region":    task.Region,
		"run_order": task.RunOrder,
	})

	startTime := time.Now()
	result, err := r.executor.Execute(ctx, task)
	if result == nil {
		result = &TaskResult{
			TaskID:      task.ID,
			StartedAt:   startTime,
			CompletedAt: time.Now(),
			Duration:    time.Since(startTime),
		}
	}

	if err != nil {
		result.Status = TaskStatusFailed
		if result.Error == nil {
			result.Error = classifyError(err)
		}
		r.updateTaskStatus(task.ID, TaskStatusFailed)
		r.publishEvent(runID, task.ID, EventTypeTaskFailed, fmt.Sprintf("Failed %s: %v", task.Name, err), nil)
	} else {
		result.Status = TaskStatusSucceeded
		r.updateTaskStatus(task.ID, TaskStatusSucceeded)
		r.publishEvent(runID, task.ID, EventTypeTaskCompleted, "Completed "+task.Name, nil)
	}

	for _, o := range r.observers {
		o.ObserveTask(task, result)
	}

	if r.store != nil {
		if saveErr := r.store.SaveTaskResult(ctx, runID, result); saveErr != nil {
			r.logger.Warn().Err(saveErr).Str("task_id", task.ID).Msg("Failed to persist task result")
		}
	}

	return result, err
}

// classifyError converts a regular error to an EngineError.
func classifyError(err error) *EngineError {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	return NewExecutionError("task failed", err)
}

func (r *Runner) updateTaskStatus(taskID string, status TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskStatus[taskID] = status
}

// markRemainingSkipped marks every task that never started as skipped.
func (r *Runner) markRemainingSkipped(plan *Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range plan.Tasks() {
		if r.taskStatus[t.ID] == TaskStatusPending {
			r.taskStatus[t.ID] = TaskStatusSkipped
		}
	}
}

// calculateRunSummary calculates the final run summary statistics.
func (r *Runner) calculateRunSummary(plan *Plan) RunSummary {
	summary := RunSummary{Total: plan.TaskCount()}
	for _, t := range plan.Tasks() {
		switch r.taskStatus[t.ID] {
		case TaskStatusSucceeded:
			summary.Succeeded++
		case TaskStatusFailed:
			summary.Failed++
		case TaskStatusSkipped, TaskStatusPending:
			summary.Skipped++
		}
	}
	return summary
}

// publishEvent publishes an execution event.
func (r *Runner) publishEvent(runID, taskID string, eventType EventType, message string, data map[string]interface{}) {
	if r.events == nil {
		return
	}
	r.events.Publish(Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		TaskID:    taskID,
		Message:   message,
		Level:     eventType.Severity(),
		Data:      data,
	})
}
