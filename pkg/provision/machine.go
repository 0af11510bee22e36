package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/govframe/pkg/config"
	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/telemetry"
	"github.com/openfroyo/govframe/pkg/topology"
)

// Caller invokes a single capability outside of a plan.
// *executor.Executor implements it.
type Caller interface {
	Call(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error)
}

// Deployer carries out the DeployFramework state. The returned data is added
// to the success notification.
type Deployer interface {
	Deploy(ctx context.Context, runID string) (map[string]interface{}, error)
}

// Result is the outcome of one provisioning run.
type Result struct {
	RunID string

	// State is the terminal state: NotifySuccess or Failed.
	State State

	// FailedState is the state that routed the run to NotifyFailure.
	FailedState State

	// Err is the cause of a failed run.
	Err error

	OrganizationID string
	Accounts       []*engine.TrackedAccount
	Transitions    []engine.StateTransition
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Succeeded reports whether the run reached NotifySuccess.
func (r *Result) Succeeded() bool {
	return r.State == StateNotifySuccess
}

// Machine drives the one-time bootstrap of the organization: preconditions,
// organization, core accounts, invitations, framework deployment and the
// final notification. States run strictly in order and none is re-entered.
// Any error routes the run through NotifyFailure to Failed.
type Machine struct {
	topo     *topology.Topology
	caller   Caller
	sink     engine.NotificationSink
	deployer Deployer

	store   engine.RunStore
	events  engine.EventPublisher
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	logger  zerolog.Logger

	retry    config.RetrySettings
	poll     config.RetrySettings
	topicARN string
	accounts []AccountSpec
	newRunID func() string
}

// Option configures a Machine.
type Option func(*Machine)

// WithRunStore persists the run, its transitions and the account ledger.
func WithRunStore(s engine.RunStore) Option {
	return func(m *Machine) { m.store = s }
}

// WithTelemetry publishes events, metrics, spans and logs through tel.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(m *Machine) {
		m.events = tel.Events
		m.metrics = tel.Metrics
		m.tracer = tel.Tracer
		m.logger = tel.Logger.Component("provision")
	}
}

// WithEventPublisher sets the publisher for state and account events.
func WithEventPublisher(p engine.EventPublisher) Option {
	return func(m *Machine) { m.events = p }
}

// WithLogger sets the machine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger.With().Str("component", "provision").Logger()
	}
}

// WithRetry sets the retry budget of the retrying states.
func WithRetry(r config.RetrySettings) Option {
	return func(m *Machine) { m.retry = r }
}

// WithAccountPoll sets how long account creation is awaited.
func WithAccountPoll(p config.RetrySettings) Option {
	return func(m *Machine) { m.poll = p }
}

// WithTopicARN sets the notification topic whose subscription is verified.
// Without a topic the subscription check passes without a provider call.
func WithTopicARN(arn string) Option {
	return func(m *Machine) { m.topicARN = arn }
}

// WithAccounts replaces the core accounts created by the machine.
func WithAccounts(specs []AccountSpec) Option {
	return func(m *Machine) { m.accounts = specs }
}

// New creates a provisioning machine.
func New(topo *topology.Topology, caller Caller, sink engine.NotificationSink, deployer Deployer, opts ...Option) *Machine {
	m := &Machine{
		topo:     topo,
		caller:   caller,
		sink:     sink,
		deployer: deployer,
		metrics:  &telemetry.Metrics{},
		tracer:   telemetry.NewNoopTracer(),
		logger:   zerolog.Nop(),
		retry:    config.RetrySettings{MaxAttempts: 5, Interval: 30 * time.Second},
		poll:     config.RetrySettings{MaxAttempts: 10, Interval: 20 * time.Second},
		accounts: CoreAccountSpecs(topo),
		newRunID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// run is the mutable state of one execution.
type run struct {
	id       string
	record   *engine.Run
	ledger   *ledger
	logger   zerolog.Logger
	sequence int
	state    State
	orgID    string
	result   *Result

	deployment map[string]interface{}
}

type step func(ctx context.Context, r *run) error

// Run executes the machine once. The returned error is the cause of a failed
// run and is nil exactly when the run reached NotifySuccess. A non-nil result
// is returned whenever the run started.
func (m *Machine) Run(ctx context.Context) (*Result, error) {
	r := &run{
		id:     m.newRunID(),
		ledger: newLedger(m.accounts),
	}
	runLogger := telemetry.Wrap(m.logger).WithRunID(r.id)
	ctx = runLogger.WithContext(ctx)
	r.logger = runLogger.Zerolog()
	r.result = &Result{RunID: r.id, StartedAt: time.Now()}
	r.record = &engine.Run{
		ID:        r.id,
		Kind:      engine.RunKindProvision,
		Status:    engine.RunStatusRunning,
		State:     string(StateStart),
		StartedAt: r.result.StartedAt,
	}

	if m.store != nil {
		if err := m.store.CreateRun(ctx, r.record); err != nil {
			return nil, fmt.Errorf("failed to save run: %w", err)
		}
	}

	ctx, span := m.tracer.StartRunSpan(ctx, engine.RunKindProvision, r.id)
	m.metrics.RecordRunStarted(engine.RunKindProvision)
	m.publish(r, engine.EventTypeRunStarted, StateStart, "Provisioning started", nil)
	r.logger.Info().Str("trace_id", telemetry.TraceID(ctx)).Msg("Starting provisioning run")

	steps := map[State]step{
		StateVerifyNotificationSubscription: m.verifySubscription,
		StateVerifyCredentials:              m.verifyCredentials,
		StateInitializeOrganization:         m.initializeOrganization,
		StateCreateAccounts:                 m.createAccounts,
		StateInviteAccounts:                 m.inviteAccounts,
		StateDeployFramework:                m.deployFramework,
		StateNotifySuccess:                  m.notifySuccess,
	}

	current := StateStart
	attempts := 1
	var cause error
	for _, next := range Sequence[1:] {
		// NotifySuccess is terminal: it is entered only once the success
		// notification has been delivered.
		if next.IsTerminal() {
			attempts, cause = m.execute(ctx, r, next, steps[next])
			if cause != nil {
				r.result.FailedState = next
				break
			}
			m.transition(ctx, r, current, next, attempts, nil)
			current = next
			continue
		}

		m.transition(ctx, r, current, next, attempts, nil)
		attempts, cause = m.execute(ctx, r, next, steps[next])
		if cause != nil {
			r.result.FailedState = next
			current = next
			break
		}
		current = next
	}

	if cause != nil {
		m.fail(ctx, r, current, attempts, cause)
	} else {
		r.result.State = StateNotifySuccess
		r.record.Status = engine.RunStatusSucceeded
	}

	r.result.CompletedAt = time.Now()
	r.result.OrganizationID = r.orgID
	r.result.Accounts = r.ledger.snapshot()
	r.record.CompletedAt = &r.result.CompletedAt
	m.saveRecord(ctx, r)

	duration := r.result.CompletedAt.Sub(r.result.StartedAt)
	m.metrics.RecordRunCompleted(engine.RunKindProvision, r.record.Status, duration)
	telemetry.EndSpan(span, cause)

	if cause != nil {
		m.publish(r, engine.EventTypeRunFailed, StateFailed, fmt.Sprintf("Provisioning failed in %s: %v", r.result.FailedState, cause), nil)
		r.logger.Error().Err(cause).Str("state", string(r.result.FailedState)).Dur("duration", duration).Msg("Provisioning failed")
		return r.result, cause
	}
	m.publish(r, engine.EventTypeRunCompleted, StateNotifySuccess, "Provisioning completed", nil)
	r.logger.Info().Dur("duration", duration).Msg("Provisioning completed")
	return r.result, nil
}

// execute runs one state. Retrying states retry retryable errors on a
// constant interval up to the retry budget; every other error stops at
// once. It returns the number of attempts made.
func (m *Machine) execute(ctx context.Context, r *run, state State, fn step) (int, error) {
	ctx, span := m.tracer.StartStateSpan(ctx, string(state))
	started := time.Now()
	stateLogger := telemetry.FromContextOr(ctx, r.logger).WithState(string(state))
	ctx = stateLogger.WithContext(ctx)
	logger := stateLogger.Zerolog()

	maxTries := 1
	if state.Retries() && m.retry.MaxAttempts > 1 {
		maxTries = m.retry.MaxAttempts
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := fn(ctx, r)
		if err == nil {
			return struct{}{}, nil
		}
		if !state.Retries() || !engine.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(m.retry.Interval)),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.metrics.RecordStateAttempt(string(state), "retried")
			m.publish(r, engine.EventTypeStateRetried, state,
				fmt.Sprintf("%s attempt %d failed, retrying in %s", state, attempts, next),
				map[string]interface{}{"attempt": attempts, "error": err.Error()})
			logger.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", next).Msg("State failed, retrying")
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}

	m.metrics.ObserveStateDuration(string(state), time.Since(started))
	telemetry.EndSpan(span, err)
	if err != nil {
		m.metrics.RecordStateAttempt(string(state), "failed")
		m.metrics.RecordError(err)
		logger.Error().Err(err).Int("attempts", attempts).Str("class", string(engine.ClassOf(err))).Msg("State failed")
		return attempts, err
	}
	m.metrics.RecordStateAttempt(string(state), "succeeded")
	logger.Debug().Int("attempts", attempts).Msg("State completed")
	return attempts, nil
}

// fail routes the run from the last entered state through NotifyFailure to
// Failed. The failure notification is attempted once and Failed is reached
// whatever its outcome.
func (m *Machine) fail(ctx context.Context, r *run, from State, attempts int, cause error) {
	failed := r.result.FailedState
	r.result.Err = cause
	r.record.Error = cause.Error()

	m.transition(ctx, r, from, StateNotifyFailure, attempts, cause)

	notifyCtx, span := m.tracer.StartStateSpan(ctx, string(StateNotifyFailure))
	err := m.sink.Notify(notifyCtx, engine.Notification{
		Kind:       engine.NotificationFailure,
		RunID:      r.id,
		State:      string(failed),
		Cause:      cause.Error(),
		ErrorClass: engine.ClassOf(cause),
		Data:       m.runData(r),
		Timestamp:  time.Now(),
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to deliver failure notification")
	}

	m.transition(ctx, r, StateNotifyFailure, StateFailed, 1, err)
	r.result.State = StateFailed
	r.record.Status = engine.RunStatusFailed
}

// transition records a move between states.
func (m *Machine) transition(ctx context.Context, r *run, from, to State, attempts int, cause error) {
	r.sequence++
	t := engine.StateTransition{
		RunID:     r.id,
		Sequence:  r.sequence,
		From:      string(from),
		To:        string(to),
		Attempts:  attempts,
		Timestamp: time.Now(),
	}
	if cause != nil {
		t.Error = cause.Error()
	}
	r.result.Transitions = append(r.result.Transitions, t)
	r.state = to
	r.record.State = string(to)

	if m.store != nil {
		if err := m.store.RecordTransition(ctx, &t); err != nil {
			r.logger.Warn().Err(err).Str("to", string(to)).Msg("Failed to persist transition")
		}
	}
	m.saveRecord(ctx, r)
	m.metrics.RecordStateTransition(string(from), string(to))

	m.publish(r, engine.EventTypeStateEntered, to, "Entered "+string(to), map[string]interface{}{
		"from":     string(from),
		"attempts": attempts,
	})
	r.logger.Info().Str("from", string(from)).Str("to", string(to)).Int("attempts", attempts).Msg("State transition")
}

func (m *Machine) saveRecord(ctx context.Context, r *run) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateRun(ctx, r.record); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to update run")
	}
}

func (m *Machine) publish(r *run, eventType engine.EventType, state State, message string, data map[string]interface{}) {
	if m.events == nil {
		return
	}
	event := engine.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     r.id,
		State:     string(state),
		Message:   message,
		Level:     eventType.Severity(),
		Data:      data,
	}
	m.events.Publish(event)
}

// runData is the metadata attached to notifications.
func (m *Machine) runData(r *run) map[string]interface{} {
	data := map[string]interface{}{
		"run_id":    r.id,
		"partition": m.topo.Partition,
		"accounts":  r.ledger.ids(),
	}
	if r.orgID != "" {
		data["organization_id"] = r.orgID
	}
	return data
}
