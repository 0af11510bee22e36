package engine

import (
	"sort"
	"time"
)

// TaskKind tags every task with the way it must be executed.
// The executor dispatches on this tag rather than inspecting parameters.
type TaskKind string

const (
	// TaskNativeDeploy deploys a stack directly in a region that supports
	// native pipeline actions.
	TaskNativeDeploy TaskKind = "native-deploy"

	// TaskDelegatedDeploy deploys a stack through a proxy capability running
	// in a capable region on behalf of a region that cannot deploy natively.
	TaskDelegatedDeploy TaskKind = "delegated-deploy"

	// TaskInvokeCapability invokes a named capability (account, OU, security
	// or parameter operations).
	TaskInvokeCapability TaskKind = "invoke-capability"

	// TaskFollowUpACLUpdate updates artifact ACLs after a native deploy.
	TaskFollowUpACLUpdate TaskKind = "follow-up-acl-update"
)

// Validate returns an error for unknown task kinds.
func (k TaskKind) Validate() error {
	switch k {
	case TaskNativeDeploy, TaskDelegatedDeploy, TaskInvokeCapability, TaskFollowUpACLUpdate:
		return nil
	default:
		return NewConfigurationError("unknown task kind: "+string(k), nil)
	}
}

// IsDeploy reports whether the kind deploys a stack.
func (k TaskKind) IsDeploy() bool {
	return k == TaskNativeDeploy || k == TaskDelegatedDeploy
}

// OutputBackend selects how a stage output is carried between tasks.
type OutputBackend string

const (
	// OutputBackendArtifact reads outputs from the artifact file written by a native deploy.
	OutputBackendArtifact OutputBackend = "artifact"

	// OutputBackendVariable reads outputs captured from a delegated task result.
	OutputBackendVariable OutputBackend = "variable"
)

// OutputRef is a construction-time reference to a named output of an earlier stage.
type OutputRef struct {
	// Stage is the producing stage name (e.g. "transit-init").
	Stage string `json:"stage"`

	// Region is the region the producing task ran in.
	Region string `json:"region"`

	// Variable is the output variable name (e.g. "oTransitGatewayId").
	Variable string `json:"variable"`

	// Backend is the backend the value is read from.
	Backend OutputBackend `json:"backend"`

	// Key is the artifact file name or the producing action name.
	Key string `json:"key"`
}

// String renders the reference the way it appears in a rendered plan.
func (r OutputRef) String() string {
	if r.Backend == OutputBackendArtifact {
		return "#{" + r.Key + ":" + r.Variable + "}"
	}
	return "#{" + r.Key + "." + r.Variable + "}"
}

// InputRef binds a task parameter to an output of an earlier stage.
type InputRef struct {
	// Parameter is the parameter name the resolved value is written to.
	Parameter string `json:"parameter"`

	// Ref is the output being consumed.
	Ref OutputRef `json:"ref"`

	// ProducerID is the ID of the task that produces the output.
	ProducerID string `json:"producer_id"`
}

// OutputSpec declares the outputs a task produces for later stages.
type OutputSpec struct {
	// Stage is the producing stage name used as the registry key.
	Stage string `json:"stage"`

	// Region is the producing region.
	Region string `json:"region"`

	// ActionName is the action identifier used by the live-variable backend.
	ActionName string `json:"action_name,omitempty"`

	// Artifact is the artifact file name used by the native backend.
	Artifact string `json:"artifact,omitempty"`
}

// DeploySpec describes a stack deployment.
type DeploySpec struct {
	// StackName is the stack to create or update.
	StackName string `json:"stack_name"`

	// TemplatePath is the template path inside the source repository.
	TemplatePath string `json:"template_path"`

	// TemplatePrefix is the repository prefix inside the artifact bucket.
	TemplatePrefix string `json:"template_prefix"`

	// BucketRegionalDomainName is the artifact bucket domain templates are read from.
	BucketRegionalDomainName string `json:"bucket_regional_domain_name"`

	// Capabilities is the IAM capability acknowledgement (CAPABILITY_IAM, CAPABILITY_NAMED_IAM).
	Capabilities string `json:"capabilities,omitempty"`

	// ProxyRegion is where the delegated deploy capability runs.
	ProxyRegion string `json:"proxy_region,omitempty"`
}

// Task is the atomic unit of work in a plan.
type Task struct {
	// ID is unique within a plan ("<stage>/<name>").
	ID string `json:"id"`

	// Name is the action name (e.g. "TransitInit-USGW1").
	Name string `json:"name"`

	// Stage is the plan stage the task belongs to.
	Stage string `json:"stage"`

	// Subsystem is the logical subsystem the task provisions (e.g. "transit-init").
	Subsystem string `json:"subsystem"`

	// Kind selects the execution path.
	Kind TaskKind `json:"kind"`

	// Capability is the capability name for invoke and ACL tasks.
	Capability string `json:"capability,omitempty"`

	// RunOrder orders tasks inside a stage; equal values may run concurrently.
	RunOrder int `json:"run_order"`

	// Account is the target account ID.
	Account string `json:"account,omitempty"`

	// Region is the target region.
	Region string `json:"region,omitempty"`

	// Deploy is set for deploy tasks.
	Deploy *DeploySpec `json:"deploy,omitempty"`

	// Parameters are literal parameters passed to the capability.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Inputs are parameters resolved from earlier stage outputs at run time.
	Inputs []InputRef `json:"inputs,omitempty"`

	// Output declares the outputs this task produces, if any.
	Output *OutputSpec `json:"output,omitempty"`

	// FollowUpOf is the ID of the task this task must run after.
	FollowUpOf string `json:"follow_up_of,omitempty"`

	// Timeout bounds a single execution; zero uses the executor default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Stage is a named group of tasks executed as a unit.
type Stage struct {
	// Name is the stage name (e.g. "Deploy-Environment").
	Name string `json:"name"`

	// Tasks are ordered by run order, then by emission order.
	Tasks []Task `json:"tasks"`
}

// MaxRunOrder returns the highest run order in the stage, or zero when empty.
func (s *Stage) MaxRunOrder() int {
	maxOrder := 0
	for i := range s.Tasks {
		if s.Tasks[i].RunOrder > maxOrder {
			maxOrder = s.Tasks[i].RunOrder
		}
	}
	return maxOrder
}

// Levels groups the stage tasks by run order, ascending.
func (s *Stage) Levels() [][]*Task {
	byOrder := make(map[int][]*Task)
	orders := make([]int, 0)
	for i := range s.Tasks {
		t := &s.Tasks[i]
		if _, ok := byOrder[t.RunOrder]; !ok {
			orders = append(orders, t.RunOrder)
		}
		byOrder[t.RunOrder] = append(byOrder[t.RunOrder], t)
	}
	sort.Ints(orders)

	levels := make([][]*Task, 0, len(orders))
	for _, o := range orders {
		levels = append(levels, byOrder[o])
	}
	return levels
}

// Plan is an ordered list of stages for one pipeline.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// Pipeline is the pipeline name (e.g. "environment-pipeline").
	Pipeline string `json:"pipeline"`

	// Environment is the environment the plan targets.
	Environment string `json:"environment"`

	// Stages run strictly in order.
	Stages []Stage `json:"stages"`

	// CreatedAt is when the plan was built.
	CreatedAt time.Time `json:"created_at"`

	// Warnings collects non-fatal notes raised while building.
	Warnings []string `json:"warnings,omitempty"`
}

// TaskCount returns the number of tasks across all stages.
func (p *Plan) TaskCount() int {
	n := 0
	for i := range p.Stages {
		n += len(p.Stages[i].Tasks)
	}
	return n
}

// Tasks returns pointers to every task in stage order.
func (p *Plan) Tasks() []*Task {
	tasks := make([]*Task, 0, p.TaskCount())
	for i := range p.Stages {
		for j := range p.Stages[i].Tasks {
			tasks = append(tasks, &p.Stages[i].Tasks[j])
		}
	}
	return tasks
}

// Stage returns the named stage, or nil.
func (p *Plan) Stage(name string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i]
		}
	}
	return nil
}

// Task returns the task with the given ID, or nil.
func (p *Plan) Task(id string) *Task {
	for i := range p.Stages {
		for j := range p.Stages[i].Tasks {
			if p.Stages[i].Tasks[j].ID == id {
				return &p.Stages[i].Tasks[j]
			}
		}
	}
	return nil
}

// TaskResult is the outcome of executing one task.
type TaskResult struct {
	// TaskID is the executed task.
	TaskID string `json:"task_id"`

	// Status is the terminal task status.
	Status TaskStatus `json:"status"`

	// Outputs are the values produced by the task.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Error is the classified failure, if any.
	Error *EngineError `json:"error,omitempty"`

	// StartedAt is when execution started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when execution finished.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the execution time.
	Duration time.Duration `json:"duration"`
}

// Event is a run or task lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run this event belongs to.
	RunID string `json:"run_id,omitempty"`

	// TaskID is the task this event refers to, if any.
	TaskID string `json:"task_id,omitempty"`

	// State is the provisioning state this event refers to, if any.
	State string `json:"state,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`

	// Data contains event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}
