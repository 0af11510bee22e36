package policy

import (
	"time"

	"github.com/openfroyo/govframe/pkg/engine"
	"github.com/openfroyo/govframe/pkg/topology"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo indicates an informational finding.
	SeverityInfo Severity = "info"
	// SeverityWarning indicates a finding that is reported but does not block.
	SeverityWarning Severity = "warning"
	// SeverityError indicates a violation that blocks deployment.
	SeverityError Severity = "error"
	// SeverityCritical indicates a violation that must be fixed before anything runs.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny a deployment.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego guardrail evaluated against topologies and plans.
type Policy struct {
	// Name is the unique identifier of the policy.
	Name string `json:"name"`

	// Description explains what the policy enforces.
	Description string `json:"description"`

	// Rego is the policy module source. Violations are collected from its
	// deny rule.
	Rego string `json:"rego"`

	// Severity is the default severity of the policy's violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	Tags     []string               `json:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a single finding produced by a policy.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Resource names what the finding is about: a task ID, a region or an account.
	Resource string `json:"resource,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Remediation is an optional hint on how to fix the finding.
	Remediation string `json:"remediation,omitempty"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations are the blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the non-blocking findings.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors are policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies are evaluated against. Either field may be
// nil; rules that need the missing half are simply undefined.
type Input struct {
	Plan     *engine.Plan       `json:"plan,omitempty"`
	Topology *topology.Topology `json:"topology,omitempty"`
	Context  *Context           `json:"context,omitempty"`
}

// Context carries evaluation metadata.
type Context struct {
	// Operation is the command being checked (validate, plan, apply).
	Operation   string    `json:"operation"`
	Environment string    `json:"environment,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Bundle is a versioned collection of policies shipped as one JSON file.
type Bundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}
