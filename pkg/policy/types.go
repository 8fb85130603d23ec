package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the action.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the action.
	SeverityError Severity = "error"

	// SeverityCritical blocks the action.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny an action.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny rules are evaluated before actions.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was read from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Target names the offending target when the rule reports one.
	Target string `json:"target,omitempty"`
}

// Decision is the outcome of evaluating every enabled policy for one action.
type Decision struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	// Action is the action kind: command, script, task, upload, download or wait.
	Action string `json:"action"`

	// Object is what the action acts on: the command line, script path,
	// task name or upload source.
	Object string `json:"object"`

	// Destination is the remote path of uploads and the local directory of
	// downloads.
	Destination string `json:"destination,omitempty"`

	// Targets are the names of the addressed targets.
	Targets []string `json:"targets"`

	// Options are the action options in their wire form.
	Options map[string]any `json:"options"`

	// Context describes who runs the action and where.
	Context Context `json:"context"`
}

// Context carries evaluation context.
type Context struct {
	// User is the local user running skein.
	User string `json:"user,omitempty"`

	// Environment is the configured environment name.
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// document converts the input to the plain JSON form handed to Rego.
func (in Input) document() map[string]any {
	targets := make([]any, len(in.Targets))
	for i, t := range in.Targets {
		targets[i] = t
	}
	options := in.Options
	if options == nil {
		options = map[string]any{}
	}
	return map[string]any{
		"action":      in.Action,
		"object":      in.Object,
		"destination": in.Destination,
		"targets":     targets,
		"options":     options,
		"context": map[string]any{
			"user":        in.Context.User,
			"environment": in.Context.Environment,
			"timestamp":   in.Context.Timestamp.UTC().Format(time.RFC3339),
		},
	}
}
