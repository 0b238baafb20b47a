package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError blocks apply.
	SeverityError Severity = "error"

	// SeverityCritical blocks apply.
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Blocking reports whether a violation of this severity stops apply.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set reports violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to violations that do not set their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with converge.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the kind/key identity of the offending resource.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation suggests a fix.
	Remediation string `json:"remediation,omitempty"`
}

func (v Violation) String() string {
	if v.Resource == "" {
		return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s: %s", v.Severity, v.Policy, v.Resource, v.Message)
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when a blocking violation was found or a policy
	// failed to evaluate.
	Allowed bool `json:"allowed"`

	// Violations lists every violation, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Blocking returns the violations that stop apply.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Warnings returns the violations that do not stop apply.
func (r *Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if !v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Err returns a *DeniedError when the result is not allowed.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	return &DeniedError{Violations: r.Blocking(), Errors: r.Errors}
}

// DeniedError reports why policy preflight refused a manifest.
type DeniedError struct {
	Violations []Violation
	Errors     []string
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations)+len(e.Errors))
	for _, v := range e.Violations {
		msgs = append(msgs, v.String())
	}
	msgs = append(msgs, e.Errors...)
	return "policy check failed:\n  " + strings.Join(msgs, "\n  ")
}

// Input is the document policies see as input.
type Input struct {
	// Operation is apply, plan or validate.
	Operation string `json:"operation"`

	// Target describes the managed host.
	Target string `json:"target,omitempty"`

	// Settings are the engine conventions of the run.
	Settings engine.Config `json:"settings"`

	// Resources are the descriptors in application order.
	Resources []ResourceInput `json:"resources"`
}

// ResourceInput is a descriptor as seen by Rego.
type ResourceInput struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Key  string `json:"key"`

	// Value is the desired value: a bool, a string or a list of strings.
	Value interface{} `json:"value"`

	// Items is the value as a list of strings; empty for bools.
	Items []string `json:"items"`

	// Index is the position in the manifest.
	Index int `json:"index"`
}

// NewInput builds the policy input for a descriptor list.
func NewInput(operation, target string, settings engine.Config, descriptors []engine.ResourceDescriptor) Input {
	in := Input{
		Operation: operation,
		Target:    target,
		Settings:  settings,
		Resources: make([]ResourceInput, len(descriptors)),
	}
	for i, d := range descriptors {
		desired := d.Desired()
		ri := ResourceInput{
			ID:    d.ID(),
			Kind:  string(d.Kind()),
			Key:   d.Key(),
			Items: desired.Items(),
			Index: i,
		}
		switch desired.Type {
		case engine.ValueBool:
			ri.Value = desired.Bool
		case engine.ValueList:
			ri.Value = desired.Items()
		default:
			ri.Value = desired.Str
		}
		if ri.Items == nil {
			ri.Items = []string{}
		}
		in.Resources[i] = ri
	}
	return in
}
