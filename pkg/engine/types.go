package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind identifies the type of a managed resource.
type Kind string

const (
	// KindUserExists ensures a local system account exists.
	KindUserExists Kind = "user_exists"

	// KindSSHKeyInstalled ensures public keys are present in a user's authorized_keys.
	KindSSHKeyInstalled Kind = "ssh_key_installed"

	// KindSSHDirectiveSet ensures a directive in the SSH daemon configuration has a value.
	KindSSHDirectiveSet Kind = "ssh_directive_set"

	// KindDirectoryOwned ensures a directory exists and is recursively owned by an account.
	KindDirectoryOwned Kind = "directory_owned"

	// KindPackageInstalled ensures a system package is installed or absent.
	KindPackageInstalled Kind = "package_installed"

	// KindHostnameSet ensures the host name.
	KindHostnameSet Kind = "hostname_set"
)

// Kinds lists every supported kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindUserExists,
		KindSSHKeyInstalled,
		KindSSHDirectiveSet,
		KindDirectoryOwned,
		KindPackageInstalled,
		KindHostnameSet,
	}
}

// Validate checks if the kind is supported.
func (k Kind) Validate() error {
	for _, known := range Kinds() {
		if k == known {
			return nil
		}
	}
	return fmt.Errorf("invalid resource kind: %q", string(k))
}

// ValueType tags the variant held by a Value.
type ValueType string

const (
	// ValueBool holds a boolean.
	ValueBool ValueType = "bool"

	// ValueString holds a single string.
	ValueString ValueType = "string"

	// ValueList holds an unordered list of strings.
	ValueList ValueType = "list"
)

// Value is a desired or observed resource value: a bool, a string, or a list of
// strings. The zero Value is an empty string.
type Value struct {
	Type ValueType `json:"type"`
	Bool bool      `json:"bool,omitempty"`
	Str  string    `json:"str,omitempty"`
	List []string  `json:"list,omitempty"`
}

// Bool returns a boolean Value.
func Bool(b bool) Value {
	return Value{Type: ValueBool, Bool: b}
}

// String returns a string Value.
func String(s string) Value {
	return Value{Type: ValueString, Str: s}
}

// List returns a list Value holding a copy of items.
func List(items ...string) Value {
	out := make([]string, len(items))
	copy(out, items)
	return Value{Type: ValueList, List: out}
}

// kind normalises the zero type to ValueString.
func (v Value) kind() ValueType {
	if v.Type == "" {
		return ValueString
	}
	return v.Type
}

// Items returns the value as a list. Strings become a one-element list, the
// empty string an empty list.
func (v Value) Items() []string {
	switch v.kind() {
	case ValueList:
		out := make([]string, len(v.List))
		copy(out, v.List)
		return out
	case ValueString:
		if v.Str == "" {
			return nil
		}
		return []string{v.Str}
	default:
		return nil
	}
}

// Equal reports whether v and o hold the same value. Lists compare as
// multisets, ignoring order.
func (v Value) Equal(o Value) bool {
	if v.kind() != o.kind() {
		return false
	}
	switch v.kind() {
	case ValueBool:
		return v.Bool == o.Bool
	case ValueList:
		if len(v.List) != len(o.List) {
			return false
		}
		a, b := sortedCopy(v.List), sortedCopy(o.List)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	default:
		return v.Str == o.Str
	}
}

func (v Value) clone() Value {
	if v.List != nil {
		items := make([]string, len(v.List))
		copy(items, v.List)
		v.List = items
	}
	return v
}

// String renders the value for reports.
func (v Value) String() string {
	switch v.kind() {
	case ValueBool:
		return fmt.Sprintf("%t", v.Bool)
	case ValueList:
		return "[" + strings.Join(v.List, ", ") + "]"
	default:
		return v.Str
	}
}

func sortedCopy(items []string) []string {
	out := make([]string, len(items))
	copy(out, items)
	sort.Strings(out)
	return out
}

// ObservedState is the probed current value of one resource. It is built
// fresh by every probe and never cached.
type ObservedState struct {
	// Present is true when the resource exists on the host.
	Present bool `json:"present"`

	// Value is the observed value, meaningful only when Present is true.
	Value Value `json:"value"`

	// Unmet describes a precondition the host does not satisfy, such as the
	// owning account being missing. Empty when every precondition holds.
	Unmet string `json:"unmet,omitempty"`

	// Requires is the identity of a descriptor that would satisfy Unmet, when
	// one exists (e.g. user_exists/alice).
	Requires string `json:"requires,omitempty"`
}

// DecisionType classifies a reconcile decision.
type DecisionType string

const (
	// DecisionSatisfied means observed already equals desired.
	DecisionSatisfied DecisionType = "satisfied"

	// DecisionNeedsAction means the executor must change the host.
	DecisionNeedsAction DecisionType = "needs_action"

	// DecisionUnreconcilable means a precondition cannot be established.
	DecisionUnreconcilable DecisionType = "unreconcilable"
)

// Decision is the outcome of comparing desired and observed state.
type Decision struct {
	Type DecisionType `json:"type"`

	// Description is the human-readable delta or the unreconcilable reason.
	Description string `json:"description,omitempty"`
}

// Satisfied returns a satisfied decision.
func Satisfied() Decision {
	return Decision{Type: DecisionSatisfied}
}

// NeedsAction returns a decision requiring the described change.
func NeedsAction(format string, args ...interface{}) Decision {
	return Decision{Type: DecisionNeedsAction, Description: fmt.Sprintf(format, args...)}
}

// Unreconcilable returns a decision that cannot be acted upon.
func Unreconcilable(format string, args ...interface{}) Decision {
	return Decision{Type: DecisionUnreconcilable, Description: fmt.Sprintf(format, args...)}
}

// ChangeRecord is the report entry for one resource.
type ChangeRecord struct {
	// Kind and Key identify the resource.
	Kind Kind   `json:"kind"`
	Key  string `json:"key"`

	// Outcome is what happened to the resource in this run.
	Outcome Outcome `json:"outcome"`

	// Description is the applied delta for changed resources.
	Description string `json:"description,omitempty"`

	// Error is the failure text, verbatim from the failing command where there was one.
	Error string `json:"error,omitempty"`

	// Err is the typed failure for in-process callers.
	Err error `json:"-"`

	// StartedAt is when processing of the resource began.
	StartedAt time.Time `json:"started_at,omitempty"`

	// Duration is how long probe, reconcile and action took.
	Duration time.Duration `json:"duration,omitempty"`
}

// ID returns the resource identity in kind/key form.
func (r ChangeRecord) ID() string {
	return string(r.Kind) + "/" + r.Key
}

// Report is the result of one convergence run.
type Report struct {
	RunID   string         `json:"run_id"`
	State   RunState       `json:"state"`
	Records []ChangeRecord `json:"records"`

	// Reason explains an aborted run: the failing resource or the cancellation.
	Reason string `json:"reason,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Counts tallies the records by outcome.
func (r *Report) Counts() map[Outcome]int {
	counts := make(map[Outcome]int, 4)
	for _, rec := range r.Records {
		counts[rec.Outcome]++
	}
	return counts
}

// Succeeded is true when the run completed with no failed records. It is the
// condition for a zero process exit status.
func (r *Report) Succeeded() bool {
	return r.State == RunStateCompleted && r.Counts()[OutcomeFailed] == 0
}

// Duration returns the wall time of the run.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// PlannedChange is one entry of a dry run.
type PlannedChange struct {
	Descriptor ResourceDescriptor `json:"descriptor"`
	Observed   ObservedState      `json:"observed"`
	Decision   Decision           `json:"decision"`
}

// Plan is the result of probing and reconciling every resource without acting.
type Plan struct {
	Changes   []PlannedChange `json:"changes"`
	CreatedAt time.Time       `json:"created_at"`
}

// Pending returns the changes that would mutate the host or cannot proceed.
func (p *Plan) Pending() []PlannedChange {
	var out []PlannedChange
	for _, c := range p.Changes {
		if c.Decision.Type != DecisionSatisfied {
			out = append(out, c)
		}
	}
	return out
}
