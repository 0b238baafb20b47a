package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a convergence failure.
type ErrorKind string

const (
	// ErrorKindProbe indicates the current state could not be read: the host was
	// unreachable or a file could not be read. The caller may retry the run.
	ErrorKindProbe ErrorKind = "probe"

	// ErrorKindAction indicates an OS command failed while changing the host.
	// The core never retries it.
	ErrorKindAction ErrorKind = "action"

	// ErrorKindUnreconcilable indicates a descriptor precondition cannot be
	// established, for example a key for an account that does not exist.
	ErrorKindUnreconcilable ErrorKind = "unreconcilable"
)

// Sentinel errors for errors.Is matching by kind.
var (
	ErrProbe          = &Error{Kind: ErrorKindProbe}
	ErrAction         = &Error{Kind: ErrorKindAction}
	ErrUnreconcilable = &Error{Kind: ErrorKindUnreconcilable}
)

// Error is a classified convergence failure.
type Error struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the kind/key identity of the failing resource.
	Resource string `json:"resource,omitempty"`

	// Command is the host command that failed, if any.
	Command string `json:"command,omitempty"`

	// Stderr is the failing command's standard error, verbatim.
	Stderr string `json:"stderr,omitempty"`

	// ExitCode is the failing command's exit status.
	ExitCode int `json:"exit_code,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	}
	if e.Command != "" && e.Err == nil {
		fmt.Fprintf(&b, ": command %q exited with code %d", e.Command, e.ExitCode)
		if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
			fmt.Fprintf(&b, ": %s", stderr)
		}
		return b.String()
	}
	if e.Command != "" {
		fmt.Fprintf(&b, ": command %q", e.Command)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrAction) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithResource sets the resource identity.
func (e *Error) WithResource(d ResourceDescriptor) *Error {
	e.Resource = d.ID()
	return e
}

// NewProbeError creates a probe error.
func NewProbeError(message string, err error) *Error {
	return &Error{Kind: ErrorKindProbe, Message: message, Err: err}
}

// NewActionError creates an action error.
func NewActionError(message string, err error) *Error {
	return &Error{Kind: ErrorKindAction, Message: message, Err: err}
}

// NewUnreconcilableError creates an unreconcilable error.
func NewUnreconcilableError(reason string) *Error {
	return &Error{Kind: ErrorKindUnreconcilable, Message: reason}
}

// commandError builds an error of the given kind from a failed command result.
func commandError(kind ErrorKind, message, command string, res CommandResult) *Error {
	return &Error{
		Kind:     kind,
		Message:  message,
		Command:  command,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	}
}

// IsRetryable reports whether the caller may retry the run after err. Only
// probe failures qualify; action failures may leave the host half changed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProbe)
}

// KindOf returns the ErrorKind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
