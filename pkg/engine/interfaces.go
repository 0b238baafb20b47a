package engine

import (
	"context"
	"time"
)

// CommandResult is the outcome of one command on the managed host.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports whether the command exited with status zero.
func (r CommandResult) OK() bool {
	return r.ExitCode == 0
}

// Transport runs shell commands on the managed host. The engine does not care
// whether that host is local or remote.
//
// A non-nil error means the command could not be run at all (connection lost,
// session refused, context cancelled). A command that ran and exited non-zero
// returns a nil error and a non-zero ExitCode.
type Transport interface {
	Execute(ctx context.Context, command string) (CommandResult, error)
}

// FileUploader is an optional Transport capability for writing file content
// directly, without a shell pipeline. Upload creates or truncates path and
// writes data; mode, ownership and renames stay the engine's job.
type FileUploader interface {
	Upload(ctx context.Context, path string, data []byte) error
}

// RunObserver receives driver events. Implementations must not block for long:
// they run inline on the driver's goroutine.
type RunObserver interface {
	// RunStarted is called once the run enters the running state.
	RunStarted(ctx context.Context, runID string, descriptors []ResourceDescriptor)

	// ResourceStarted is called before the resource is probed.
	ResourceStarted(ctx context.Context, runID string, d ResourceDescriptor)

	// ResourceFinished is called with the record of every processed resource,
	// and for every skipped one.
	ResourceFinished(ctx context.Context, runID string, rec ChangeRecord)

	// RunFinished is called with the final report.
	RunFinished(ctx context.Context, report *Report)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) RunStarted(context.Context, string, []ResourceDescriptor)    {}
func (NopObserver) ResourceStarted(context.Context, string, ResourceDescriptor) {}
func (NopObserver) ResourceFinished(context.Context, string, ChangeRecord)      {}
func (NopObserver) RunFinished(context.Context, *Report)                        {}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time
