package commands

import (
	"errors"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/policy"
)

// Process exit codes.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitUsage  = 2
	ExitDenied = 3
)

// ExitError carries the exit code of a failed command.
type ExitError struct {
	Code int
	Err  error

	// Reported is true when the command already showed the failure to the
	// user.
	Reported bool
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Err: err}
}

// ExitCode maps a command error to the process exit status: 0 on success, 2
// for usage and manifest errors, 3 for a policy denial and 1 for everything
// else, including an aborted run.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var denied *policy.DeniedError
	if errors.As(err, &denied) {
		return ExitDenied
	}
	var invalid config.ValidationErrors
	if errors.As(err, &invalid) {
		return ExitUsage
	}
	return ExitFailed
}

// Reported reports whether err was already shown to the user.
func Reported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Reported
}
