// Package local runs the engine's commands on this machine through sh -c.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/converge/pkg/engine"
)

var (
	_ engine.Transport    = (*Transport)(nil)
	_ engine.FileUploader = (*Transport)(nil)
)

// Transport executes commands with the local shell. It implements
// engine.Transport and engine.FileUploader.
type Transport struct {
	shell  string
	logger zerolog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithShell sets the shell binary. The default is /bin/sh.
func WithShell(path string) Option {
	return func(t *Transport) { t.shell = path }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// New creates a local transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		shell:  "/bin/sh",
		logger: log.With().Str("component", "local").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Execute runs command with "sh -c". A non-zero exit is returned in the
// result; the error is reserved for commands that could not be started or
// were interrupted by ctx.
func (t *Transport) Execute(ctx context.Context, command string) (engine.CommandResult, error) {
	startTime := time.Now()

	cmd := exec.CommandContext(ctx, t.shell, "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := engine.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}

	t.logger.Debug().
		Str("command", command).
		Dur("duration", time.Since(startTime)).
		Err(err).
		Msg("command completed")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return engine.CommandResult{}, fmt.Errorf("command interrupted: %w", ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.Exited() {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to run command: %w", err)
	}
	return result, nil
}

// Upload creates or truncates path and writes data. New files get mode 0600;
// the engine sets the final mode afterwards.
func (t *Transport) Upload(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
