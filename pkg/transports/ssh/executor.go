package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/converge/pkg/engine"
)

// Execute runs command on the remote host. A command that ran and exited
// non-zero is a result, not an error; errors mean the command could not be run
// or its exit status is unknown.
//
// Output is returned verbatim: file contents read through cat keep their
// trailing newlines.
func (c *Client) Execute(ctx context.Context, command string) (engine.CommandResult, error) {
	startTime := time.Now()

	sshClient, err := c.sshClient()
	if err != nil {
		return engine.CommandResult{}, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return engine.CommandResult{}, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	finalCmd := command
	if c.config.Sudo {
		finalCmd = sudoWrap(command, c.config.SudoPassword != "")
		if c.config.SudoPassword != "" {
			session.Stdin = strings.NewReader(c.config.SudoPassword + "\n")
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(finalCmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		<-done
		return engine.CommandResult{}, &TransportError{Op: "execute", Err: ctx.Err()}
	case runErr = <-done:
	}

	result := engine.CommandResult{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}

	c.logger.Debug().
		Str("command", command).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", time.Since(startTime)).
		Err(runErr).
		Msg("command completed")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, &TransportError{Op: "execute", Err: runErr, IsTemporary: true}
	}
	return result, nil
}

// sudoWrap runs command through a root shell. With a password sudo reads it
// from stdin and prints no prompt.
func sudoWrap(command string, withPassword bool) string {
	if withPassword {
		return "sudo -S -p '' sh -c " + engine.Quote(command)
	}
	return "sudo -n sh -c " + engine.Quote(command)
}
