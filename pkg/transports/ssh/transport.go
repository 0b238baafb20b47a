// Package ssh runs the engine's commands on a remote host over SSH.
//
// Client implements engine.Transport: every command runs in a fresh session
// and its stdout, stderr and exit status come back unmodified. It also
// implements engine.FileUploader through SFTP, unless the client escalates
// with sudo, in which case uploads would land with the login user's rights and
// Transport hides the capability.
package ssh

import (
	"context"
	"strings"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

var (
	_ engine.Transport    = (*Client)(nil)
	_ engine.FileUploader = (*Client)(nil)
)

// Transport returns the engine-facing view of the client. Sudo clients are
// returned without the FileUploader capability.
func (c *Client) Transport() engine.Transport {
	if c.config.Sudo {
		return commandOnly{c}
	}
	return c
}

type commandOnly struct {
	client *Client
}

func (t commandOnly) Execute(ctx context.Context, command string) (engine.CommandResult, error) {
	return t.client.Execute(ctx, command)
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time

	// ViaProxy is true when the connection is tunnelled through a jump host
	ViaProxy bool
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

func isAuthError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}
