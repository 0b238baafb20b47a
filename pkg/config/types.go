package config

import (
	"fmt"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
)

// Manifest is a parsed manifest file: where to converge, the host
// conventions, and the ordered resource list.
type Manifest struct {
	// Target is the host to converge.
	Target TargetConfig `json:"target"`

	// Settings are the host conventions handed to the engine. Keys absent
	// from the file keep engine.DefaultConfig values.
	Settings engine.Config `json:"settings"`

	// Policies are extra Rego files evaluated before apply, relative to the
	// manifest.
	Policies []string `json:"policies,omitempty"`

	// Resources are the desired states, in application order.
	Resources []ResourceConfig `json:"resources" validate:"required,min=1,dive"`

	// Source is the file the manifest was read from.
	Source string `json:"-"`
}

// TargetConfig selects the managed host.
type TargetConfig struct {
	// Local converges this machine instead of an SSH host.
	Local bool `json:"local,omitempty"`

	// Host is an ~/.ssh/config alias or a hostname.
	Host string `json:"host,omitempty" validate:"required_without=Local,excluded_with=Local"`

	// User overrides the login user.
	User string `json:"user,omitempty"`

	// Port overrides the SSH port.
	Port int `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// IdentityFile is the private key path; "~/" is expanded.
	IdentityFile string `json:"identity_file,omitempty"`

	// PasswordEnv names the environment variable holding the login password.
	PasswordEnv string `json:"password_env,omitempty"`

	// Agent authenticates with the agent on SSH_AUTH_SOCK.
	Agent bool `json:"agent,omitempty" validate:"excluded_with=PasswordEnv"`

	// KnownHosts overrides the known_hosts file.
	KnownHosts string `json:"known_hosts,omitempty"`

	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool `json:"insecure_ignore_host_key,omitempty"`

	// Sudo escalates every command with sudo.
	Sudo bool `json:"sudo,omitempty"`

	// SudoPasswordEnv names the environment variable holding the sudo password.
	SudoPasswordEnv string `json:"sudo_password_env,omitempty"`

	// ProxyJump is a [user@]host[:port] jump host.
	ProxyJump string `json:"proxy_jump,omitempty"`
}

// ResourceConfig is one entry of the resources list.
type ResourceConfig struct {
	// Kind is the resource kind, e.g. "user_exists".
	Kind string `json:"kind" validate:"required"`

	// Key is the resource key. hostname_set may omit it.
	Key string `json:"key,omitempty"`

	// Value is the desired value: a bool, a string or a list of strings.
	// user_exists may omit it; package_installed also accepts "present" and
	// "absent".
	Value interface{} `json:"value,omitempty"`

	// Line is the source line of the entry, when the format reports one.
	Line int `json:"-"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path of the error (e.g., "resources[2].value").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning).
	Severity string `json:"severity"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
			if e.Column > 0 {
				fmt.Fprintf(&b, ":%d", e.Column)
			}
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one manifest.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n")
}
