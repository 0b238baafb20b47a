package engine

import (
	"fmt"
	"strings"
)

// Package managers understood by the probe and executor.
const (
	PackageManagerDNF    = "dnf"
	PackageManagerYUM    = "yum"
	PackageManagerAPT    = "apt-get"
	PackageManagerZypper = "zypper"
)

// packageManagerOrder is the detection order when none is configured.
var packageManagerOrder = []string{
	PackageManagerDNF,
	PackageManagerYUM,
	PackageManagerAPT,
	PackageManagerZypper,
}

// Config holds the host conventions the engine works against. It is passed by
// value to NewDriver and never changes during a run.
type Config struct {
	// SSHDConfigPath is the SSH daemon configuration file edited by ssh_directive_set.
	SSHDConfigPath string `json:"sshd_config_path" yaml:"sshd_config_path" toml:"sshd_config_path"`

	// SSHService is the service restarted after the executor changes SSHDConfigPath.
	SSHService string `json:"ssh_service" yaml:"ssh_service" toml:"ssh_service"`

	// ServiceAction is the systemctl verb used on SSHService: restart or reload.
	ServiceAction string `json:"service_action" yaml:"service_action" toml:"service_action"`

	// ValidateCommand checks a candidate SSH daemon configuration before it
	// replaces the live file. "{}" is replaced with the candidate path. Empty
	// disables the check.
	ValidateCommand string `json:"validate_command" yaml:"validate_command" toml:"validate_command"`

	// DefaultShell is the login shell for accounts created by user_exists.
	DefaultShell string `json:"default_shell" yaml:"default_shell" toml:"default_shell"`

	// PackageManager selects dnf, yum, apt-get or zypper. Empty means detect.
	PackageManager string `json:"package_manager" yaml:"package_manager" toml:"package_manager"`

	// AuthorizedKeysFile is the authorized keys path relative to the account's home.
	AuthorizedKeysFile string `json:"authorized_keys_file" yaml:"authorized_keys_file" toml:"authorized_keys_file"`
}

// DefaultConfig returns the conventions of a stock RHEL-family host.
func DefaultConfig() Config {
	return Config{
		SSHDConfigPath:     "/etc/ssh/sshd_config",
		SSHService:         "sshd",
		ServiceAction:      "restart",
		ValidateCommand:    "sshd -t -f {}",
		DefaultShell:       "/bin/bash",
		AuthorizedKeysFile: ".ssh/authorized_keys",
	}
}

// WithDefaults fills empty fields from DefaultConfig. ValidateCommand is left
// as given so it can be disabled.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.SSHDConfigPath == "" {
		c.SSHDConfigPath = def.SSHDConfigPath
	}
	if c.SSHService == "" {
		c.SSHService = def.SSHService
	}
	if c.ServiceAction == "" {
		c.ServiceAction = def.ServiceAction
	}
	if c.DefaultShell == "" {
		c.DefaultShell = def.DefaultShell
	}
	if c.AuthorizedKeysFile == "" {
		c.AuthorizedKeysFile = def.AuthorizedKeysFile
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !strings.HasPrefix(c.SSHDConfigPath, "/") {
		return fmt.Errorf("sshd config path must be absolute: %q", c.SSHDConfigPath)
	}
	if c.SSHService == "" {
		return fmt.Errorf("ssh service name is required")
	}
	switch c.ServiceAction {
	case "restart", "reload":
	default:
		return fmt.Errorf("invalid service action: %q (must be restart or reload)", c.ServiceAction)
	}
	if c.ValidateCommand != "" && !strings.Contains(c.ValidateCommand, "{}") {
		return fmt.Errorf("validate command must reference the candidate file as {}")
	}
	if !strings.HasPrefix(c.DefaultShell, "/") {
		return fmt.Errorf("default shell must be absolute: %q", c.DefaultShell)
	}
	if c.PackageManager != "" {
		known := false
		for _, m := range packageManagerOrder {
			if c.PackageManager == m {
				known = true
			}
		}
		if !known {
			return fmt.Errorf("unsupported package manager: %q", c.PackageManager)
		}
	}
	if c.AuthorizedKeysFile == "" || strings.HasPrefix(c.AuthorizedKeysFile, "/") || strings.Contains(c.AuthorizedKeysFile, "..") {
		return fmt.Errorf("authorized keys file must be a relative path inside the home directory")
	}
	return nil
}
