package config

import (
	"fmt"
	"os"

	"github.com/openfroyo/converge/pkg/transports/ssh"
)

// SSHConfig resolves Host through ~/.ssh/config and overlays the fields set in
// the manifest. Secrets are read from the named environment variables.
func (t TargetConfig) SSHConfig() (*ssh.Config, error) {
	if t.Local {
		return nil, fmt.Errorf("target is local")
	}

	c, err := ssh.LoadAlias(t.Host)
	if err != nil {
		return nil, err
	}

	if t.User != "" {
		c.User = t.User
	}
	if t.Port != 0 {
		c.Port = t.Port
	}
	if t.IdentityFile != "" {
		c.PrivateKeyPath = ssh.ExpandHome(t.IdentityFile)
		c.AuthMethod = ssh.AuthMethodKey
	}

	switch {
	case t.PasswordEnv != "":
		password, err := secretFromEnv(t.PasswordEnv)
		if err != nil {
			return nil, err
		}
		c.AuthMethod = ssh.AuthMethodPassword
		c.Password = password
	case t.Agent:
		c.AuthMethod = ssh.AuthMethodAgent
	}

	if t.KnownHosts != "" {
		c.KnownHostsPath = ssh.ExpandHome(t.KnownHosts)
	}
	if t.InsecureIgnoreHostKey {
		c.StrictHostKeyChecking = false
	}

	if t.Sudo {
		c.Sudo = true
		if t.SudoPasswordEnv != "" {
			password, err := secretFromEnv(t.SudoPasswordEnv)
			if err != nil {
				return nil, err
			}
			c.SudoPassword = password
		}
	}

	if t.ProxyJump != "" {
		if err := c.SetProxyJump(t.ProxyJump); err != nil {
			return nil, fmt.Errorf("invalid proxy_jump: %w", err)
		}
	}
	return c, nil
}

// String describes the target for logs and reports.
func (t TargetConfig) String() string {
	if t.Local {
		return "local"
	}
	if t.User != "" {
		return t.User + "@" + t.Host
	}
	return t.Host
}

func secretFromEnv(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}
