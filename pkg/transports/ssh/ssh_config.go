package ssh

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	sshconfig "github.com/kevinburke/ssh_config"
)

// ResolveAlias builds a Config for alias from an OpenSSH client configuration.
// HostName, Port, User, IdentityFile, ProxyJump and StrictHostKeyChecking are
// honoured; everything else keeps the DefaultConfig value. An alias with no
// matching Host block resolves to itself.
func ResolveAlias(alias string, r io.Reader) (*Config, error) {
	cfg, err := sshconfig.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config: %w", err)
	}

	get := func(key string) string {
		v, _ := cfg.Get(alias, key)
		return strings.TrimSpace(v)
	}

	host := get("HostName")
	if host == "" {
		host = alias
	}
	user := get("User")
	if user == "" {
		user = os.Getenv("USER")
	}

	out := DefaultConfig(host, user)
	if p := get("Port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid Port %q for %s", p, alias)
		}
		out.Port = port
	}
	if identity := get("IdentityFile"); identity != "" {
		out.PrivateKeyPath = ExpandHome(identity)
	}
	if strings.EqualFold(get("StrictHostKeyChecking"), "no") {
		out.StrictHostKeyChecking = false
	}
	if jump := get("ProxyJump"); jump != "" && !strings.EqualFold(jump, "none") {
		if err := out.SetProxyJump(jump); err != nil {
			return nil, fmt.Errorf("invalid ProxyJump for %s: %w", alias, err)
		}
	}
	return out, nil
}

// LoadAlias resolves alias against ~/.ssh/config. A missing file resolves
// the alias to itself.
func LoadAlias(alias string) (*Config, error) {
	f, err := os.Open(filepath.Join(os.Getenv("HOME"), ".ssh", "config"))
	if os.IsNotExist(err) {
		return ResolveAlias(alias, strings.NewReader(""))
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ResolveAlias(alias, f)
}

// SetProxyJump sets the jump host from a single [user@]host[:port] value.
func (c *Config) SetProxyJump(jump string) error {
	if strings.Contains(jump, ",") {
		return fmt.Errorf("chained jump hosts are not supported: %q", jump)
	}
	user, hostport, ok := strings.Cut(jump, "@")
	if !ok {
		user, hostport = c.User, jump
	}
	host, port, ok := strings.Cut(hostport, ":")
	c.ProxyHost, c.ProxyUser, c.ProxyPort = host, user, 22
	if ok {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port in %q", jump)
		}
		c.ProxyPort = p
	}
	return nil
}

// ExpandHome replaces a leading "~" with $HOME.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		return filepath.Join(os.Getenv("HOME"), strings.TrimPrefix(p, "~"))
	}
	return p
}
