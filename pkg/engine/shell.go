package engine

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Every host command the engine issues is built here, so the full command
// vocabulary is visible in one place.

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func cmdGetentPasswd(user string) string { return "getent passwd " + Quote(user) }
func cmdGetentGroup(group string) string { return "getent group " + Quote(group) }

func cmdUseradd(shell, user string) string {
	return fmt.Sprintf("useradd -m -s %s %s", Quote(shell), Quote(user))
}

func cmdTestExists(path string) string { return "test -e " + Quote(path) }
func cmdTestDir(path string) string    { return "test -d " + Quote(path) }
func cmdCat(path string) string        { return "cat " + Quote(path) }
func cmdMkdir(path string) string      { return "mkdir -p " + Quote(path) }
func cmdRemove(path string) string     { return "rm -f " + Quote(path) }
func cmdRename(src, dst string) string { return fmt.Sprintf("mv -f %s %s", Quote(src), Quote(dst)) }
func cmdStatOwner(path string) string  { return "stat -c '%U:%G' " + Quote(path) }

func cmdChmod(mode, path string) string {
	return fmt.Sprintf("chmod %s %s", mode, Quote(path))
}

func cmdChown(owner, path string, recursive bool) string {
	if recursive {
		return fmt.Sprintf("chown -R %s %s", Quote(owner), Quote(path))
	}
	return fmt.Sprintf("chown %s %s", Quote(owner), Quote(path))
}

// cmdFindForeign prints the first entry under path not owned by user:group.
func cmdFindForeign(path, user, group string) string {
	return fmt.Sprintf(`find %s \( ! -user %s -o ! -group %s \) -print -quit`, Quote(path), Quote(user), Quote(group))
}

// cmdWriteBase64 writes data to path through base64 so arbitrary bytes
// survive shell quoting.
func cmdWriteBase64(data []byte, path string) string {
	return fmt.Sprintf("printf '%%s' %s | base64 -d > %s", Quote(base64.StdEncoding.EncodeToString(data)), Quote(path))
}

func cmdCommandExists(name string) string { return "command -v " + Quote(name) }

func cmdPackageQuery(manager, pkg string) string {
	switch manager {
	case PackageManagerAPT:
		return "dpkg-query -W -f='${Status}' " + Quote(pkg)
	default:
		return "rpm -q --queryformat '%{VERSION}-%{RELEASE}' " + Quote(pkg)
	}
}

func cmdPackageInstall(manager, pkg string) string {
	switch manager {
	case PackageManagerAPT:
		return "DEBIAN_FRONTEND=noninteractive apt-get install -y " + Quote(pkg)
	case PackageManagerZypper:
		return "zypper --non-interactive install " + Quote(pkg)
	default:
		return manager + " install -y " + Quote(pkg)
	}
}

func cmdPackageRemove(manager, pkg string) string {
	switch manager {
	case PackageManagerAPT:
		return "DEBIAN_FRONTEND=noninteractive apt-get remove -y " + Quote(pkg)
	case PackageManagerZypper:
		return "zypper --non-interactive remove " + Quote(pkg)
	default:
		return manager + " remove -y " + Quote(pkg)
	}
}

func cmdHostname() string { return "hostname" }

func cmdSetHostname(name string) string { return "hostnamectl set-hostname " + Quote(name) }

func cmdService(action, service string) string {
	return fmt.Sprintf("systemctl %s %s", action, Quote(service))
}

// cmdValidate substitutes the candidate path into the configured check.
func cmdValidate(template, candidate string) string {
	return strings.ReplaceAll(template, "{}", Quote(candidate))
}

// passwdEntry is the subset of a passwd(5) line the engine uses.
type passwdEntry struct {
	Name  string
	Home  string
	Shell string
}

func parsePasswd(line string) (passwdEntry, error) {
	fields := strings.Split(strings.TrimSpace(line), ":")
	if len(fields) < 7 {
		return passwdEntry{}, fmt.Errorf("malformed passwd entry: %q", line)
	}
	return passwdEntry{Name: fields[0], Home: fields[5], Shell: fields[6]}, nil
}
