// Package enginetest provides an in-memory host for exercising the engine
// without a real machine.
package enginetest

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/converge/pkg/engine"
)

// FileInfo is the state of one fake file or directory.
type FileInfo struct {
	Data  string
	Mode  uint32
	Owner string
	Group string
	Dir   bool
}

type account struct {
	uid   int
	group string
	home  string
	shell string
}

type injected struct {
	prefix string
	result engine.CommandResult
	err    error
}

// FakeHost is an in-memory Transport. It interprets exactly the command
// vocabulary the engine emits: accounts, files with modes and owners, the
// umask, packages, the host name and service actions. Any other command exits
// 127.
//
// FakeHost runs every command as root.
type FakeHost struct {
	mu sync.Mutex

	users    map[string]account
	groups   map[string]bool
	files    map[string]*FileInfo
	packages map[string]bool
	managers []string
	hostname string
	umask    uint32
	nextUID  int

	services  map[string][]string
	validator func(content string) error
	failures  []injected
	commands  []string
}

// NewFakeHost returns a host with root, /etc/ssh, /home, dnf and umask 022.
func NewFakeHost() *FakeHost {
	h := &FakeHost{
		users:    map[string]account{"root": {uid: 0, group: "root", home: "/root", shell: "/bin/bash"}},
		groups:   map[string]bool{"root": true},
		files:    map[string]*FileInfo{},
		packages: map[string]bool{},
		managers: []string{engine.PackageManagerDNF},
		hostname: "localhost",
		umask:    0o022,
		nextUID:  1000,
		services: map[string][]string{},
	}
	for _, dir := range []string{"/", "/etc", "/etc/ssh", "/home", "/root", "/srv"} {
		h.files[dir] = &FileInfo{Dir: true, Mode: 0o755, Owner: "root", Group: "root"}
	}
	return h
}

var _ engine.Transport = (*FakeHost)(nil)

// AddUser creates an account with a same-name group and a 0700 home.
func (h *FakeHost) AddUser(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addUser(name, "/bin/bash")
}

func (h *FakeHost) addUser(name, shell string) {
	home := "/home/" + name
	h.users[name] = account{uid: h.nextUID, group: name, home: home, shell: shell}
	h.groups[name] = true
	h.nextUID++
	h.files[home] = &FileInfo{Dir: true, Mode: 0o700, Owner: name, Group: name}
}

// AddGroup creates a group.
func (h *FakeHost) AddGroup(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groups[name] = true
}

// HasUser reports whether the account exists.
func (h *FakeHost) HasUser(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.users[name]
	return ok
}

// WriteFile creates or replaces a regular file, creating missing parents.
func (h *FakeHost) WriteFile(p, data string, mode uint32, owner string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mkdirAll(path.Dir(p))
	user, group := splitOwner(owner)
	h.files[p] = &FileInfo{Data: data, Mode: mode, Owner: user, Group: group}
}

// Mkdir creates a directory and missing parents, owned by owner.
func (h *FakeHost) Mkdir(p string, mode uint32, owner string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mkdirAll(path.Dir(p))
	user, group := splitOwner(owner)
	h.files[p] = &FileInfo{Dir: true, Mode: mode, Owner: user, Group: group}
}

// File returns a copy of the entry at p.
func (h *FakeHost) File(p string) (FileInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[p]
	if !ok {
		return FileInfo{}, false
	}
	return *f, true
}

// Paths returns every path under dir, sorted.
func (h *FakeHost) Paths(dir string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tree(dir)
}

// SetUmask sets the mask applied to newly created files and directories.
func (h *FakeHost) SetUmask(mask uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.umask = mask
}

// SetPackageManagers sets which package managers "command -v" finds.
func (h *FakeHost) SetPackageManagers(managers ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.managers = managers
}

// InstallPackage marks a package installed.
func (h *FakeHost) InstallPackage(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.packages[name] = true
}

// HasPackage reports whether a package is installed.
func (h *FakeHost) HasPackage(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.packages[name]
}

// SetHostname sets the current host name.
func (h *FakeHost) SetHostname(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hostname = name
}

// Hostname returns the current host name.
func (h *FakeHost) Hostname() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hostname
}

// ServiceActions returns the systemctl verbs applied to service, in order.
func (h *FakeHost) ServiceActions(service string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.services[service]...)
}

// SetValidator installs the check run by "sshd -t -f". A nil validator accepts
// every file.
func (h *FakeHost) SetValidator(fn func(content string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.validator = fn
}

// FailOn makes every command starting with prefix return res without effect.
func (h *FakeHost) FailOn(prefix string, res engine.CommandResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, injected{prefix: prefix, result: res})
}

// ErrorOn makes every command starting with prefix fail at the transport level.
func (h *FakeHost) ErrorOn(prefix string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, injected{prefix: prefix, err: err})
}

// ClearFailures removes every injected failure.
func (h *FakeHost) ClearFailures() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = nil
}

// Commands returns every command received, in order.
func (h *FakeHost) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// Execute implements engine.Transport.
func (h *FakeHost) Execute(ctx context.Context, command string) (engine.CommandResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.commands = append(h.commands, command)
	if err := ctx.Err(); err != nil {
		return engine.CommandResult{}, err
	}
	for _, f := range h.failures {
		if strings.HasPrefix(command, f.prefix) {
			return f.result, f.err
		}
	}

	args, err := splitWords(command)
	if err != nil {
		return exit(2, "", err.Error()), nil
	}
	for len(args) > 0 && strings.Contains(args[0], "=") {
		args = args[1:]
	}
	if len(args) == 0 {
		return exit(0, "", ""), nil
	}
	return h.dispatch(args), nil
}

// Uploader wraps the host in a transport that also implements
// engine.FileUploader.
func (h *FakeHost) Uploader() *UploadingHost {
	return &UploadingHost{FakeHost: h}
}

// UploadingHost is a FakeHost with direct file uploads.
type UploadingHost struct {
	*FakeHost
}

var _ engine.FileUploader = (*UploadingHost)(nil)

// Upload implements engine.FileUploader. It is recorded as "upload <path>".
func (u *UploadingHost) Upload(ctx context.Context, p string, data []byte) error {
	h := u.FakeHost
	h.mu.Lock()
	defer h.mu.Unlock()

	record := "upload " + p
	h.commands = append(h.commands, record)
	for _, f := range h.failures {
		if strings.HasPrefix(record, f.prefix) {
			if f.err != nil {
				return f.err
			}
			return fmt.Errorf("upload failed: %s", f.result.Stderr)
		}
	}
	if res := h.create(p, string(data)); !res.OK() {
		return fmt.Errorf("%s", res.Stderr)
	}
	return nil
}

func (h *FakeHost) dispatch(args []string) engine.CommandResult {
	switch args[0] {
	case "getent":
		return h.getent(args)
	case "useradd":
		return h.useradd(args)
	case "test":
		return h.test(args)
	case "cat":
		return h.cat(args)
	case "mkdir":
		return h.mkdir(args)
	case "rm":
		delete(h.files, args[len(args)-1])
		return exit(0, "", "")
	case "mv":
		return h.rename(args[len(args)-2], args[len(args)-1])
	case "stat":
		return h.stat(args)
	case "chmod":
		return h.chmod(args)
	case "chown":
		return h.chown(args)
	case "find":
		return h.find(args)
	case "printf":
		return h.redirect(args)
	case "command":
		return h.commandExists(args)
	case "rpm", "dpkg-query":
		return h.queryPackage(args)
	case engine.PackageManagerDNF, engine.PackageManagerYUM, engine.PackageManagerAPT, engine.PackageManagerZypper:
		return h.packageAction(args)
	case "hostname":
		return exit(0, h.hostname+"\n", "")
	case "hostnamectl":
		h.hostname = args[len(args)-1]
		return exit(0, "", "")
	case "systemctl":
		h.services[args[2]] = append(h.services[args[2]], args[1])
		return exit(0, "", "")
	case "sshd":
		return h.validate(args)
	}
	return exit(127, "", args[0]+": command not found")
}

func (h *FakeHost) getent(args []string) engine.CommandResult {
	name := args[2]
	switch args[1] {
	case "passwd":
		u, ok := h.users[name]
		if !ok {
			return exit(2, "", "")
		}
		return exit(0, fmt.Sprintf("%s:x:%d:%d::%s:%s\n", name, u.uid, u.uid, u.home, u.shell), "")
	case "group":
		if !h.groups[name] {
			return exit(2, "", "")
		}
		return exit(0, name+":x:1000:\n", "")
	}
	return exit(1, "", "getent: unknown database")
}

func (h *FakeHost) useradd(args []string) engine.CommandResult {
	name := args[len(args)-1]
	shell := "/bin/sh"
	for i, a := range args {
		if a == "-s" && i+1 < len(args) {
			shell = args[i+1]
		}
	}
	if _, ok := h.users[name]; ok {
		return exit(9, "", fmt.Sprintf("useradd: user '%s' already exists", name))
	}
	h.addUser(name, shell)
	return exit(0, "", "")
}

func (h *FakeHost) test(args []string) engine.CommandResult {
	f, ok := h.files[args[2]]
	switch {
	case !ok:
		return exit(1, "", "")
	case args[1] == "-d" && !f.Dir:
		return exit(1, "", "")
	}
	return exit(0, "", "")
}

func (h *FakeHost) cat(args []string) engine.CommandResult {
	p := args[1]
	f, ok := h.files[p]
	if !ok {
		return exit(1, "", "cat: "+p+": No such file or directory")
	}
	if f.Dir {
		return exit(1, "", "cat: "+p+": Is a directory")
	}
	return exit(0, f.Data, "")
}

func (h *FakeHost) mkdir(args []string) engine.CommandResult {
	p := args[len(args)-1]
	if f, ok := h.files[p]; ok && !f.Dir {
		return exit(1, "", "mkdir: cannot create directory '"+p+"': File exists")
	}
	h.mkdirAll(p)
	return exit(0, "", "")
}

func (h *FakeHost) mkdirAll(p string) {
	if _, ok := h.files[p]; ok {
		return
	}
	if p != "/" {
		h.mkdirAll(path.Dir(p))
	}
	h.files[p] = &FileInfo{Dir: true, Mode: 0o777 &^ h.umask, Owner: "root", Group: "root"}
}

func (h *FakeHost) rename(src, dst string) engine.CommandResult {
	f, ok := h.files[src]
	if !ok {
		return exit(1, "", fmt.Sprintf("mv: cannot stat '%s': No such file or directory", src))
	}
	if _, ok := h.files[path.Dir(dst)]; !ok {
		return exit(1, "", fmt.Sprintf("mv: cannot move '%s' to '%s': No such file or directory", src, dst))
	}
	h.files[dst] = f
	delete(h.files, src)
	return exit(0, "", "")
}

func (h *FakeHost) stat(args []string) engine.CommandResult {
	p := args[len(args)-1]
	f, ok := h.files[p]
	if !ok {
		return exit(1, "", fmt.Sprintf("stat: cannot statx '%s': No such file or directory", p))
	}
	return exit(0, f.Owner+":"+f.Group+"\n", "")
}

func (h *FakeHost) chmod(args []string) engine.CommandResult {
	var mode uint32
	if _, err := fmt.Sscanf(args[1], "%o", &mode); err != nil {
		return exit(1, "", "chmod: invalid mode: '"+args[1]+"'")
	}
	f, ok := h.files[args[2]]
	if !ok {
		return exit(1, "", fmt.Sprintf("chmod: cannot access '%s': No such file or directory", args[2]))
	}
	f.Mode = mode
	return exit(0, "", "")
}

func (h *FakeHost) chown(args []string) engine.CommandResult {
	recursive := args[1] == "-R"
	owner, p := args[len(args)-2], args[len(args)-1]

	user, group, hasGroup := strings.Cut(owner, ":")
	acct, ok := h.users[user]
	if !ok {
		return exit(1, "", "chown: invalid user: '"+owner+"'")
	}
	if hasGroup && group == "" {
		group = acct.group
	}
	if group != "" && !h.groups[group] {
		return exit(1, "", "chown: invalid group: '"+owner+"'")
	}
	if _, ok := h.files[p]; !ok {
		return exit(1, "", fmt.Sprintf("chown: cannot access '%s': No such file or directory", p))
	}

	targets := []string{p}
	if recursive {
		targets = h.tree(p)
	}
	for _, t := range targets {
		f := h.files[t]
		f.Owner = user
		if group != "" {
			f.Group = group
		}
	}
	return exit(0, "", "")
}

// find P \( ! -user U -o ! -group G \) -print -quit
func (h *FakeHost) find(args []string) engine.CommandResult {
	if len(args) < 10 {
		return exit(1, "", "find: unsupported expression")
	}
	p, user, group := args[1], args[5], args[9]
	if _, ok := h.files[p]; !ok {
		return exit(1, "", fmt.Sprintf("find: '%s': No such file or directory", p))
	}
	for _, t := range h.tree(p) {
		f := h.files[t]
		if f.Owner != user || f.Group != group {
			return exit(0, t+"\n", "")
		}
	}
	return exit(0, "", "")
}

// printf '%s' DATA | base64 -d > PATH
func (h *FakeHost) redirect(args []string) engine.CommandResult {
	if len(args) != 8 || args[3] != "|" || args[4] != "base64" || args[6] != ">" {
		return exit(2, "", "printf: unsupported pipeline")
	}
	data, err := base64.StdEncoding.DecodeString(args[2])
	if err != nil {
		return exit(1, "", "base64: invalid input")
	}
	return h.create(args[7], string(data))
}

// create writes a regular file the way a shell redirect does.
func (h *FakeHost) create(p, data string) engine.CommandResult {
	parent, ok := h.files[path.Dir(p)]
	if !ok || !parent.Dir {
		return exit(1, "", fmt.Sprintf("sh: %s: No such file or directory", p))
	}
	if f, ok := h.files[p]; ok {
		if f.Dir {
			return exit(1, "", fmt.Sprintf("sh: %s: Is a directory", p))
		}
		f.Data = data
		return exit(0, "", "")
	}
	h.files[p] = &FileInfo{Data: data, Mode: 0o666 &^ h.umask, Owner: "root", Group: "root"}
	return exit(0, "", "")
}

func (h *FakeHost) commandExists(args []string) engine.CommandResult {
	name := args[len(args)-1]
	for _, m := range h.managers {
		if m == name {
			return exit(0, "/usr/bin/"+name+"\n", "")
		}
	}
	return exit(1, "", "")
}

func (h *FakeHost) queryPackage(args []string) engine.CommandResult {
	name := args[len(args)-1]
	installed := h.packages[name]
	if args[0] == "dpkg-query" {
		if !installed {
			return exit(1, "", "dpkg-query: no packages found matching "+name)
		}
		return exit(0, "install ok installed", "")
	}
	if !installed {
		return exit(1, "package "+name+" is not installed\n", "")
	}
	return exit(0, "1.0-1", "")
}

func (h *FakeHost) packageAction(args []string) engine.CommandResult {
	name := args[len(args)-1]
	for _, a := range args[1:] {
		switch a {
		case "install":
			h.packages[name] = true
			return exit(0, "", "")
		case "remove":
			delete(h.packages, name)
			return exit(0, "", "")
		}
	}
	return exit(1, "", args[0]+": unsupported operation")
}

func (h *FakeHost) validate(args []string) engine.CommandResult {
	p := args[len(args)-1]
	f, ok := h.files[p]
	if !ok {
		return exit(255, "", p+": No such file or directory")
	}
	if h.validator != nil {
		if err := h.validator(f.Data); err != nil {
			return exit(255, "", err.Error())
		}
	}
	return exit(0, "", "")
}

// tree returns p and every path below it, sorted.
func (h *FakeHost) tree(p string) []string {
	var out []string
	prefix := strings.TrimSuffix(p, "/") + "/"
	for name := range h.files {
		if name == p || strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func splitOwner(owner string) (string, string) {
	if owner == "" {
		return "root", "root"
	}
	if u, g, ok := strings.Cut(owner, ":"); ok {
		return u, g
	}
	return owner, owner
}

func exit(code int, stdout, stderr string) engine.CommandResult {
	return engine.CommandResult{Stdout: stdout, Stderr: stderr, ExitCode: code}
}

// splitWords splits a command line into words using POSIX quoting rules for
// single quotes, double quotes and backslashes.
func splitWords(line string) ([]string, error) {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		inQuote rune
	)
	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inQuote == '\'':
			if r == '\'' {
				inQuote = 0
			} else {
				cur.WriteRune(r)
			}
		case inQuote == '"':
			switch {
			case r == '"':
				inQuote = 0
			case r == '\\' && i+1 < len(runes):
				i++
				cur.WriteRune(runes[i])
			default:
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			inQuote = r
			inWord = true
		case r == '\\' && i+1 < len(runes):
			i++
			cur.WriteRune(runes[i])
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if inQuote != 0 {
		return nil, fmt.Errorf("unterminated quote in %q", line)
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}
