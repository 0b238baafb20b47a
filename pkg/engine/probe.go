package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/sshdconfig"
)

// Probe reads the current state of resources. It never mutates the host and
// keeps no state between calls: every Observe goes to the host.
type Probe struct {
	transport Transport
	cfg       Config
	logger    zerolog.Logger
}

// NewProbe creates a probe over transport.
func NewProbe(transport Transport, cfg Config, logger zerolog.Logger) *Probe {
	return &Probe{
		transport: transport,
		cfg:       cfg,
		logger:    logger.With().Str("component", "probe").Logger(),
	}
}

// Observe returns the current state of the resource d describes.
func (p *Probe) Observe(ctx context.Context, d ResourceDescriptor) (ObservedState, error) {
	var (
		obs ObservedState
		err error
	)

	switch d.Kind() {
	case KindUserExists:
		obs, err = p.observeUser(ctx, d)
	case KindSSHKeyInstalled:
		obs, err = p.observeKeys(ctx, d)
	case KindSSHDirectiveSet:
		obs, err = p.observeDirective(ctx, d)
	case KindDirectoryOwned:
		obs, err = p.observeDirectory(ctx, d)
	case KindPackageInstalled:
		obs, err = p.observePackage(ctx, d)
	case KindHostnameSet:
		obs, err = p.observeHostname(ctx)
	default:
		err = NewProbeError(fmt.Sprintf("unsupported kind %q", d.Kind()), nil)
	}
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return ObservedState{}, e.WithResource(d)
		}
		return ObservedState{}, err
	}

	p.logger.Debug().
		Str("resource", d.ID()).
		Bool("present", obs.Present).
		Str("value", obs.Value.String()).
		Str("unmet", obs.Unmet).
		Msg("observed")
	return obs, nil
}

// run executes a read-only command. Transport failures become probe errors.
func (p *Probe) run(ctx context.Context, command string) (CommandResult, error) {
	res, err := p.transport.Execute(ctx, command)
	if err != nil {
		return res, NewProbeError(fmt.Sprintf("failed to run %q", command), err)
	}
	return res, nil
}

func (p *Probe) observeUser(ctx context.Context, d ResourceDescriptor) (ObservedState, error) {
	_, found, err := lookupUser(ctx, p.run, d.Key())
	if err != nil {
		return ObservedState{}, err
	}
	return ObservedState{Present: found, Value: Bool(found)}, nil
}

func (p *Probe) observeKeys(ctx context.Context, d ResourceDescriptor) (ObservedState, error) {
	entry, found, err := lookupUser(ctx, p.run, d.Key())
	if err != nil {
		return ObservedState{}, err
	}
	if !found {
		return ObservedState{
			Unmet:    fmt.Sprintf("user %s does not exist", d.Key()),
			Requires: UserExists(d.Key()).ID(),
		}, nil
	}

	content, exists, err := readFile(ctx, p.run, path.Join(entry.Home, p.cfg.AuthorizedKeysFile))
	if err != nil {
		return ObservedState{}, err
	}
	if !exists {
		return ObservedState{Value: List()}, nil
	}
	return ObservedState{Present: true, Value: List(authorizedKeyLines(content)...)}, nil
}

func (p *Probe) observeDirective(ctx context.Context, d ResourceDescriptor) (ObservedState, error) {
	content, exists, err := readFile(ctx, p.run, p.cfg.SSHDConfigPath)
	if err != nil {
		return ObservedState{}, err
	}
	if !exists {
		return ObservedState{}, nil
	}

	value, found := sshdconfig.Parse(content).Lookup(d.Key())
	if !found {
		return ObservedState{}, nil
	}
	if d.Desired().Type == ValueList {
		return ObservedState{Present: true, Value: List(strings.Fields(value)...)}, nil
	}
	return ObservedState{Present: true, Value: String(value)}, nil
}

func (p *Probe) observeDirectory(ctx context.Context, d ResourceDescriptor) (ObservedState, error) {
	user, group := SplitOwner(d.Desired().Str)

	if _, found, err := lookupUser(ctx, p.run, user); err != nil {
		return ObservedState{}, err
	} else if !found {
		return ObservedState{
			Unmet:    fmt.Sprintf("user %s does not exist", user),
			Requires: UserExists(user).ID(),
		}, nil
	}
	if found, err := lookupGroup(ctx, p.run, group); err != nil {
		return ObservedState{}, err
	} else if !found {
		return ObservedState{Unmet: fmt.Sprintf("group %s does not exist", group)}, nil
	}

	res, err := p.run(ctx, cmdTestDir(d.Key()))
	if err != nil {
		return ObservedState{}, err
	}
	if !res.OK() {
		return ObservedState{}, nil
	}

	cmd := cmdStatOwner(d.Key())
	res, err = p.run(ctx, cmd)
	if err != nil {
		return ObservedState{}, err
	}
	if !res.OK() {
		return ObservedState{}, commandError(ErrorKindProbe, "failed to read directory owner", cmd, res)
	}
	owner := strings.TrimSpace(res.Stdout)

	cmd = cmdFindForeign(d.Key(), user, group)
	res, err = p.run(ctx, cmd)
	if err != nil {
		return ObservedState{}, err
	}
	if !res.OK() {
		return ObservedState{}, commandError(ErrorKindProbe, "failed to scan directory ownership", cmd, res)
	}
	if foreign := strings.TrimSpace(res.Stdout); foreign != "" {
		return ObservedState{Present: true, Value: String(fmt.Sprintf("%s, %s not owned by %s:%s", owner, foreign, user, group))}, nil
	}
	return ObservedState{Present: true, Value: String(owner)}, nil
}

func (p *Probe) observePackage(ctx context.Context, d ResourceDescriptor) (ObservedState, error) {
	manager, err := resolvePackageManager(ctx, p.run, p.cfg.PackageManager)
	if err != nil {
		return ObservedState{}, err
	}

	cmd := cmdPackageQuery(manager, d.Key())
	res, err := p.run(ctx, cmd)
	if err != nil {
		return ObservedState{}, err
	}

	// Both rpm and dpkg-query exit 1 for an unknown package.
	if res.ExitCode > 1 {
		return ObservedState{}, commandError(ErrorKindProbe, "failed to query package", cmd, res)
	}
	installed := res.OK()
	if manager == PackageManagerAPT {
		// dpkg keeps records for removed packages; only "install ok installed" counts.
		installed = installed && strings.Contains(res.Stdout, "install ok installed")
	}
	return ObservedState{Present: installed, Value: Bool(installed)}, nil
}

func (p *Probe) observeHostname(ctx context.Context) (ObservedState, error) {
	cmd := cmdHostname()
	res, err := p.run(ctx, cmd)
	if err != nil {
		return ObservedState{}, err
	}
	if !res.OK() {
		return ObservedState{}, commandError(ErrorKindProbe, "failed to read host name", cmd, res)
	}
	name := strings.TrimSpace(res.Stdout)
	return ObservedState{Present: name != "", Value: String(name)}, nil
}

// runFunc runs one command and classifies transport failures.
type runFunc func(ctx context.Context, command string) (CommandResult, error)

// lookupUser resolves an account through NSS. getent exits 2 for unknown keys.
func lookupUser(ctx context.Context, run runFunc, user string) (passwdEntry, bool, error) {
	cmd := cmdGetentPasswd(user)
	res, err := run(ctx, cmd)
	if err != nil {
		return passwdEntry{}, false, err
	}
	switch res.ExitCode {
	case 0:
		entry, err := parsePasswd(res.Stdout)
		if err != nil {
			return passwdEntry{}, false, NewProbeError("failed to parse account", err)
		}
		return entry, true, nil
	case 2:
		return passwdEntry{}, false, nil
	default:
		return passwdEntry{}, false, commandError(ErrorKindProbe, "failed to look up account", cmd, res)
	}
}

func lookupGroup(ctx context.Context, run runFunc, group string) (bool, error) {
	cmd := cmdGetentGroup(group)
	res, err := run(ctx, cmd)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 2:
		return false, nil
	default:
		return false, commandError(ErrorKindProbe, "failed to look up group", cmd, res)
	}
}

// ReadFile returns the content of path on the host behind t. A missing file
// is reported through exists=false.
func ReadFile(ctx context.Context, t Transport, path string) (content string, exists bool, err error) {
	return readFile(ctx, t.Execute, path)
}

// readFile returns the content of path. A missing file is reported through
// exists=false, not as an error; any other read failure is a probe error.
func readFile(ctx context.Context, run runFunc, path string) (content string, exists bool, err error) {
	res, err := run(ctx, cmdTestExists(path))
	if err != nil {
		return "", false, err
	}
	if !res.OK() {
		return "", false, nil
	}

	cmd := cmdCat(path)
	res, err = run(ctx, cmd)
	if err != nil {
		return "", false, err
	}
	if !res.OK() {
		return "", false, commandError(ErrorKindProbe, fmt.Sprintf("failed to read %s", path), cmd, res)
	}
	return res.Stdout, true, nil
}

// resolvePackageManager returns the configured manager or the first one found
// on the host.
func resolvePackageManager(ctx context.Context, run runFunc, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	for _, candidate := range packageManagerOrder {
		res, err := run(ctx, cmdCommandExists(candidate))
		if err != nil {
			return "", err
		}
		if res.OK() {
			return candidate, nil
		}
	}
	return "", NewProbeError("no supported package manager found (tried dnf, yum, apt-get, zypper)", nil)
}
