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

// Mode applied to permission-sensitive files (authorized_keys, sshd_config).
const ownerOnlyMode = "0600"

// Executor applies the minimal host change that moves one resource to its
// desired state. Every failure is returned as an action *Error.
type Executor struct {
	transport Transport
	cfg       Config
	logger    zerolog.Logger
}

// NewExecutor creates an executor over transport.
func NewExecutor(transport Transport, cfg Config, logger zerolog.Logger) *Executor {
	return &Executor{
		transport: transport,
		cfg:       cfg,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// Apply acts on a needs_action decision. It reports whether the host was
// changed; false with a nil error means the host already matched when the
// executor looked again.
func (e *Executor) Apply(ctx context.Context, d ResourceDescriptor, decision Decision) (bool, error) {
	if decision.Type != DecisionNeedsAction {
		return false, nil
	}

	var (
		changed bool
		err     error
	)
	switch d.Kind() {
	case KindUserExists:
		changed, err = true, e.must(ctx, "failed to create user", cmdUseradd(e.cfg.DefaultShell, d.Key()))
	case KindSSHKeyInstalled:
		changed, err = e.installKeys(ctx, d)
	case KindSSHDirectiveSet:
		changed, err = e.setDirective(ctx, d)
	case KindDirectoryOwned:
		changed, err = true, e.ownDirectory(ctx, d)
	case KindPackageInstalled:
		changed, err = true, e.ensurePackage(ctx, d)
	case KindHostnameSet:
		changed, err = true, e.must(ctx, "failed to set host name", cmdSetHostname(d.Desired().Str))
	default:
		err = NewActionError(fmt.Sprintf("unsupported kind %q", d.Kind()), nil)
	}
	if err != nil {
		var actionErr *Error
		if errors.As(err, &actionErr) {
			return false, actionErr.WithResource(d)
		}
		return false, err
	}
	return changed, nil
}

// must runs a mutating command and turns any failure into an action error
// carrying the command's stderr verbatim.
func (e *Executor) must(ctx context.Context, message, command string) error {
	e.logger.Debug().Str("command", command).Msg("running")
	res, err := e.transport.Execute(ctx, command)
	if err != nil {
		return &Error{Kind: ErrorKindAction, Message: message, Command: command, ExitCode: -1, Err: err}
	}
	if !res.OK() {
		return commandError(ErrorKindAction, message, command, res)
	}
	return nil
}

// read runs a read-only command on behalf of the executor. Failures are
// action errors: the resource was already being changed.
func (e *Executor) read(ctx context.Context, command string) (CommandResult, error) {
	res, err := e.transport.Execute(ctx, command)
	if err != nil {
		return res, NewActionError(fmt.Sprintf("failed to run %q", command), err)
	}
	return res, nil
}

func (e *Executor) installKeys(ctx context.Context, d ResourceDescriptor) (bool, error) {
	entry, found, err := lookupUser(ctx, e.read, d.Key())
	if err != nil {
		return false, asAction(err)
	}
	if !found {
		return false, NewActionError(fmt.Sprintf("user %s does not exist", d.Key()), nil)
	}

	keysPath := path.Join(entry.Home, e.cfg.AuthorizedKeysFile)
	keysDir := path.Dir(keysPath)
	owner := d.Key() + ":"

	res, err := e.read(ctx, cmdTestDir(keysDir))
	if err != nil {
		return false, err
	}
	if !res.OK() {
		for _, step := range []hostStep{
			{"failed to create key directory", cmdMkdir(keysDir)},
			{"failed to set mode on key directory", cmdChmod("0700", keysDir)},
			{"failed to set owner on key directory", cmdChown(owner, keysDir, false)},
		} {
			if err := e.must(ctx, step.message, step.command); err != nil {
				return false, err
			}
		}
	}

	content, _, err := readFile(ctx, e.read, keysPath)
	if err != nil {
		return false, asAction(err)
	}
	missing := missingKeys(d.Desired().Items(), authorizedKeyLines(content))
	if len(missing) == 0 {
		return false, nil
	}

	var b strings.Builder
	b.WriteString(content)
	if content != "" && !strings.HasSuffix(content, "\n") {
		b.WriteByte('\n')
	}
	for _, k := range missing {
		b.WriteString(k)
		b.WriteByte('\n')
	}

	err = e.writeAtomic(ctx, fileWrite{
		Path:  keysPath,
		Data:  []byte(b.String()),
		Mode:  ownerOnlyMode,
		Owner: owner,
	})
	return err == nil, err
}

func (e *Executor) setDirective(ctx context.Context, d ResourceDescriptor) (bool, error) {
	target := e.cfg.SSHDConfigPath
	content, exists, err := readFile(ctx, e.read, target)
	if err != nil {
		return false, asAction(err)
	}

	rendered := sshdconfig.Parse(content).Apply(map[string]string{
		d.Key(): directiveValue(d.Desired()),
	}).String()
	if rendered == content {
		return false, nil
	}

	owner := ""
	if exists {
		cmd := cmdStatOwner(target)
		res, err := e.read(ctx, cmd)
		if err != nil {
			return false, err
		}
		if !res.OK() {
			return false, commandError(ErrorKindAction, "failed to read config owner", cmd, res)
		}
		owner = strings.TrimSpace(res.Stdout)
	}

	if err := e.writeAtomic(ctx, fileWrite{
		Path:     target,
		Data:     []byte(rendered),
		Mode:     ownerOnlyMode,
		Owner:    owner,
		Validate: e.cfg.ValidateCommand,
	}); err != nil {
		return false, err
	}

	// The file changed: the daemon must pick it up.
	if err := e.must(ctx, "configuration written but service restart failed", cmdService(e.cfg.ServiceAction, e.cfg.SSHService)); err != nil {
		return true, err
	}
	e.logger.Info().Str("service", e.cfg.SSHService).Str("action", e.cfg.ServiceAction).Msg("service notified")
	return true, nil
}

func (e *Executor) ownDirectory(ctx context.Context, d ResourceDescriptor) error {
	user, group := SplitOwner(d.Desired().Str)
	if err := e.must(ctx, "failed to create directory", cmdMkdir(d.Key())); err != nil {
		return err
	}
	return e.must(ctx, "failed to change ownership", cmdChown(user+":"+group, d.Key(), true))
}

func (e *Executor) ensurePackage(ctx context.Context, d ResourceDescriptor) error {
	manager, err := resolvePackageManager(ctx, e.read, e.cfg.PackageManager)
	if err != nil {
		return asAction(err)
	}
	if d.Desired().Bool {
		return e.must(ctx, "failed to install package", cmdPackageInstall(manager, d.Key()))
	}
	return e.must(ctx, "failed to remove package", cmdPackageRemove(manager, d.Key()))
}

// asAction reclassifies an error raised by a shared read helper.
func asAction(err error) error {
	var probeErr *Error
	if errors.As(err, &probeErr) && probeErr.Kind == ErrorKindProbe {
		copied := *probeErr
		copied.Kind = ErrorKindAction
		return &copied
	}
	return err
}
