package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/report"
	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/telemetry"
	"github.com/openfroyo/converge/pkg/transports/local"
	"github.com/openfroyo/converge/pkg/transports/ssh"
)

// target is an open connection to the managed host.
type target struct {
	transport engine.Transport
	name      string
	close     func() error
}

// dialFunc opens the transport for a manifest's target. forceLocal overrides
// the manifest and converges this machine.
type dialFunc func(ctx context.Context, m *config.Manifest, forceLocal bool, logger zerolog.Logger) (*target, error)

// app holds what every command shares: flags, output streams and the way to
// reach a host.
type app struct {
	build  BuildInfo
	opts   globalOptions
	out    io.Writer
	errOut io.Writer
	dial   dialFunc
}

func newApp(build BuildInfo, out, errOut io.Writer) *app {
	return &app{
		build:  build,
		opts:   globalOptions{logFormat: "console"},
		out:    out,
		errOut: errOut,
		dial:   dialTarget,
	}
}

func (a *app) loggingConfig() telemetry.LoggingConfig {
	level := os.Getenv("LOG_LEVEL")
	if _, err := zerolog.ParseLevel(level); err != nil || level == "" {
		level = "info"
	}
	if a.opts.verbose {
		level = "debug"
	}
	return telemetry.LoggingConfig{
		Level:   level,
		Format:  a.opts.logFormat,
		Output:  "stderr",
		NoColor: !report.IsTerminal(a.errOut),
	}
}

func (a *app) logger() zerolog.Logger {
	return telemetry.NewLoggerTo(a.errOut, a.loggingConfig()).Zerolog()
}

func (a *app) printer() *report.Printer {
	return report.NewPrinter(a.out)
}

// manifestFlags are the flags of every command that reads a manifest.
type manifestFlags struct {
	file     string
	vars     map[string]string
	policies []string
}

func (f *manifestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "manifest file or CUE package directory")
	cmd.Flags().StringToStringVar(&f.vars, "var", nil, "value exposed to Starlark manifests as vars[key] (repeatable)")
	cmd.Flags().StringSliceVar(&f.policies, "policy", nil, "extra Rego policy file or directory (repeatable)")
}

// loadManifest loads and validates the manifest and converts its resources.
// Manifest problems are returned as usage errors.
func (a *app) loadManifest(ctx context.Context, f *manifestFlags, logger zerolog.Logger) (*config.Manifest, []engine.ResourceDescriptor, error) {
	if f.file == "" {
		return nil, nil, usageError(errors.New("a manifest is required (--file)"))
	}

	vars := make(map[string]interface{}, len(f.vars))
	for k, v := range f.vars {
		vars[k] = v
	}

	loader := config.NewLoader(config.WithLogger(logger), config.WithVars(vars))
	m, err := loader.Load(ctx, f.file)
	if err != nil {
		return nil, nil, usageError(err)
	}
	descriptors, err := m.Descriptors()
	if err != nil {
		return nil, nil, usageError(err)
	}
	return m, descriptors, nil
}

// policyPaths returns the manifest's policy files, relative to the manifest,
// followed by the ones given on the command line.
func policyPaths(m *config.Manifest, extra []string) []string {
	base := filepath.Dir(m.Source)
	if info, err := os.Stat(m.Source); err == nil && info.IsDir() {
		base = m.Source
	}

	paths := make([]string, 0, len(m.Policies)+len(extra))
	for _, p := range m.Policies {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		paths = append(paths, p)
	}
	return append(paths, extra...)
}

// preflight evaluates the built-in and user policies against the manifest.
func (a *app) preflight(ctx context.Context, operation string, m *config.Manifest, descriptors []engine.ResourceDescriptor, extra []string, logger zerolog.Logger) (*policy.Result, error) {
	pe, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if paths := policyPaths(m, extra); len(paths) > 0 {
		if err := pe.LoadPolicies(ctx, paths); err != nil {
			return nil, usageError(err)
		}
	}
	return pe.Evaluate(ctx, policy.NewInput(operation, m.Target.String(), m.Settings, descriptors))
}

// dialTarget connects to the manifest's host, or wraps this machine when the
// target is local.
func dialTarget(ctx context.Context, m *config.Manifest, forceLocal bool, logger zerolog.Logger) (*target, error) {
	if forceLocal || m.Target.Local {
		return &target{
			transport: local.New(local.WithLogger(logger)),
			name:      "local",
			close:     func() error { return nil },
		}, nil
	}

	cfg, err := m.Target.SSHConfig()
	if err != nil {
		return nil, usageError(err)
	}
	client, err := ssh.NewClient(cfg)
	if err != nil {
		return nil, usageError(err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", m.Target, err)
	}
	logger.Info().Str("target", cfg.Address()).Str("user", cfg.User).Msg("Connected")

	return &target{
		transport: client.Transport(),
		name:      cfg.User + "@" + cfg.Address(),
		close:     client.Close,
	}, nil
}

// openStore opens the run history database, creating and migrating it when
// needed.
func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// reportValidation shows manifest errors and marks err as reported.
func (a *app) reportValidation(err error) error {
	var invalid config.ValidationErrors
	if !errors.As(err, &invalid) {
		return err
	}
	if a.opts.jsonOutput {
		_ = report.JSON(a.out, struct {
			Valid  bool                    `json:"valid"`
			Errors config.ValidationErrors `json:"errors"`
		}{Errors: invalid})
	} else {
		report.NewPrinter(a.errOut).Validation(invalid)
	}
	return &ExitError{Code: ExitUsage, Err: err, Reported: true}
}
