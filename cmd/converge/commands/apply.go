package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/report"
	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/telemetry"
	"github.com/openfroyo/converge/pkg/watch"
)

type applyOptions struct {
	manifest     manifestFlags
	watch        bool
	local        bool
	db           string
	noHistory    bool
	metricsFile  string
	metricsAddr  string
	trace        string
	otlpEndpoint string
}

func newApplyCommand(a *app) *cobra.Command {
	opts := &applyOptions{}

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge the target host to the manifest",
		Long: `Converge the target host to the manifest.

This command:
  - Loads and validates the manifest
  - Checks it against the built-in and user policies (error severity blocks)
  - Probes each resource in order and changes only what differs
  - Stops at the first failure and marks the remaining resources skipped
  - Records the run in the history database`,
		Example: `  # Apply a manifest over SSH
  converge apply -f site.yaml

  # Converge this machine
  converge apply -f site.yaml --local

  # Re-apply whenever the manifest or a policy changes
  converge apply -f site.star --watch --policy ./policies`,
		Args: args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runApply(cmd.Context(), opts)
		},
	}

	opts.manifest.register(cmd)
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "re-apply whenever the manifest or a policy file changes")
	cmd.Flags().BoolVar(&opts.local, "local", false, "converge this machine, ignoring the manifest target")
	cmd.Flags().StringVar(&opts.db, "db", stores.DefaultPath(), "run history database")
	cmd.Flags().BoolVar(&opts.noHistory, "no-history", false, "do not record the run")
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this file after each run")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&opts.trace, "trace", "none", "trace exporter (none, stdout, otlp)")
	cmd.Flags().StringVar(&opts.otlpEndpoint, "otlp-endpoint", "localhost:4317", "OTLP collector address for --trace otlp")

	return cmd
}

func (a *app) telemetryConfig(opts *applyOptions) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = a.build.Version
	cfg.Logging = a.loggingConfig()
	cfg.Metrics.TextfilePath = opts.metricsFile
	cfg.Metrics.ListenAddress = opts.metricsAddr

	switch opts.trace {
	case "", "none":
	default:
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = opts.trace
		cfg.Tracing.Endpoint = opts.otlpEndpoint
	}
	return cfg
}

func (a *app) runApply(ctx context.Context, opts *applyOptions) error {
	logger := a.logger()

	tel, err := telemetry.NewTelemetry(a.telemetryConfig(opts), a.errOut)
	if err != nil {
		return usageError(err)
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush telemetry")
		}
	}()
	ctx = tel.WithContext(ctx)

	if opts.metricsAddr != "" {
		go func() {
			if err := tel.Metrics.Serve(ctx, opts.metricsAddr); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	var store stores.Store
	if !opts.noHistory {
		s, err := openStore(ctx, opts.db)
		if err != nil {
			return fmt.Errorf("failed to open run history: %w", err)
		}
		defer s.Close()
		store = s
	}

	observer := tel.Observer()
	m, err := a.applyOnce(ctx, opts, observer, store, logger)
	if !opts.watch {
		return err
	}
	if err != nil {
		logger.Error().Err(err).Msg("Apply failed, waiting for changes")
	}

	paths := []string{opts.manifest.file}
	if m != nil {
		paths = append(paths, policyPaths(m, nil)...)
	}
	paths = append(paths, opts.manifest.policies...)

	w, err := watch.New(paths, watch.WithLogger(logger))
	if err != nil {
		return usageError(err)
	}
	logger.Info().Strs("paths", paths).Msg("Watching for changes")

	return w.Run(ctx, func(ctx context.Context) error {
		logger.Info().Msg("Change detected, re-applying")
		if _, err := a.applyOnce(ctx, opts, observer, store, logger); err != nil {
			logger.Error().Err(err).Msg("Apply failed")
		}
		if err := tel.Flush(); err != nil {
			logger.Warn().Err(err).Msg("Failed to write metrics")
		}
		return nil
	})
}

// applyOnce loads the manifest, checks policies and converges the host once.
// The manifest is returned whenever it loaded, even if the run failed.
func (a *app) applyOnce(ctx context.Context, opts *applyOptions, observer engine.RunObserver, store stores.Store, logger zerolog.Logger) (*config.Manifest, error) {
	m, descriptors, err := a.loadManifest(ctx, &opts.manifest, logger)
	if err != nil {
		return nil, a.reportValidation(err)
	}

	res, err := a.preflight(ctx, "apply", m, descriptors, opts.manifest.policies, logger)
	if err != nil {
		return m, err
	}
	if len(res.Violations) > 0 || len(res.Errors) > 0 {
		report.NewPrinter(a.errOut).Policy(res)
	}
	if err := res.Err(); err != nil {
		return m, &ExitError{Code: ExitDenied, Err: err, Reported: true}
	}

	t, err := a.dial(ctx, m, opts.local, logger)
	if err != nil {
		return m, err
	}
	defer func() {
		if err := t.close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close connection")
		}
	}()

	driver, err := engine.NewDriver(t.transport, m.Settings,
		engine.WithObserver(observer),
		engine.WithLogger(logger),
	)
	if err != nil {
		return m, usageError(err)
	}

	rep, err := driver.Run(ctx, descriptors)
	if err != nil {
		return m, err
	}

	if store != nil {
		manifest := m.Source
		if abs, err := filepath.Abs(manifest); err == nil {
			manifest = abs
		}
		meta := stores.RunMeta{Target: t.name, Manifest: manifest}
		if err := store.SaveReport(context.WithoutCancel(ctx), rep, meta); err != nil {
			logger.Warn().Err(err).Str("run_id", rep.RunID).Msg("Failed to record run")
		}
	}

	if a.opts.jsonOutput {
		if err := report.JSON(a.out, applyOutput{Report: rep, Policy: res}); err != nil {
			return m, err
		}
	} else {
		a.printer().Report(rep)
	}

	if !rep.Succeeded() {
		return m, &ExitError{
			Code:     ExitFailed,
			Err:      errors.New("run " + rep.RunID + " " + string(rep.State) + ": " + rep.Reason),
			Reported: true,
		}
	}
	return m, nil
}

type applyOutput struct {
	Report *engine.Report `json:"report"`
	Policy *policy.Result `json:"policy"`
}
