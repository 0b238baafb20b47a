package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/report"
)

type planOptions struct {
	manifest manifestFlags
	diff     bool
	local    bool
}

func newPlanCommand(a *app) *cobra.Command {
	opts := &planOptions{}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what apply would change",
		Long: `Probe every resource and show what apply would change, without
changing anything. Policy violations are reported but do not stop the plan.`,
		Example: `  # Preview changes, including the sshd_config edit
  converge plan -f site.yaml --diff`,
		Args: args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runPlan(cmd.Context(), opts)
		},
	}

	opts.manifest.register(cmd)
	cmd.Flags().BoolVar(&opts.diff, "diff", false, "show the planned sshd_config edit as a diff")
	cmd.Flags().BoolVar(&opts.local, "local", false, "plan against this machine, ignoring the manifest target")

	return cmd
}

type planOutput struct {
	Plan       *engine.Plan   `json:"plan"`
	Policy     *policy.Result `json:"policy"`
	SSHDConfig []string       `json:"sshd_config_diff,omitempty"`
}

func (a *app) runPlan(ctx context.Context, opts *planOptions) error {
	logger := a.logger()

	m, descriptors, err := a.loadManifest(ctx, &opts.manifest, logger)
	if err != nil {
		return a.reportValidation(err)
	}

	res, err := a.preflight(ctx, "plan", m, descriptors, opts.manifest.policies, logger)
	if err != nil {
		return err
	}

	t, err := a.dial(ctx, m, opts.local, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := t.close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close connection")
		}
	}()

	driver, err := engine.NewDriver(t.transport, m.Settings, engine.WithLogger(logger))
	if err != nil {
		return usageError(err)
	}
	plan, err := driver.Plan(ctx, descriptors)
	if err != nil {
		return err
	}

	var before, after string
	touched := false
	if opts.diff {
		path := driver.Config().SSHDConfigPath
		before, _, err = engine.ReadFile(ctx, t.transport, path)
		if err != nil {
			return err
		}
		after, touched = report.PlannedSSHDConfig(before, plan)
	}

	if a.opts.jsonOutput {
		out := planOutput{Plan: plan, Policy: res}
		if touched {
			out.SSHDConfig = report.DiffLines(before, after, 2)
		}
		return report.JSON(a.out, out)
	}

	p := a.printer()
	if len(res.Violations) > 0 || len(res.Errors) > 0 {
		p.Policy(res)
	}
	p.Plan(plan)
	if touched {
		p.Diff(driver.Config().SSHDConfigPath, before, after)
	}
	return nil
}
