package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/report"
)

func newValidateCommand(a *app) *cobra.Command {
	opts := &manifestFlags{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a manifest and check it against policies",
		Long: `Validate a manifest without contacting the target host.

This command checks:
  - Syntax of the manifest format
  - The manifest schema and field constraints
  - Resource values and duplicate resources
  - Built-in and user policies (OPA/Rego)`,
		Example: `  # Validate a manifest
  converge validate -f site.yaml

  # Include site policies
  converge validate -f site.cue --policy ./policies`,
		Args: args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runValidate(cmd.Context(), opts)
		},
	}

	opts.register(cmd)
	return cmd
}

type validateOutput struct {
	Valid     bool           `json:"valid"`
	Manifest  string         `json:"manifest"`
	Resources int            `json:"resources"`
	Policy    *policy.Result `json:"policy"`
}

func (a *app) runValidate(ctx context.Context, opts *manifestFlags) error {
	logger := a.logger()

	m, descriptors, err := a.loadManifest(ctx, opts, logger)
	if err != nil {
		return a.reportValidation(err)
	}

	res, err := a.preflight(ctx, "validate", m, descriptors, opts.policies, logger)
	if err != nil {
		return err
	}

	if a.opts.jsonOutput {
		if err := report.JSON(a.out, validateOutput{
			Valid:     res.Allowed,
			Manifest:  m.Source,
			Resources: len(descriptors),
			Policy:    res,
		}); err != nil {
			return err
		}
	} else {
		a.printer().Policy(res)
		if res.Allowed {
			fmt.Fprintf(a.out, "%s: %d resources, target %s\n", m.Source, len(descriptors), m.Target)
		}
	}

	if err := res.Err(); err != nil {
		return &ExitError{Code: ExitDenied, Err: err, Reported: true}
	}
	return nil
}
