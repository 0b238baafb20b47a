package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/report"
)

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.opts.jsonOutput {
				return report.JSON(a.out, map[string]string{
					"version":    a.build.Version,
					"commit":     a.build.Commit,
					"build_date": a.build.BuildDate,
				})
			}
			fmt.Fprintf(a.out, "converge %s\n", a.build)
			return nil
		},
	}
}
