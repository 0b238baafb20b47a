package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// BuildInfo identifies the binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", b.Version, b.Commit, b.BuildDate)
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	verbose    bool
	jsonOutput bool
	logFormat  string
}

// Execute runs the root command
func Execute(ctx context.Context, build BuildInfo) error {
	a := newApp(build, os.Stdout, os.Stderr)
	return newRootCommand(a).ExecuteContext(ctx)
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "Converge a host to a declared state",
		Long: `converge brings one host to the state a manifest declares: accounts,
SSH keys, sshd directives, directory ownership, packages and the host name.

Every run probes the host first and changes only what differs, so applying
the same manifest twice leaves the host untouched the second time. Resources
are processed in manifest order and the run stops at the first failure.`,
		Version:       a.build.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.opts.logFormat != "console" && a.opts.logFormat != "json" {
				return usageError(fmt.Errorf("invalid --log-format %q (must be console or json)", a.opts.logFormat))
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&a.opts.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&a.opts.jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&a.opts.logFormat, "log-format", "console", "log format (console, json)")

	rootCmd.SetOut(a.out)
	rootCmd.SetErr(a.errOut)
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	rootCmd.AddCommand(newApplyCommand(a))
	rootCmd.AddCommand(newPlanCommand(a))
	rootCmd.AddCommand(newValidateCommand(a))
	rootCmd.AddCommand(newHistoryCommand(a))
	rootCmd.AddCommand(newShowCommand(a))
	rootCmd.AddCommand(newVersionCommand(a))

	return rootCmd
}

// args wraps a positional argument check so that violations exit as usage
// errors.
func args(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := check(cmd, a); err != nil {
			return usageError(err)
		}
		return nil
	}
}
