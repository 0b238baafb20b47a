package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/report"
	"github.com/openfroyo/converge/pkg/stores"
)

func newHistoryCommand(a *app) *cobra.Command {
	var (
		db    string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, newest first",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return usageError(fmt.Errorf("--limit must be positive, got %d", limit))
			}
			return a.runHistory(cmd.Context(), db, limit)
		},
	}

	cmd.Flags().StringVar(&db, "db", stores.DefaultPath(), "run history database")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	return cmd
}

func (a *app) runHistory(ctx context.Context, db string, limit int) error {
	store, err := openStore(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, limit, 0)
	if err != nil {
		return err
	}
	if a.opts.jsonOutput {
		if runs == nil {
			runs = []*stores.Run{}
		}
		return report.JSON(a.out, runs)
	}
	return a.printer().Runs(runs)
}

func newShowCommand(a *app) *cobra.Command {
	var db string

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the report of a recorded run",
		Args:  args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			return a.runShow(cmd.Context(), db, argv[0])
		},
	}

	cmd.Flags().StringVar(&db, "db", stores.DefaultPath(), "run history database")
	return cmd
}

type showOutput struct {
	Run    *stores.Run    `json:"run"`
	Report *engine.Report `json:"report"`
}

func (a *app) runShow(ctx context.Context, db, id string) error {
	store, err := openStore(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	defer store.Close()

	run, rep, err := store.GetReport(ctx, id)
	if errors.Is(err, stores.ErrNotFound) {
		return fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return err
	}

	if a.opts.jsonOutput {
		return report.JSON(a.out, showOutput{Run: run, Report: rep})
	}
	fmt.Fprintf(a.out, "Target:   %s\nManifest: %s\n", run.Target, run.Manifest)
	a.printer().Report(rep)
	return nil
}
