package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show deployment run history",
		Long: `Runs lists past deployment runs from the state store, newest first.
With a run ID argument it prints that run's full report, including every
per-action outcome.`,
		Example: `  # Recent runs
  fleet runs

  # Page through older history
  fleet runs --limit 50 --offset 50

  # Full report for one run
  fleet runs 4f6c72aa-8f2e-4b16-9c60-1a2b3c4d5e6f --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				result, err := store.GetRun(ctx, args[0])
				if err != nil {
					return runErr(err)
				}
				return printRunResult(cmd, result)
			}

			results, err := store.ListRuns(ctx, limit, offset)
			if err != nil {
				return runErr(err)
			}
			if jsonOutput {
				return printJSON(cmd, results)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tMANIFEST\tVERDICT\tACTIONS\tSTARTED\tDURATION")
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					r.RunID, r.ManifestName, r.Verdict,
					r.Summary.Succeeded, r.Summary.Total,
					r.StartedAt.Format("2006-01-02 15:04:05"),
					r.Duration.Round(time.Millisecond))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip from the newest")

	return cmd
}
