package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfleet/openfleet/pkg/engine"
)

// printJSON writes v as indented JSON to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRunResult renders a completed run: one line per action in dispatch
// order, then the summary and verdict.
func printRunResult(cmd *cobra.Command, result *engine.RunResult) error {
	if jsonOutput {
		return printJSON(cmd, result)
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tOPERATION\tSTATUS\tEFFECT\tDURATION")
	for _, a := range result.Actions {
		detail := string(a.Effect)
		if a.Error != nil {
			detail = a.Error.Code
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			a.Key, a.Operation, a.Status, detail, a.Duration.Round(timeUnit(a)))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	s := result.Summary
	fmt.Fprintf(out, "\nRun %s: %s\n", result.RunID, result.Verdict)
	fmt.Fprintf(out, "%d total: %d succeeded, %d failed, %d skipped (%d changed, %d unchanged) in %s\n",
		s.Total, s.Succeeded, s.Failed, s.Skipped, s.Changed, s.Unchanged,
		result.Duration.Round(time.Millisecond))
	return nil
}

// printPlan renders a dry-run preview: planned operation and effect per
// action, no timings.
func printPlan(cmd *cobra.Command, result *engine.RunResult) error {
	if jsonOutput {
		return printJSON(cmd, result)
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tOPERATION\tEFFECT")
	for _, a := range result.Actions {
		detail := string(a.Effect)
		if a.Error != nil {
			detail = a.Error.Code
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.Key, a.Operation, detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	s := result.Summary
	fmt.Fprintf(out, "\nPlan: %d actions, %d would change, %d already in sync\n",
		s.Total, s.Changed, s.Unchanged)
	return nil
}

// printDriftReports renders drift verification results and returns the
// number of drifted actions.
func printDriftReports(cmd *cobra.Command, reports []*engine.DriftReport) (int, error) {
	drifted := 0
	for _, r := range reports {
		if r.Status == engine.DriftStatusDrifted {
			drifted++
		}
	}

	if jsonOutput {
		return drifted, printJSON(cmd, reports)
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tSTATUS\tDETAIL")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Key, r.Status, r.Detail)
	}
	if err := w.Flush(); err != nil {
		return drifted, err
	}

	fmt.Fprintf(out, "\n%d of %d actions drifted\n", drifted, len(reports))
	return drifted, nil
}

// timeUnit picks millisecond rounding for short actions, second rounding
// for long ones, so the table stays readable either way.
func timeUnit(a *engine.ActionResult) time.Duration {
	if a.Duration >= 10*time.Second {
		return time.Second
	}
	return time.Millisecond
}
