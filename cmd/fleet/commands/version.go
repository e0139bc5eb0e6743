package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return printJSON(cmd, map[string]string{
					"version":    buildVersion,
					"commit":     buildCommit,
					"build_date": buildDate,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fleet %s (commit: %s, built: %s)\n",
				buildVersion, buildCommit, buildDate)
			return nil
		},
	}
}
