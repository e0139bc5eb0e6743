package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var manifestFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a manifest without deploying",
		Long: `Validate parses the manifest, checks its schema, and resolves every
cross-section reference: depends_on names, from_output sections and
output keys, and target account IDs. No AWS credentials are needed.`,
		Example: `  # Validate before committing
  fleet validate -f manifest.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(manifestFile)
			if err != nil {
				return err
			}
			if err := m.Validate(); err != nil {
				return usageErr(err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "manifest %s is valid: %d accounts, %d products, %d baselines, %d launches\n",
				m.Name, len(m.Accounts), len(m.Products), len(m.Baselines), len(m.Launches))
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestFile, "file", "f", "", "manifest file path")
	cmd.MarkFlagRequired("file")

	return cmd
}
