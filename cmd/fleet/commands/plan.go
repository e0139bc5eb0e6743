package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfleet/openfleet/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		manifestFile string
		targets      []string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview what a deployment would do",
		Long: `Plan runs the reconciliation pipeline in dry-run mode and prints the
operation and effect each action would have: create, update, terminate,
or no-op. Nothing is provisioned and no state records are written.

Parameters that depend on upstream outputs are simulated where a prior
deployment recorded them; a brand-new graph shows provisional operations.`,
		Example: `  # Preview the full deployment
  fleet plan -f manifest.yaml

  # Preview one region
  fleet plan -f manifest.yaml --target region:eu-west-1

  # Machine-readable plan
  fleet plan -f manifest.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, err := loadManifest(manifestFile)
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			eng, tel, err := buildEngine(ctx, store, "")
			if err != nil {
				return err
			}
			defer tel.Shutdown(ctx)

			log.Info().Str("manifest", m.Name).Strs("targets", targets).Msg("Planning deployment")

			result, err := eng.RunDeployment(ctx, m, &engine.Options{
				DryRun:       true,
				TargetFilter: targets,
			})
			if err != nil {
				return classifyEngineErr(err)
			}

			if err := printPlan(cmd, result); err != nil {
				return runErr(err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestFile, "file", "f", "", "manifest file path")
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "restrict to matching actions (section:NAME, account:ID, region:R, tag:T)")
	cmd.MarkFlagRequired("file")

	return cmd
}
