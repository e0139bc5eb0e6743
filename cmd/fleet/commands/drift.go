package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfleet/openfleet/pkg/engine"
)

func newDriftCommand() *cobra.Command {
	var (
		manifestFile string
		targets      []string
	)

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Verify deployed products against the manifest",
		Long: `Drift compares every action's recorded state with both the manifest and
the live provisioned product, without mutating anything.

An action whose reconciled operation is not a no-op is drifted by
definition: the manifest changed underneath it or the product was
removed. No-op actions are verified against the Service Catalog control
plane, catching products that were modified or deleted out of band.

The exit code is 1 when any action drifted, so the command slots into
scheduled checks directly. Remediate with 'fleet deploy --heal'.`,
		Example: `  # Verify the whole fleet
  fleet drift -f manifest.yaml

  # Verify one account, JSON report
  fleet drift -f manifest.yaml --target account:012345678901 --json`,
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

			log.Info().Str("manifest", m.Name).Strs("targets", targets).Msg("Checking drift")

			reports, err := eng.Drift(ctx, m, &engine.Options{TargetFilter: targets})
			if err != nil {
				return classifyEngineErr(err)
			}

			drifted, err := printDriftReports(cmd, reports)
			if err != nil {
				return runErr(err)
			}
			if drifted > 0 {
				return runErr(fmt.Errorf("%d actions drifted", drifted))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestFile, "file", "f", "", "manifest file path")
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "restrict to matching actions (section:NAME, account:ID, region:R, tag:T)")
	cmd.MarkFlagRequired("file")

	return cmd
}
