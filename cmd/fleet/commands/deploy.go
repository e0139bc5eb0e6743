package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfleet/openfleet/pkg/engine"
)

func newDeployCommand() *cobra.Command {
	var (
		manifestFile string
		concurrency  int
		accountConc  int
		dryRun       bool
		targets      []string
		deadline     time.Duration
		heal         bool
		reportBucket string
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the manifest across the account fleet",
		Long: `Deploy runs the full pipeline: expand the manifest into per-target
actions, reconcile each action against recorded state, and execute the
resulting DAG against AWS Service Catalog.

Products already matching their recorded parameter hash are left alone.
Products removed from the manifest are terminated in reverse dependency
order. A failed action skips its dependents but never stops independent
branches; the exit code reflects the run verdict.`,
		Example: `  # Full deployment
  fleet deploy -f manifest.yaml

  # Preview without touching AWS
  fleet deploy -f manifest.yaml --dry-run

  # One account only, four actions at a time
  fleet deploy -f manifest.yaml --target account:012345678901 --concurrency 4

  # Bound the run and heal drifted products
  fleet deploy -f manifest.yaml --deadline 30m --heal

  # Shared state store and run report archival
  fleet deploy -f manifest.yaml --state postgres://fleet@db/fleet --report-bucket fleet-runs`,
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

			eng, tel, err := buildEngine(ctx, store, reportBucket)
			if err != nil {
				return err
			}
			defer tel.Shutdown(ctx)

			log.Info().
				Str("manifest", m.Name).
				Strs("targets", targets).
				Bool("dry_run", dryRun).
				Bool("heal", heal).
				Msg("Starting deployment")

			result, err := eng.RunDeployment(ctx, m, &engine.Options{
				MaxConcurrency:     concurrency,
				AccountConcurrency: accountConc,
				DryRun:             dryRun,
				TargetFilter:       targets,
				Deadline:           deadline,
				Heal:               heal,
			})
			if err != nil {
				return classifyEngineErr(err)
			}

			if err := printRunResult(cmd, result); err != nil {
				return runErr(err)
			}
			if result.Verdict != engine.VerdictSuccess {
				return runErr(fmt.Errorf("run %s finished with verdict %s", result.RunID, result.Verdict))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestFile, "file", "f", "", "manifest file path")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max actions executing at once (0 = engine default)")
	cmd.Flags().IntVar(&accountConc, "account-concurrency", 0, "max concurrent actions per account (0 = unlimited)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report effects without mutating remote state")
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "restrict to matching actions (section:NAME, account:ID, region:R, tag:T)")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "skip actions not started by this deadline (0 = none)")
	cmd.Flags().BoolVar(&heal, "heal", false, "escalate drifted no-op actions to updates")
	cmd.Flags().StringVar(&reportBucket, "report-bucket", "", "archive run reports to this artifact bucket")
	cmd.MarkFlagRequired("file")

	return cmd
}
