package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const starterManifest = `schema_version: 1
name: my-fleet

defaults:
  parameters:
    Environment: prod

ordering:
  accounts_first: true

accounts:
  - account_id: "011111111111"
    name: hub
    default_region: eu-west-1
    regions_enabled: [eu-west-1]
    tags: [hub]
  - account_id: "022222222222"
    name: workloads
    default_region: eu-west-1
    regions_enabled: [eu-west-1]
    tags: [spoke]

products:
  - name: iam-baseline
    portfolio: security
    version: v1
  - name: vpc-baseline
    portfolio: networking
    version: v1
    parameters:
      CidrBlock:
        type: string
        required: true

baselines:
  - name: iam-roles
    product: iam-baseline
    targets:
      tags: [spoke]

launches:
  - name: network
    product: vpc-baseline
    targets:
      tags: [spoke]
    parameters:
      CidrBlock:
        value: "10.0.0.0/16"
    outputs:
      - output: VpcId
        publish_to: /fleet/network/vpc-id
`

func newInitCommand() *cobra.Command {
	var (
		outFile string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a starter manifest",
		Long: `Init writes a minimal working manifest: a hub and one spoke account,
an IAM baseline applied by tag, and a network launch that publishes its
VPC ID for downstream sections to consume via from_output.

Edit the account IDs, regions, and products to match your organization,
then check the result with 'fleet validate'.`,
		Example: `  # Scaffold into the default path
  fleet init

  # Scaffold elsewhere, overwriting an existing file
  fleet init -o infra/fleet.yaml --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(outFile); err == nil {
					return usageErr(fmt.Errorf("%s already exists (use --force to overwrite)", outFile))
				}
			}
			if err := os.WriteFile(outFile, []byte(starterManifest), 0o644); err != nil {
				return runErr(fmt.Errorf("failed to write manifest: %w", err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote starter manifest to %s\n", outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "fleet.yaml", "output manifest path")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	return cmd
}
