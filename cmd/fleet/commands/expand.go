package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfleet/openfleet/pkg/engine"
)

// expandedAction is the per-action view printed by the expand command.
type expandedAction struct {
	Key        string   `json:"key"`
	Section    string   `json:"section"`
	Kind       string   `json:"kind"`
	Product    string   `json:"product"`
	Version    string   `json:"version"`
	AccountID  string   `json:"account_id"`
	Region     string   `json:"region"`
	DependsOn  []string `json:"depends_on,omitempty"`
	OrderAfter []string `json:"order_after,omitempty"`
}

func newExpandCommand() *cobra.Command {
	var manifestFile string

	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Print the expanded action list",
		Long: `Expand builds the action graph from the manifest and prints every
action in topological order as JSON: one entry per section/account/region
combination with its resolved dependencies. No AWS credentials and no
state store are needed; reconciliation does not run, so operations are
not shown (use 'fleet plan' for those).`,
		Example: `  # Inspect what the manifest expands to
  fleet expand -f manifest.yaml

  # Count actions per account
  fleet expand -f manifest.yaml | jq -r '.[].account_id' | sort | uniq -c`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(manifestFile)
			if err != nil {
				return err
			}

			graph, err := engine.NewGraphBuilder().Build(m)
			if err != nil {
				return classifyEngineErr(err)
			}

			expanded := make([]expandedAction, 0, graph.Size())
			for _, key := range graph.Order {
				a := graph.Actions[key]
				expanded = append(expanded, expandedAction{
					Key:        a.Key,
					Section:    a.Section,
					Kind:       string(a.Kind),
					Product:    a.Product.Name,
					Version:    a.Product.Version,
					AccountID:  a.Target.AccountID,
					Region:     a.Target.Region,
					DependsOn:  a.DependsOn,
					OrderAfter: a.OrderAfter,
				})
			}
			return printJSON(cmd, expanded)
		},
	}

	cmd.Flags().StringVarP(&manifestFile, "file", "f", "", "manifest file path")
	cmd.MarkFlagRequired("file")

	return cmd
}
