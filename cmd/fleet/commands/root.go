package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	stateDSN   string

	// cfg carries settings that have no flag of their own: artifact store
	// credentials and anything set via FLEET_* env or the config file.
	cfg *viper.Viper

	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// usageErr marks an error as a usage or validation failure (exit 2).
func usageErr(err error) error { return &exitError{code: 2, err: err} }

// runErr marks an error as a runtime failure (exit 1).
func runErr(err error) error { return &exitError{code: 1, err: err} }

// ExitCode maps a command error to the process exit code: 0 on success,
// 1 for run failures and drift, 2 for usage and validation errors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 2
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, date string) error {
	buildVersion, buildCommit, buildDate = version, commit, date
	rootCmd := newRootCommand(version, commit, date)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, date string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleet",
		Short: "OpenFleet - Multi-Account Deployment Orchestration Engine",
		Long: `OpenFleet deploys Service Catalog products across an AWS account fleet
from a single declarative manifest.

A run expands the manifest into per-account/per-region actions, resolves
cross-account parameters (outputs, SSM lookups), reconciles each action
against recorded state, and executes the resulting DAG with bounded
concurrency, retries, and idempotent resubmission. Removed products are
terminated in reverse dependency order.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd)
		},
	}

	// Flag parse failures are usage errors, exit 2.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageErr(err)
	})

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&stateDSN, "state", "fleet.db", "state store: sqlite path or postgres:// URL")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newExpandCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// initConfig wires viper under the invoked command: every flag can be set
// via FLEET_<FLAG> env (dashes become underscores) or via the optional
// config file, with explicit flags taking precedence.
func initConfig(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return usageErr(fmt.Errorf("failed to read config file: %w", err))
		}
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if !f.Changed && v.IsSet(f.Name) {
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil && bindErr == nil {
				bindErr = err
			}
		}
	})
	if bindErr != nil {
		return usageErr(bindErr)
	}

	cfg = v
	return nil
}
