// Package main implements rfpctl, the operator CLI of the RFP engine.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/api"
	"github.com/diogoX451/skyrfp/internal/config"
	"github.com/diogoX451/skyrfp/internal/logging"
)

var (
	// outputJSON prints raw JSON instead of tables
	outputJSON bool
	// verbose enables engine logs on stderr
	verbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rfpctl",
	Short: "Operate the charter RFP engine",
	Long: `rfpctl submits RFPs, reports quotes and inspects workflows.

Commands that change a workflow are published to the NATS command stream and
applied by a worker. Inspection reads the configured store directly. All
settings come from SKYRFP_* environment variables or SKYRFP_CONFIG_FILE.`,
	Version:       api.Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if !verbose {
		return cfg, zap.NewNop(), nil
	}
	logger, err := logging.New("debug", "console")
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
