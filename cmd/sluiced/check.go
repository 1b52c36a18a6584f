package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/user/sluice/internal/config"
	"github.com/user/sluice/internal/pipeline"
	"github.com/user/sluice/pkg/driver"
	"github.com/user/sluice/pkg/engine"
	"github.com/user/sluice/pkg/stats"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and build every driver without starting it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath())
		if err != nil {
			return err
		}
		if err := checkConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d sources, %d destinations, %d log paths\n",
			configPath(), len(cfg.Sources), len(cfg.Destinations), len(cfg.Logs))
		return nil
	},
}

// checkConfig builds the pipeline so driver parameters are validated too.
func checkConfig(cfg *config.Config) error {
	_, err := pipeline.New(cfg, &pipeline.Factory{
		Stats:  stats.NewRegistry(),
		Queues: driver.NewQueueRegistry(),
		Logger: engine.NopLogger{},
	})
	return err
}
