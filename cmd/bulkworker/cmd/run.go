package cmd

import (
	"github.com/spf13/cobra"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the orchestrator, poller and ingest workers together with the export scheduler",
		RunE:  runWorkers,
	}
	return cmd
}

func runWorkers(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return bulkworker.Run(config)
}
