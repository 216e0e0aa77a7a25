package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the bulk run database to the latest version",
		RunE:  migrateDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the migration will fail if it has not completed")
	return cmd
}

func migrateDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning bulk run database migration")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := bulkworker.Migrate(ctx, config); err != nil {
		return errors.WithMessage(err, "Failed to migrate bulk run database")
	}
	log.Infof("Bulk run database migrated in %s", time.Since(start))
	return nil
}
