package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/configuration"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common"
	commonconfig "github.com/neacisu/Neanelu-Shopify-sub003/internal/common/config"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "bulkworker",
		SilenceUsage: true,
		Short:        "Runs and operates the shop bulk export workers",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	_ = viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation))

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		enqueueCmd(),
		deadLettersCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/bulkworker", userSpecifiedConfigs)

	err := config.Validate()
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
