package cmd

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/model"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common"
)

func enqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Requests a bulk export for a shop",
		RunE:  enqueue,
	}
	cmd.Flags().String("shop", "", "Id of the shop to export")
	cmd.Flags().String("operation", string(model.ProductsExport), "Operation type, e.g. PRODUCTS_EXPORT")
	cmd.Flags().String("queryType", "", "Free form label stored with the run")
	cmd.Flags().String("query", "", "GraphQL bulk query to run")
	cmd.Flags().String("queryFile", "", "File holding the GraphQL bulk query to run, used when --query is empty")
	cmd.Flags().String("idempotencyKey", "", "Key deduplicating repeated requests; a new run is created when empty")
	cmd.Flags().Duration("timeout", 30*time.Second, "Duration after which enqueueing fails")
	_ = cmd.MarkFlagRequired("shop")
	return cmd
}

func enqueue(cmd *cobra.Command, _ []string) error {
	common.ConfigureCommandLineLogging()
	flags := cmd.Flags()
	shopId, _ := flags.GetString("shop")
	operation, _ := flags.GetString("operation")
	queryType, _ := flags.GetString("queryType")
	query, _ := flags.GetString("query")
	queryFile, _ := flags.GetString("queryFile")
	idempotencyKey, _ := flags.GetString("idempotencyKey")
	timeout, _ := flags.GetDuration("timeout")

	if query == "" && queryFile != "" {
		contents, err := os.ReadFile(queryFile)
		if err != nil {
			return errors.Wrapf(err, "error reading query from %s", queryFile)
		}
		query = string(contents)
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	job, err := bulkworker.SubmitWithConfig(ctx, config, model.OrchestratorPayload{
		ShopId:         shopId,
		OperationType:  model.OperationType(operation),
		QueryType:      queryType,
		GraphqlQuery:   query,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return err
	}
	log.Infof("Enqueued job %s on %s for shop %s", job.Id, job.Queue, shopId)
	return nil
}
