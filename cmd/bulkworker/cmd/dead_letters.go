package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/jobqueue"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/bulkworker/model"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common"
)

func deadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadLetters",
		Short: "Prints the oldest dead letters of a bulk queue as JSON lines",
		RunE:  listDeadLetters,
	}
	cmd.Flags().String("queue", model.IngestQueue, "Queue whose dead letters are listed")
	cmd.Flags().Int64("limit", 20, "Maximum number of dead letters printed")
	return cmd
}

func listDeadLetters(cmd *cobra.Command, _ []string) error {
	common.ConfigureCommandLineLogging()
	queue, err := cmd.Flags().GetString("queue")
	if err != nil {
		return errors.WithStack(err)
	}
	limit, err := cmd.Flags().GetInt64("limit")
	if err != nil {
		return errors.WithStack(err)
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}

	redisClient, err := config.Redis.Connect()
	if err != nil {
		return err
	}
	defer redisClient.Close()
	letters, err := jobqueue.NewRedisDeadLetterSink(redisClient).List(queue, limit)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	for _, letter := range letters {
		if err := encoder.Encode(letter); err != nil {
			return errors.WithStack(err)
		}
	}
	if len(letters) == 0 {
		fmt.Fprintf(os.Stderr, "no dead letters on %s\n", queue)
	}
	return nil
}
