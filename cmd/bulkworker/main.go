package main

import (
	"os"

	"github.com/neacisu/Neanelu-Shopify-sub003/cmd/bulkworker/cmd"
	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
