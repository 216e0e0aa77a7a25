package logging

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Field names shared by every bulk worker log line.
const (
	ShopIdField    = "shopId"
	BulkRunIdField = "bulkRunId"
	QueueField     = "queue"
	JobIdField     = "jobId"
	JobNameField   = "jobName"
)

// ForRun returns an entry tagged with the tenant and run being processed.
func ForRun(shopId string, bulkRunId string) *log.Entry {
	fields := log.Fields{ShopIdField: shopId}
	if bulkRunId != "" {
		fields[BulkRunIdField] = bulkRunId
	}
	return log.WithFields(fields)
}

func fmtFrame(frame errors.Frame) string {
	return fmt.Sprintf("%+v", frame)
}
