package model

import (
	"time"
)

// Queue names.
const (
	OrchestratorQueue = "bulk-orchestrator"
	PollerQueue       = "bulk-poller"
	IngestQueue       = "bulk-ingest"
)

// Job names. Each job name owns one payload schema.
const (
	OrchestratorJobName = "bulk.orchestrate"
	PollerJobName       = "bulk.poll"
	IngestJobName       = "bulk.ingest"
)

// PayloadVersion is the current version of every bulk payload schema.
const PayloadVersion = 1

type TriggeredBy string

const (
	TriggeredByManual    TriggeredBy = "manual"
	TriggeredByScheduler TriggeredBy = "scheduler"
	TriggeredByWebhook   TriggeredBy = "webhook"
	TriggeredBySystem    TriggeredBy = "system"
)

type OrchestratorPayload struct {
	ShopId         string        `json:"shopId" validate:"required"`
	OperationType  OperationType `json:"operationType" validate:"required,oneof=PRODUCTS_EXPORT ORDERS_EXPORT CUSTOMERS_EXPORT INVENTORY_EXPORT COLLECTIONS_EXPORT"`
	QueryType      string        `json:"queryType,omitempty"`
	GraphqlQuery   string        `json:"graphqlQuery" validate:"required"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	TriggeredBy    TriggeredBy   `json:"triggeredBy" validate:"required,oneof=manual scheduler webhook system"`
	RequestedAt    time.Time     `json:"requestedAt" validate:"required"`
}

type PollerPayload struct {
	ShopId            string      `json:"shopId" validate:"required"`
	BulkRunId         string      `json:"bulkRunId" validate:"required,uuid"`
	RemoteOperationId string      `json:"remoteOperationId" validate:"required"`
	PollAttempt       int         `json:"pollAttempt,omitempty" validate:"gte=0"`
	TriggeredBy       TriggeredBy `json:"triggeredBy" validate:"required,oneof=manual scheduler webhook system"`
	RequestedAt       time.Time   `json:"requestedAt" validate:"required"`
}

type IngestPayload struct {
	ShopId      string      `json:"shopId" validate:"required"`
	BulkRunId   string      `json:"bulkRunId" validate:"required,uuid"`
	ResultUrl   string      `json:"resultUrl" validate:"required,url"`
	Partial     bool        `json:"partial,omitempty"`
	TriggeredBy TriggeredBy `json:"triggeredBy" validate:"required,oneof=manual scheduler webhook system"`
	RequestedAt time.Time   `json:"requestedAt" validate:"required"`
}
