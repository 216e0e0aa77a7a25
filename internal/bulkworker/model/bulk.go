package model

import (
	"encoding/json"
	"time"
)

type BulkRunStatus string

const (
	BulkRunPending   BulkRunStatus = "pending"
	BulkRunRunning   BulkRunStatus = "running"
	BulkRunCompleted BulkRunStatus = "completed"
	BulkRunFailed    BulkRunStatus = "failed"
	BulkRunCanceled  BulkRunStatus = "canceled"
	BulkRunExpired   BulkRunStatus = "expired"
)

// IsActive returns true for the statuses covered by the one-active-run-per-shop constraint.
func (s BulkRunStatus) IsActive() bool {
	return s == BulkRunPending || s == BulkRunRunning
}

func (s BulkRunStatus) IsTerminal() bool {
	switch s {
	case BulkRunCompleted, BulkRunFailed, BulkRunCanceled, BulkRunExpired:
		return true
	}
	return false
}

var allowedTransitions = map[BulkRunStatus][]BulkRunStatus{
	BulkRunPending: {BulkRunPending, BulkRunRunning, BulkRunFailed, BulkRunCanceled},
	// running -> pending is a retry reset.
	BulkRunRunning: {BulkRunRunning, BulkRunPending, BulkRunCompleted, BulkRunFailed, BulkRunCanceled, BulkRunExpired},
	BulkRunCompleted: {BulkRunCompleted},
	BulkRunFailed:    {BulkRunFailed},
	BulkRunCanceled:  {BulkRunCanceled},
	BulkRunExpired:   {BulkRunExpired},
}

// CanTransitionTo reports whether a run in status s may move to next.
func (s BulkRunStatus) CanTransitionTo(next BulkRunStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type OperationType string

const (
	ProductsExport    OperationType = "PRODUCTS_EXPORT"
	OrdersExport      OperationType = "ORDERS_EXPORT"
	CustomersExport   OperationType = "CUSTOMERS_EXPORT"
	InventoryExport   OperationType = "INVENTORY_EXPORT"
	CollectionsExport OperationType = "COLLECTIONS_EXPORT"
)

const DefaultMaxRetries = 3

// BulkRun is one attempt at exporting a shop's catalog through the remote bulk API.
type BulkRun struct {
	Id                string
	ShopId            string
	OperationType     OperationType
	QueryType         string
	Status            BulkRunStatus
	IdempotencyKey    string
	RemoteOperationId string
	ResultUrl         string
	PartialDataUrl    string
	RetryCount        int
	MaxRetries        int
	CursorState       CursorState
	RecordsProcessed  int64
	BytesProcessed    int64
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// CursorState is the opaque json bag stored with a run. Known sections have typed accessors,
// anything else round trips untouched.
type CursorState map[string]json.RawMessage

const (
	cursorContractKey = "bulkQueryContract"
	cursorIngestKey   = "ingest"
	cursorSalvageKey  = "salvage"
)

type QueryContract struct {
	OperationType OperationType `json:"operationType"`
	QueryType     string        `json:"queryType,omitempty"`
	Version       int           `json:"version"`
	// The query the run was started with, replayed when the run is retried.
	GraphqlQuery string `json:"graphqlQuery,omitempty"`
}

type IngestCheckpoint struct {
	CommittedRecords int64     `json:"committedRecords"`
	CommittedBytes   int64     `json:"committedBytes"`
	CommittedLines   int64     `json:"committedLines"`
	LastSuccessfulId string    `json:"lastSuccessfulId,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type ingestSection struct {
	Checkpoint *IngestCheckpoint `json:"checkpoint,omitempty"`
}

type SalvageInfo struct {
	Partial bool      `json:"partial"`
	Url     string    `json:"url"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason,omitempty"`
}

func (c CursorState) get(key string, target interface{}) bool {
	raw, ok := c[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, target) == nil
}

func (c CursorState) set(key string, value interface{}) CursorState {
	raw, err := json.Marshal(value)
	if err != nil {
		// values stored here are plain structs
		panic(err)
	}
	result := make(CursorState, len(c)+1)
	for k, v := range c {
		result[k] = v
	}
	result[key] = raw
	return result
}

func (c CursorState) Contract() (QueryContract, bool) {
	var contract QueryContract
	ok := c.get(cursorContractKey, &contract)
	return contract, ok
}

func (c CursorState) WithContract(contract QueryContract) CursorState {
	return c.set(cursorContractKey, contract)
}

func (c CursorState) Checkpoint() (IngestCheckpoint, bool) {
	var section ingestSection
	if !c.get(cursorIngestKey, &section) || section.Checkpoint == nil {
		return IngestCheckpoint{}, false
	}
	return *section.Checkpoint, true
}

func (c CursorState) WithCheckpoint(checkpoint IngestCheckpoint) CursorState {
	return c.set(cursorIngestKey, ingestSection{Checkpoint: &checkpoint})
}

func (c CursorState) Salvage() (SalvageInfo, bool) {
	var info SalvageInfo
	ok := c.get(cursorSalvageKey, &info)
	return info, ok
}

func (c CursorState) WithSalvage(info SalvageInfo) CursorState {
	return c.set(cursorSalvageKey, info)
}

// BulkStep is an append only audit record of a named phase of a run.
type BulkStep struct {
	BulkRunId    string
	ShopId       string
	StepName     string
	Status       StepStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	Details      map[string]interface{}
}

type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step names written by the bulk workers.
const (
	StepOrchestratorAcquireLock = "orchestrator.acquire_lock"
	StepOrchestratorStartBulk   = "orchestrator.start_bulk"
	StepOrchestratorResume      = "orchestrator.resume"
	StepPollerTick              = "poller.tick"
	StepPollerCompleted         = "poller.completed"
	StepPollerMissingUrl        = "poller.completed_missing_url"
	StepPollerRetryEnqueued     = "poller.retry_enqueued"
	StepPollerSalvagedPartial   = "poller.salvaged_partial"
	StepPollerFailed            = "poller.failed"
	StepPollerTimeout           = "poller.timeout"
	StepPollerDeadLettered      = "poller.dead_lettered"
	StepIngestStarted           = "ingest.started"
	StepIngestCompleted         = "ingest.completed"
	StepIngestFailed            = "ingest.failed"
)

// BulkError is an append only structured error record of a run.
type BulkError struct {
	BulkRunId    string
	ShopId       string
	ErrorType    string
	ErrorCode    string
	ErrorMessage string
	Payload      map[string]interface{}
	CreatedAt    time.Time
}

// Error types recorded against runs.
const (
	ErrorTypeOrchestrator = "orchestrator"
	ErrorTypePoller       = "poller"
	ErrorTypeFailure      = "failure_handler"
	ErrorTypeTimeout      = "timeout"
	ErrorTypeSalvage      = "salvage"
	ErrorTypeIngest       = "ingest"
)

type ArtifactType string

const (
	ArtifactResult  ArtifactType = "shopify_bulk_result"
	ArtifactPartial ArtifactType = "shopify_bulk_partial"
)

// BulkArtifact references a file produced by a run, unique per (run, type, url).
type BulkArtifact struct {
	BulkRunId    string
	ShopId       string
	ArtifactType ArtifactType
	Url          string
	BytesSize    int64
	Checksum     string
	ExpiresAt    *time.Time
	CreatedAt    time.Time
}
