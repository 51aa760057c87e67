package pipeline

import (
	"time"
)

// RawRecord is a single observation as produced by the external fetch.
// The payload is an open field→value mapping; field names are internal
// and only renamed to public names at the gold boundary.
type RawRecord struct {
	EntityID      string         `json:"entity_id"`
	ObservedAt    time.Time      `json:"observed_at"` // always UTC
	Payload       map[string]any `json:"payload"`
	SourceBatchID string         `json:"source_batch_id"`
}

// RawBatch is one producer fetch worth of records. Owned by the raw store;
// never mutated after commit.
type RawBatch struct {
	BatchID    string      `json:"batch_id"`
	ProducedAt time.Time   `json:"produced_at"`
	Records    []RawRecord `json:"records"`
}

// NewBatchID derives a batch identifier from the fetch time.
func NewBatchID(fetchedAt time.Time) string {
	return "batch-" + fetchedAt.UTC().Format("20060102T150405.000000000Z")
}

// SilverRow is a RawRecord extended with lineage. The silver log is
// append-only; rows are never updated or deleted.
type SilverRow struct {
	EntityID      string         `json:"entity_id"`
	ObservedAt    time.Time      `json:"observed_at"`
	Payload       map[string]any `json:"payload"`
	SourceFile    string         `json:"source_file"`
	FileCrawlTime time.Time      `json:"file_crawl_time"`
	IngestionTime time.Time      `json:"ingestion_time"`
}

// Key returns the canonical dedup key for this row.
func (r SilverRow) Key() string {
	return entityTimeKey(r.EntityID, r.ObservedAt)
}

// GoldRow is one deduplicated observation with public field names.
// At most one gold row exists per (entity, observed_at) pair.
type GoldRow struct {
	EntityID   string         `json:"entity_id"`
	ObservedAt time.Time      `json:"observed_at"`
	Fields     map[string]any `json:"fields"`
}

// Key returns the canonical dedup key for this row.
func (r GoldRow) Key() string {
	return entityTimeKey(r.EntityID, r.ObservedAt)
}

func entityTimeKey(entityID string, observedAt time.Time) string {
	return entityID + "|" + observedAt.UTC().Format(time.RFC3339Nano)
}

// GoldSnapshot is the full deduplicated view. It is replaced as a whole on
// every successful rebuild; readers see either the old or the new snapshot,
// never a mix. Rows are ordered by entity, then observed_at.
type GoldSnapshot struct {
	Rows      []GoldRow `json:"rows"`
	RebuiltAt time.Time `json:"rebuilt_at"`
	Version   int64     `json:"version"`
}

// MaxObservedAt returns the newest observation timestamp in the snapshot,
// or the zero time for an empty snapshot.
func (s GoldSnapshot) MaxObservedAt() time.Time {
	var max time.Time
	for _, row := range s.Rows {
		if row.ObservedAt.After(max) {
			max = row.ObservedAt
		}
	}
	return max
}

// TriggerKind identifies which path started a run.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerOnDemand  TriggerKind = "on_demand"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Step names, in execution order.
const (
	StepFetch       = "fetch"
	StepSettleDelay = "settle_delay"
	StepMaterialize = "materialize"
)

// Failure reasons recorded on a failed run.
const (
	ReasonFetchExhausted       = "fetch_exhausted"
	ReasonMaterializeExhausted = "materialize_exhausted"
)

// StepState records the outcome of a single orchestrator step.
type StepState struct {
	Name       string     `json:"name"`
	Status     RunStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// RunRecord is the audit record for one orchestrator run.
type RunRecord struct {
	ID               string      `json:"id"`
	Trigger          TriggerKind `json:"trigger"`
	Status           RunStatus   `json:"status"`
	StartedAt        time.Time   `json:"started_at"`
	FinishedAt       *time.Time  `json:"finished_at,omitempty"`
	FailureReason    string      `json:"failure_reason,omitempty"`
	Steps            []StepState `json:"steps,omitempty"`
	BatchID          string      `json:"batch_id,omitempty"`
	RowsAppended     int         `json:"rows_appended"`
	RowsMaterialized int         `json:"rows_materialized"`
}
