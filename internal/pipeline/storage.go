package pipeline

import "context"

// RawStore is the bronze landing area. Batches are immutable once committed.
type RawStore interface {
	// AppendBatch commits a batch. Committing the same batch ID twice is an
	// error; the producer writes each batch exactly once.
	AppendBatch(ctx context.Context, batch RawBatch) error

	// GetBatch returns a committed batch, or ErrNotFound while the commit is
	// not yet visible.
	GetBatch(ctx context.Context, batchID string) (RawBatch, error)
}

// SilverLog is the append-only lineage-tagged history. Appends are
// monotonic; existing rows are never reordered or removed. Duplicate
// (entity, observed_at) pairs are expected and preserved — dedup happens
// downstream at the gold boundary.
type SilverLog interface {
	Append(ctx context.Context, rows []SilverRow) (int, error)
	All(ctx context.Context) ([]SilverRow, error)
	Len(ctx context.Context) (int, error)
}

// GoldView holds the current deduplicated snapshot. Replace is atomic from
// the reader's point of view: Snapshot never blocks on an in-progress
// rebuild and never returns a partially-replaced state.
type GoldView interface {
	Replace(ctx context.Context, snap GoldSnapshot) error
	Snapshot(ctx context.Context) (GoldSnapshot, error)
}

// RunLog persists RunRecords for audit.
type RunLog interface {
	Create(ctx context.Context, run RunRecord) error
	Update(ctx context.Context, run RunRecord) error
	Get(ctx context.Context, runID string) (RunRecord, error)
	List(ctx context.Context, limit int) ([]RunRecord, error)
}
