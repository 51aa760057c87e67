package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/i474232898/weather-ingestion-pipeline/internal/pipeline"
)

// MemoryStore is a concurrency-safe in-memory backend implementing the raw
// store, silver log, gold view and run log. Suitable for tests and
// single-process deployments without durability needs.
type MemoryStore struct {
	mu sync.RWMutex

	batches map[string]pipeline.RawBatch
	silver  []pipeline.SilverRow
	gold    pipeline.GoldSnapshot
	runs    map[string]pipeline.RunRecord

	// Optional silver retention. Zero values mean unlimited; the default
	// deployment keeps the full history.
	maxSilverRows int
	maxSilverAge  time.Duration
}

// NewMemoryStore creates an empty MemoryStore with unlimited retention.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]pipeline.RawBatch),
		runs:    make(map[string]pipeline.RunRecord),
	}
}

// NewMemoryStoreWithRetention creates a MemoryStore that trims the oldest
// silver rows past maxRows or older than maxAge. Either limit may be zero
// for unlimited.
func NewMemoryStoreWithRetention(maxRows int, maxAge time.Duration) *MemoryStore {
	s := NewMemoryStore()
	s.maxSilverRows = maxRows
	s.maxSilverAge = maxAge
	return s
}

// AppendBatch commits a batch. A batch ID can only be committed once.
func (s *MemoryStore) AppendBatch(_ context.Context, batch pipeline.RawBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[batch.BatchID]; exists {
		return eris.Errorf("batch %s already committed", batch.BatchID)
	}
	s.batches[batch.BatchID] = batch
	return nil
}

// GetBatch returns a committed batch.
func (s *MemoryStore) GetBatch(_ context.Context, batchID string) (pipeline.RawBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return pipeline.RawBatch{}, eris.Wrapf(pipeline.ErrNotFound, "batch %s", batchID)
	}
	return batch, nil
}

// Append adds rows to the end of the silver log and enforces retention.
func (s *MemoryStore) Append(_ context.Context, rows []pipeline.SilverRow) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.silver = append(s.silver, rows...)

	if s.maxSilverRows > 0 && len(s.silver) > s.maxSilverRows {
		over := len(s.silver) - s.maxSilverRows
		s.silver = s.silver[over:]
	}
	if s.maxSilverAge > 0 {
		cutoff := time.Now().Add(-s.maxSilverAge)
		i := 0
		for ; i < len(s.silver); i++ {
			if !s.silver[i].IngestionTime.Before(cutoff) {
				break
			}
		}
		if i > 0 {
			s.silver = s.silver[i:]
		}
	}

	return len(rows), nil
}

// All returns a copy of the silver log in append order.
func (s *MemoryStore) All(_ context.Context) ([]pipeline.SilverRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]pipeline.SilverRow, len(s.silver))
	copy(out, s.silver)
	return out, nil
}

// Len returns the number of silver rows.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.silver), nil
}

// Replace swaps in a new gold snapshot. Readers that already hold the
// previous snapshot keep a consistent view; nobody observes a mix.
func (s *MemoryStore) Replace(_ context.Context, snap pipeline.GoldSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gold = snap
	return nil
}

// Snapshot returns the current gold snapshot.
func (s *MemoryStore) Snapshot(_ context.Context) (pipeline.GoldSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gold, nil
}

// Create stores a new run record.
func (s *MemoryStore) Create(_ context.Context, run pipeline.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return eris.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// Update overwrites an existing run record.
func (s *MemoryStore) Update(_ context.Context, run pipeline.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; !exists {
		return eris.Wrapf(pipeline.ErrNotFound, "run %s", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// Get returns a run record by ID.
func (s *MemoryStore) Get(_ context.Context, runID string) (pipeline.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return pipeline.RunRecord{}, eris.Wrapf(pipeline.ErrNotFound, "run %s", runID)
	}
	return run, nil
}

// List returns run records, most recently started first.
func (s *MemoryStore) List(_ context.Context, limit int) ([]pipeline.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]pipeline.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
