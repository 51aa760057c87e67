package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Source abstracts the external data-fetch mechanics (HTTP, scraping, ...).
// Collect returns the raw records for one fetch; it is not idempotent — each
// call may observe different live data.
type Source interface {
	Name() string
	Collect(ctx context.Context) ([]RawRecord, error)
}

// Producer turns one Source call into a committed RawBatch: it stamps the
// batch identity on every record and writes the batch to the raw store
// exactly once per successful collect. On failure nothing is written.
//
// The caller owns timeout and retry policy; the producer itself does not
// re-invoke the source.
type Producer struct {
	source Source
	raw    RawStore
	logger *zap.Logger

	now func() time.Time
}

// NewProducer creates a Producer over the given source and raw store.
func NewProducer(source Source, raw RawStore, logger *zap.Logger) *Producer {
	return &Producer{
		source: source,
		raw:    raw,
		logger: logger.Named("producer"),
		now:    time.Now,
	}
}

// Fetch collects records from the source, commits them as a new batch and
// returns it. Errors are wrapped as ErrProducer so the orchestrator can
// apply its fetch retry policy.
func (p *Producer) Fetch(ctx context.Context) (RawBatch, error) {
	fetchedAt := p.now().UTC()

	records, err := p.source.Collect(ctx)
	if err != nil {
		return RawBatch{}, eris.Wrapf(ErrProducer, "source %s: %v", p.source.Name(), err)
	}
	if len(records) == 0 {
		return RawBatch{}, eris.Wrapf(ErrProducer, "source %s returned no records", p.source.Name())
	}

	batch := RawBatch{
		BatchID:    NewBatchID(fetchedAt),
		ProducedAt: fetchedAt,
		Records:    make([]RawRecord, 0, len(records)),
	}
	for _, rec := range records {
		rec.ObservedAt = rec.ObservedAt.UTC()
		rec.SourceBatchID = batch.BatchID
		batch.Records = append(batch.Records, rec)
	}

	if err := p.raw.AppendBatch(ctx, batch); err != nil {
		return RawBatch{}, eris.Wrapf(ErrProducer, "commit batch %s: %v", batch.BatchID, err)
	}

	p.logger.Info("batch committed",
		zap.String("batch_id", batch.BatchID),
		zap.Int("records", len(batch.Records)),
	)
	return batch, nil
}
