package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// SilverBuilder merges committed raw batches into the append-only silver
// log, tagging each row with its lineage.
type SilverBuilder struct {
	raw    RawStore
	log    SilverLog
	logger *zap.Logger

	now func() time.Time
}

// NewSilverBuilder creates a SilverBuilder.
func NewSilverBuilder(raw RawStore, log SilverLog, logger *zap.Logger) *SilverBuilder {
	return &SilverBuilder{
		raw:    raw,
		log:    log,
		logger: logger.Named("silver"),
		now:    time.Now,
	}
}

// Apply reads the batch from the raw store and appends one silver row per
// record. Rows carry source_file=batch_id, file_crawl_time=produced_at and
// ingestion_time=now.
//
// Duplicate (entity, observed_at) pairs across batches are preserved here;
// re-applying a batch after a partial failure only adds rows the gold
// rebuild will absorb, so retries are always safe.
func (b *SilverBuilder) Apply(ctx context.Context, batchID string) (int, error) {
	batch, err := b.raw.GetBatch(ctx, batchID)
	if err != nil {
		if eris.Is(err, ErrNotFound) {
			return 0, eris.Wrapf(ErrCommitVisibility, "batch %s", batchID)
		}
		return 0, eris.Wrapf(ErrMaterialize, "read batch %s: %v", batchID, err)
	}

	ingestedAt := b.now().UTC()
	rows := make([]SilverRow, 0, len(batch.Records))
	for _, rec := range batch.Records {
		rows = append(rows, SilverRow{
			EntityID:      rec.EntityID,
			ObservedAt:    rec.ObservedAt.UTC(),
			Payload:       rec.Payload,
			SourceFile:    batch.BatchID,
			FileCrawlTime: batch.ProducedAt,
			IngestionTime: ingestedAt,
		})
	}

	appended, err := b.log.Append(ctx, rows)
	if err != nil {
		return appended, eris.Wrapf(ErrMaterialize, "append batch %s: %v", batchID, err)
	}

	b.logger.Info("silver rows appended",
		zap.String("batch_id", batchID),
		zap.Int("rows", appended),
	)
	return appended, nil
}
