package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	records []RawRecord
	err     error
	delay   time.Duration
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Collect(ctx context.Context) ([]RawRecord, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingRawStore struct {
	*memRawStore
	appends int
}

func (c *countingRawStore) AppendBatch(ctx context.Context, batch RawBatch) error {
	c.appends++
	return c.memRawStore.AppendBatch(ctx, batch)
}

func TestFetchCommitsBatchExactlyOnce(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{records: []RawRecord{
		{EntityID: "Paris", ObservedAt: time.Now(), Payload: map[string]any{"temp": 20.0}},
	}}
	raw := &countingRawStore{memRawStore: newMemRawStore()}

	producer := NewProducer(source, raw, zap.NewNop())

	batch, err := producer.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, raw.appends)
	assert.NotEmpty(t, batch.BatchID)

	stored, err := raw.GetBatch(ctx, batch.BatchID)
	require.NoError(t, err)
	require.Len(t, stored.Records, 1)
	assert.Equal(t, batch.BatchID, stored.Records[0].SourceBatchID)
	assert.Equal(t, time.UTC, stored.Records[0].ObservedAt.Location())
}

func TestFetchFailureWritesNothing(t *testing.T) {
	source := &fakeSource{err: eris.New("upstream down")}
	raw := &countingRawStore{memRawStore: newMemRawStore()}

	producer := NewProducer(source, raw, zap.NewNop())

	_, err := producer.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrProducer))
	assert.Equal(t, 0, raw.appends)
}

func TestFetchEmptyCollectIsProducerError(t *testing.T) {
	source := &fakeSource{records: nil}
	raw := &countingRawStore{memRawStore: newMemRawStore()}

	producer := NewProducer(source, raw, zap.NewNop())

	_, err := producer.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrProducer))
	assert.Equal(t, 0, raw.appends)
}
