package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memSilverLog struct {
	rows []SilverRow
}

func (m *memSilverLog) Append(_ context.Context, rows []SilverRow) (int, error) {
	m.rows = append(m.rows, rows...)
	return len(rows), nil
}

func (m *memSilverLog) All(_ context.Context) ([]SilverRow, error) {
	out := make([]SilverRow, len(m.rows))
	copy(out, m.rows)
	return out, nil
}

func (m *memSilverLog) Len(_ context.Context) (int, error) {
	return len(m.rows), nil
}

type memGoldView struct {
	snap GoldSnapshot
}

func (m *memGoldView) Replace(_ context.Context, snap GoldSnapshot) error {
	m.snap = snap
	return nil
}

func (m *memGoldView) Snapshot(_ context.Context) (GoldSnapshot, error) {
	return m.snap, nil
}

func silverRow(entity string, observed time.Time, ingested time.Time, payload map[string]any) SilverRow {
	return SilverRow{
		EntityID:      entity,
		ObservedAt:    observed,
		Payload:       payload,
		SourceFile:    "batch-test",
		FileCrawlTime: ingested,
		IngestionTime: ingested,
	}
}

func TestDedupProducesOneRowPerPair(t *testing.T) {
	t1 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	rows := []SilverRow{
		silverRow("Paris", t1, t1, map[string]any{"temp": 20.0}),
		silverRow("Paris", t1, t2, map[string]any{"temp": 21.0}),
		silverRow("Paris", t2, t2, map[string]any{"temp": 22.0}),
		silverRow("Berlin", t1, t1, map[string]any{"temp": 18.0}),
		silverRow("Berlin", t1, t1, map[string]any{"temp": 18.0}),
	}

	gold := DedupSilverRows(rows)

	require.Len(t, gold, 3)
	seen := map[string]bool{}
	for _, row := range gold {
		require.False(t, seen[row.Key()], "duplicate gold key %s", row.Key())
		seen[row.Key()] = true
	}
}

func TestDedupTieBreakPrefersLatestIngestionTime(t *testing.T) {
	observed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	early := time.Unix(10, 0).UTC()
	late := time.Unix(20, 0).UTC()

	rows := []SilverRow{
		silverRow("Paris", observed, early, map[string]any{"temp": 20.0}),
		silverRow("Paris", observed, late, map[string]any{"temp": 21.0}),
	}

	gold := DedupSilverRows(rows)
	require.Len(t, gold, 1)
	assert.Equal(t, "Paris", gold[0].EntityID)
	assert.Equal(t, 21.0, gold[0].Fields["temperature_c"])

	// Order of input must not matter.
	gold = DedupSilverRows([]SilverRow{rows[1], rows[0]})
	require.Len(t, gold, 1)
	assert.Equal(t, 21.0, gold[0].Fields["temperature_c"])
}

func TestDedupTieBreakFallsBackToFileCrawlTime(t *testing.T) {
	observed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ingested := time.Unix(100, 0).UTC()

	older := silverRow("Paris", observed, ingested, map[string]any{"temp": 19.0})
	older.FileCrawlTime = time.Unix(50, 0).UTC()
	newer := silverRow("Paris", observed, ingested, map[string]any{"temp": 23.0})
	newer.FileCrawlTime = time.Unix(60, 0).UTC()

	gold := DedupSilverRows([]SilverRow{older, newer})
	require.Len(t, gold, 1)
	assert.Equal(t, 23.0, gold[0].Fields["temperature_c"])
}

func TestDedupRenamesAndDropsInternalFields(t *testing.T) {
	observed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rows := []SilverRow{
		silverRow("Paris", observed, observed, map[string]any{
			"temp":       20.5,
			"humidity":   61.0,
			"wind_speed": 3.4,
			"pressure":   1013.0,
			"precip":     0.2,
			"condition":  "cloudy",
			"debug_flag": true,
		}),
	}

	gold := DedupSilverRows(rows)
	require.Len(t, gold, 1)

	fields := gold[0].Fields
	assert.Equal(t, 20.5, fields["temperature_c"])
	assert.Equal(t, 61.0, fields["humidity_percent"])
	assert.Equal(t, 3.4, fields["wind_speed_ms"])
	assert.Equal(t, 1013.0, fields["pressure_hpa"])
	assert.Equal(t, 0.2, fields["precip_mm"])
	assert.Equal(t, "cloudy", fields["condition"])
	assert.NotContains(t, fields, "debug_flag")
	assert.NotContains(t, fields, "temp")
}

func TestRebuildIsIdempotent(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	log := &memSilverLog{}
	_, err := log.Append(ctx, []SilverRow{
		silverRow("Paris", t1, t1, map[string]any{"temp": 20.0}),
		silverRow("Paris", t1, t1.Add(time.Minute), map[string]any{"temp": 21.0}),
		silverRow("Oslo", t1, t1, map[string]any{"temp": 12.0}),
	})
	require.NoError(t, err)

	view := &memGoldView{}
	m := NewGoldMaterializer(log, view, zap.NewNop())

	n, err := m.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	first, err := view.Snapshot(ctx)
	require.NoError(t, err)

	n, err = m.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	second, err := view.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, first.Version+1, second.Version)
}

func TestRebuildParisScenario(t *testing.T) {
	ctx := context.Background()
	observed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	log := &memSilverLog{}
	_, err := log.Append(ctx, []SilverRow{
		silverRow("Paris", observed, time.Unix(10, 0).UTC(), map[string]any{"temp": 20.0}),
		silverRow("Paris", observed, time.Unix(20, 0).UTC(), map[string]any{"temp": 21.0}),
	})
	require.NoError(t, err)

	view := &memGoldView{}
	m := NewGoldMaterializer(log, view, zap.NewNop())

	_, err = m.Rebuild(ctx)
	require.NoError(t, err)

	snap, err := view.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Rows, 1)
	assert.Equal(t, "Paris", snap.Rows[0].EntityID)
	assert.Equal(t, observed, snap.Rows[0].ObservedAt)
	assert.Equal(t, 21.0, snap.Rows[0].Fields["temperature_c"])
}
