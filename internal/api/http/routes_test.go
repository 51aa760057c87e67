package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-ingestion-pipeline/internal/pipeline"
	"github.com/i474232898/weather-ingestion-pipeline/internal/store"
)

type stubTrigger struct {
	runID string
	err   error
	kinds []pipeline.TriggerKind
}

func (s *stubTrigger) Trigger(kind pipeline.TriggerKind) (string, error) {
	s.kinds = append(s.kinds, kind)
	if s.err != nil {
		return "", s.err
	}
	return s.runID, nil
}

func newTestApp(trigger Triggerer, backing *store.MemoryStore) *fiber.App {
	app := fiber.New()
	RegisterRoutes(app, trigger, backing, backing)
	return app
}

func TestRunAcceptedWithRunID(t *testing.T) {
	trigger := &stubTrigger{runID: "run-123"}
	app := newTestApp(trigger, store.NewMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/run", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "run-123", body.RunID)
	assert.Equal(t, "running", body.Status)

	// The HTTP path always triggers the on-demand kind.
	require.Len(t, trigger.kinds, 1)
	assert.Equal(t, pipeline.TriggerOnDemand, trigger.kinds[0])
}

func TestRunRejectedWhenBusy(t *testing.T) {
	trigger := &stubTrigger{err: pipeline.ErrBusy}
	app := newTestApp(trigger, store.NewMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/run", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGoldLatestForEntity(t *testing.T) {
	backing := store.NewMemoryStore()
	app := newTestApp(&stubTrigger{runID: "run-1"}, backing)

	// Missing entity parameter.
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/gold/latest", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// No data yet.
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/gold/latest?entity=Paris", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	observed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, backing.Replace(context.Background(), pipeline.GoldSnapshot{
		Rows: []pipeline.GoldRow{
			{EntityID: "Paris", ObservedAt: observed, Fields: map[string]any{"temperature_c": 20.0}},
			{EntityID: "Paris", ObservedAt: observed.Add(time.Hour), Fields: map[string]any{"temperature_c": 21.0}},
			{EntityID: "Oslo", ObservedAt: observed, Fields: map[string]any{"temperature_c": 12.0}},
		},
		RebuiltAt: observed.Add(2 * time.Hour),
		Version:   3,
	}))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/gold/latest?entity=Paris", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var row pipeline.GoldRow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&row))
	assert.Equal(t, "Paris", row.EntityID)
	assert.Equal(t, 21.0, row.Fields["temperature_c"])
}

func TestGoldRowsAndFreshness(t *testing.T) {
	backing := store.NewMemoryStore()
	app := newTestApp(&stubTrigger{runID: "run-1"}, backing)

	observed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, backing.Replace(context.Background(), pipeline.GoldSnapshot{
		Rows: []pipeline.GoldRow{
			{EntityID: "Paris", ObservedAt: observed, Fields: map[string]any{"temperature_c": 20.0}},
			{EntityID: "Paris", ObservedAt: observed.Add(time.Hour), Fields: map[string]any{"temperature_c": 21.0}},
		},
		RebuiltAt: observed.Add(2 * time.Hour),
		Version:   5,
	}))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/gold/rows?entity=Paris", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rowsBody struct {
		Entity string             `json:"entity"`
		Rows   []pipeline.GoldRow `json:"rows"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rowsBody))
	assert.Equal(t, "Paris", rowsBody.Entity)
	assert.Len(t, rowsBody.Rows, 2)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/gold/freshness", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fresh struct {
		MaxObservedAt time.Time `json:"max_observed_at"`
		Version       int64     `json:"version"`
		RowCount      int       `json:"row_count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fresh))
	assert.True(t, fresh.MaxObservedAt.Equal(observed.Add(time.Hour)))
	assert.Equal(t, int64(5), fresh.Version)
	assert.Equal(t, 2, fresh.RowCount)
}

func TestRunAuditEndpoints(t *testing.T) {
	backing := store.NewMemoryStore()
	app := newTestApp(&stubTrigger{runID: "run-1"}, backing)

	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, backing.Create(context.Background(), pipeline.RunRecord{
		ID:            "run-1",
		Trigger:       pipeline.TriggerScheduled,
		Status:        pipeline.RunStatusFailed,
		StartedAt:     started,
		FailureReason: pipeline.ReasonFetchExhausted,
	}))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listBody struct {
		Runs []pipeline.RunRecord `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listBody))
	require.Len(t, listBody.Runs, 1)
	assert.Equal(t, pipeline.ReasonFetchExhausted, listBody.Runs[0].FailureReason)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-404", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=bogus", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
