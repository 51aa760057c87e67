package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/i474232898/weather-ingestion-pipeline/internal/pipeline"
)

// SQLiteStore is the persistent backend, implementing the same contracts as
// MemoryStore on top of modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS raw_batches (
	batch_id    TEXT PRIMARY KEY,
	produced_at DATETIME NOT NULL,
	records     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS silver_log (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id       TEXT NOT NULL,
	observed_at     DATETIME NOT NULL,
	payload         TEXT NOT NULL,
	source_file     TEXT NOT NULL,
	file_crawl_time DATETIME NOT NULL,
	ingestion_time  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS gold_rows (
	entity_id   TEXT NOT NULL,
	observed_at DATETIME NOT NULL,
	fields      TEXT NOT NULL,
	PRIMARY KEY (entity_id, observed_at)
);

CREATE TABLE IF NOT EXISTS gold_meta (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	rebuilt_at DATETIME NOT NULL,
	version    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id                TEXT PRIMARY KEY,
	trigger_kind      TEXT NOT NULL,
	status            TEXT NOT NULL,
	started_at        DATETIME NOT NULL,
	finished_at       DATETIME,
	failure_reason    TEXT NOT NULL DEFAULT '',
	steps             TEXT,
	batch_id          TEXT NOT NULL DEFAULT '',
	rows_appended     INTEGER NOT NULL DEFAULT 0,
	rows_materialized INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_silver_entity ON silver_log(entity_id, observed_at);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AppendBatch commits a batch. The primary key rejects a second commit of
// the same batch ID.
func (s *SQLiteStore) AppendBatch(ctx context.Context, batch pipeline.RawBatch) error {
	recordsJSON, err := json.Marshal(batch.Records)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal records")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO raw_batches (batch_id, produced_at, records) VALUES (?, ?, ?)`,
		batch.BatchID, batch.ProducedAt.UTC(), string(recordsJSON),
	)
	return eris.Wrapf(err, "sqlite: insert batch %s", batch.BatchID)
}

// GetBatch returns a committed batch.
func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (pipeline.RawBatch, error) {
	var batch pipeline.RawBatch
	var recordsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT batch_id, produced_at, records FROM raw_batches WHERE batch_id = ?`,
		batchID,
	).Scan(&batch.BatchID, &batch.ProducedAt, &recordsJSON)
	if err == sql.ErrNoRows {
		return pipeline.RawBatch{}, eris.Wrapf(pipeline.ErrNotFound, "batch %s", batchID)
	}
	if err != nil {
		return pipeline.RawBatch{}, eris.Wrapf(err, "sqlite: get batch %s", batchID)
	}
	if err := json.Unmarshal([]byte(recordsJSON), &batch.Records); err != nil {
		return pipeline.RawBatch{}, eris.Wrapf(err, "sqlite: unmarshal batch %s", batchID)
	}
	return batch, nil
}

// Append inserts silver rows in order. No conflict clause: duplicate
// (entity, observed_at) pairs are kept on purpose, dedup happens at gold.
func (s *SQLiteStore) Append(ctx context.Context, rows []pipeline.SilverRow) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin silver append")
	}
	defer tx.Rollback()

	appended := 0
	for _, row := range rows {
		payloadJSON, err := json.Marshal(row.Payload)
		if err != nil {
			return appended, eris.Wrap(err, "sqlite: marshal payload")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO silver_log (entity_id, observed_at, payload, source_file, file_crawl_time, ingestion_time)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			row.EntityID, row.ObservedAt.UTC(), string(payloadJSON),
			row.SourceFile, row.FileCrawlTime.UTC(), row.IngestionTime.UTC(),
		)
		if err != nil {
			return appended, eris.Wrap(err, "sqlite: insert silver row")
		}
		appended++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit silver append")
	}
	return appended, nil
}

// All returns the silver log in append order.
func (s *SQLiteStore) All(ctx context.Context) ([]pipeline.SilverRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, observed_at, payload, source_file, file_crawl_time, ingestion_time
		 FROM silver_log ORDER BY seq`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query silver log")
	}
	defer rows.Close()

	var out []pipeline.SilverRow
	for rows.Next() {
		var row pipeline.SilverRow
		var payloadJSON string
		if err := rows.Scan(&row.EntityID, &row.ObservedAt, &payloadJSON,
			&row.SourceFile, &row.FileCrawlTime, &row.IngestionTime); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan silver row")
		}
		if err := json.Unmarshal([]byte(payloadJSON), &row.Payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal payload")
		}
		out = append(out, row)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate silver log")
}

// Len returns the number of silver rows.
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM silver_log`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count silver log")
}

// Replace swaps the gold snapshot in a single transaction, so a reader
// either sees the previous rows or the new ones, never a mix. A failed
// replace rolls back and leaves the previous snapshot in place.
func (s *SQLiteStore) Replace(ctx context.Context, snap pipeline.GoldSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin gold replace")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM gold_rows`); err != nil {
		return eris.Wrap(err, "sqlite: clear gold rows")
	}
	for _, row := range snap.Rows {
		fieldsJSON, err := json.Marshal(row.Fields)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal gold fields")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO gold_rows (entity_id, observed_at, fields) VALUES (?, ?, ?)`,
			row.EntityID, row.ObservedAt.UTC(), string(fieldsJSON),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert gold row")
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO gold_meta (id, rebuilt_at, version) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET rebuilt_at = excluded.rebuilt_at, version = excluded.version`,
		snap.RebuiltAt.UTC(), snap.Version,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: update gold meta")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit gold replace")
}

// Snapshot returns the current gold snapshot.
func (s *SQLiteStore) Snapshot(ctx context.Context) (pipeline.GoldSnapshot, error) {
	var snap pipeline.GoldSnapshot

	err := s.db.QueryRowContext(ctx,
		`SELECT rebuilt_at, version FROM gold_meta WHERE id = 1`,
	).Scan(&snap.RebuiltAt, &snap.Version)
	if err != nil && err != sql.ErrNoRows {
		return pipeline.GoldSnapshot{}, eris.Wrap(err, "sqlite: read gold meta")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, observed_at, fields FROM gold_rows ORDER BY entity_id, observed_at`,
	)
	if err != nil {
		return pipeline.GoldSnapshot{}, eris.Wrap(err, "sqlite: query gold rows")
	}
	defer rows.Close()

	for rows.Next() {
		var row pipeline.GoldRow
		var fieldsJSON string
		if err := rows.Scan(&row.EntityID, &row.ObservedAt, &fieldsJSON); err != nil {
			return pipeline.GoldSnapshot{}, eris.Wrap(err, "sqlite: scan gold row")
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &row.Fields); err != nil {
			return pipeline.GoldSnapshot{}, eris.Wrap(err, "sqlite: unmarshal gold fields")
		}
		snap.Rows = append(snap.Rows, row)
	}
	return snap, eris.Wrap(rows.Err(), "sqlite: iterate gold rows")
}

// Create stores a new run record.
func (s *SQLiteStore) Create(ctx context.Context, run pipeline.RunRecord) error {
	stepsJSON, err := json.Marshal(run.Steps)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal steps")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, trigger_kind, status, started_at, finished_at, failure_reason, steps, batch_id, rows_appended, rows_materialized)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Trigger), string(run.Status), run.StartedAt.UTC(),
		nullableTime(run.FinishedAt), run.FailureReason, string(stepsJSON),
		run.BatchID, run.RowsAppended, run.RowsMaterialized,
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

// Update overwrites an existing run record.
func (s *SQLiteStore) Update(ctx context.Context, run pipeline.RunRecord) error {
	stepsJSON, err := json.Marshal(run.Steps)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal steps")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, failure_reason = ?, steps = ?, batch_id = ?, rows_appended = ?, rows_materialized = ?
		 WHERE id = ?`,
		string(run.Status), nullableTime(run.FinishedAt), run.FailureReason,
		string(stepsJSON), run.BatchID, run.RowsAppended, run.RowsMaterialized, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", run.ID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if affected == 0 {
		return eris.Wrapf(pipeline.ErrNotFound, "run %s", run.ID)
	}
	return nil
}

// Get returns a run record by ID.
func (s *SQLiteStore) Get(ctx context.Context, runID string) (pipeline.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, trigger_kind, status, started_at, finished_at, failure_reason, steps, batch_id, rows_appended, rows_materialized
		 FROM runs WHERE id = ?`,
		runID,
	)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return pipeline.RunRecord{}, eris.Wrapf(pipeline.ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return pipeline.RunRecord{}, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

// List returns run records, most recently started first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]pipeline.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trigger_kind, status, started_at, finished_at, failure_reason, steps, batch_id, rows_appended, rows_materialized
		 FROM runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var out []pipeline.RunRecord
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		out = append(out, run)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func scanRun(scan func(dest ...any) error) (pipeline.RunRecord, error) {
	var run pipeline.RunRecord
	var trigger, status, stepsJSON string
	var finishedAt sql.NullTime

	err := scan(&run.ID, &trigger, &status, &run.StartedAt, &finishedAt,
		&run.FailureReason, &stepsJSON, &run.BatchID, &run.RowsAppended, &run.RowsMaterialized)
	if err != nil {
		return pipeline.RunRecord{}, err
	}

	run.Trigger = pipeline.TriggerKind(trigger)
	run.Status = pipeline.RunStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		run.FinishedAt = &t
	}
	if stepsJSON != "" {
		if err := json.Unmarshal([]byte(stepsJSON), &run.Steps); err != nil {
			return pipeline.RunRecord{}, err
		}
	}
	return run, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
