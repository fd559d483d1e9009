package backup

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openmined/dirvault/internal/db"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    snapshot_id TEXT NOT NULL,
    state TEXT NOT NULL,
    uploaded INTEGER NOT NULL,
    uploaded_bytes INTEGER NOT NULL,
    failed INTEGER NOT NULL,
    deleted INTEGER NOT NULL,
    unchanged INTEGER NOT NULL,
    started_at TEXT NOT NULL, -- RFC3339
    duration_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_failures (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    path TEXT NOT NULL,
    reason TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// RunRow is one journaled run.
type RunRow struct {
	ID            string `db:"id"`
	SnapshotID    string `db:"snapshot_id"`
	State         string `db:"state"`
	Uploaded      int    `db:"uploaded"`
	UploadedBytes int64  `db:"uploaded_bytes"`
	Failed        int    `db:"failed"`
	Deleted       int    `db:"deleted"`
	Unchanged     int    `db:"unchanged"`
	StartedAt     string `db:"started_at"`
	DurationMs    int64  `db:"duration_ms"`
}

// Journal records run outcomes in a local SQLite database so past runs and
// their failures can be inspected without touching the remote store.
type Journal struct {
	db     *sqlx.DB
	dbPath string
}

func NewJournal(dbPath string) *Journal {
	return &Journal{dbPath: dbPath}
}

// Open the journal and the underlying database.
func (j *Journal) Open() error {
	if j.db != nil {
		return fmt.Errorf("journal already open")
	}

	// https://github.com/mattn/go-sqlite3/issues/274
	sqldb, err := db.NewSqliteDb(db.WithPath(j.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open run journal: %w", err)
	}

	if _, err := sqldb.Exec(journalSchema); err != nil {
		sqldb.Close()
		return fmt.Errorf("initialize journal schema: %w", err)
	}

	j.db = sqldb
	return nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return fmt.Errorf("journal not open")
	}
	return j.db.Close()
}

// RecordRun persists one run's outcome and its per-path failures.
func (j *Journal) RecordRun(res *RunResult) error {
	tx, err := j.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback()

	runID := uuid.NewString()
	_, err = tx.Exec(
		`INSERT INTO runs (id, snapshot_id, state, uploaded, uploaded_bytes, failed, deleted, unchanged, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, res.SnapshotID, string(res.State),
		res.Uploaded, res.UploadedBytes, res.Failed, res.Deleted, res.Unchanged,
		res.StartedAt.Format(time.RFC3339), res.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, failure := range res.Failures {
		if _, err := tx.Exec(
			`INSERT INTO run_failures (run_id, path, reason) VALUES (?, ?, ?)`,
			runID, failure.Path, failure.Reason,
		); err != nil {
			return fmt.Errorf("insert run failure: %w", err)
		}
	}

	return tx.Commit()
}

// Runs returns the most recent journaled runs, newest first.
func (j *Journal) Runs(limit int) ([]*RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []*RunRow
	err := j.db.Select(&rows,
		`SELECT * FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return rows, nil
}

// Failures returns the journaled failures for one run id.
func (j *Journal) Failures(runID string) ([]UploadFailure, error) {
	var rows []UploadFailure
	err := j.db.Select(&rows,
		`SELECT path, reason FROM run_failures WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run failures: %w", err)
	}
	return rows, nil
}
