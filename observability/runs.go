package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StageRun is one row of the stage run log: a stage executed as part of a
// pipeline run.
type StageRun struct {
	RunID      string     `json:"run_id"`
	Stage      string     `json:"stage"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Processed  int        `json:"processed"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	Note       string     `json:"note,omitempty"`
}

// RunLog persists stage runs so an operator can see what the last batch
// did after the process exits.
type RunLog struct {
	db  *sql.DB
	now func() time.Time
}

// NewRunLog creates a RunLog over a database with Schema applied.
func NewRunLog(db *sql.DB) *RunLog {
	return &RunLog{db: db, now: time.Now}
}

// Start records that stage began in run runID.
func (l *RunLog) Start(ctx context.Context, runID, stage string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO stage_runs (run_id, stage, started_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_id, stage) DO UPDATE SET started_at = excluded.started_at, finished_at = NULL`,
		runID, stage, l.now().Unix())
	if err != nil {
		return fmt.Errorf("observability: start run %s/%s: %w", runID, stage, err)
	}
	return nil
}

// Finish stores the outcome counts of a stage run.
func (l *RunLog) Finish(ctx context.Context, r StageRun) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE stage_runs SET finished_at = ?, processed = ?, failed = ?, skipped = ?, note = ?
		 WHERE run_id = ? AND stage = ?`,
		l.now().Unix(), r.Processed, r.Failed, r.Skipped, nullIfEmpty(r.Note), r.RunID, r.Stage)
	if err != nil {
		return fmt.Errorf("observability: finish run %s/%s: %w", r.RunID, r.Stage, err)
	}
	return nil
}

// Recent returns the latest stage runs, newest first.
func (l *RunLog) Recent(ctx context.Context, limit int) ([]StageRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, stage, started_at, finished_at, processed, failed, skipped, COALESCE(note, '')
		 FROM stage_runs ORDER BY started_at DESC, run_id DESC, stage LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: recent runs: %w", err)
	}
	defer rows.Close()

	var out []StageRun
	for rows.Next() {
		var r StageRun
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.RunID, &r.Stage, &started, &finished, &r.Processed, &r.Failed, &r.Skipped, &r.Note); err != nil {
			return nil, fmt.Errorf("observability: scan run: %w", err)
		}
		r.StartedAt = time.Unix(started, 0)
		if finished.Valid {
			t := time.Unix(finished.Int64, 0)
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
