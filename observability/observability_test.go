package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/hazyhaar/pdfdossier/dbopen"

	_ "modernc.org/sqlite"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.Count(MetricStageProcessed, 3, map[string]string{"stage": "entity", "run_id": "r1"})
	mm.Duration(MetricStageDurationMs, 1500*time.Millisecond, map[string]string{"stage": "entity"})
	mm.Close()
	mm.Close()

	got, err := mm.Query(ctx, MetricStageProcessed, time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 3 || got[0].Labels["run_id"] != "r1" {
		t.Fatalf("got %+v", got)
	}
	all, err := mm.Query(ctx, "", time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %d, want 2", len(all))
	}
}

func TestMetricsManager_FlushOnFullBuffer(t *testing.T) {
	// WHAT: reaching bufferSize flushes without waiting for the ticker.
	// WHY: long runs must not hold an unbounded buffer in memory.
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour)
	defer mm.Close()

	mm.Count(MetricStageFailed, 1, nil)
	mm.Count(MetricStageFailed, 1, nil)

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	mm.Record(&Metric{Name: "old", Timestamp: time.Now().Add(-48 * time.Hour), Value: 1})
	mm.Record(&Metric{Name: "new", Value: 1})
	mm.Close()

	n, err := mm.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
}

func TestNilMetricsManager(t *testing.T) {
	var mm *MetricsManager
	mm.Count("x", 1, nil)
	mm.Flush()
	if err := mm.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRunLog(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()
	l := NewRunLog(db)
	base := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return base }

	if err := l.Start(ctx, "run1", "extraction"); err != nil {
		t.Fatal(err)
	}
	l.now = func() time.Time { return base.Add(time.Minute) }
	if err := l.Start(ctx, "run2", "entity"); err != nil {
		t.Fatal(err)
	}
	if err := l.Finish(ctx, StageRun{RunID: "run1", Stage: "extraction", Processed: 4, Failed: 1}); err != nil {
		t.Fatal(err)
	}

	runs, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d", len(runs))
	}
	if runs[0].RunID != "run2" || runs[0].FinishedAt != nil {
		t.Fatalf("newest = %+v", runs[0])
	}
	if runs[1].Processed != 4 || runs[1].Failed != 1 || runs[1].FinishedAt == nil {
		t.Fatalf("finished = %+v", runs[1])
	}
}
