package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	rec, err := NewRecorder(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	rec.flushTicker.Reset(10 * time.Millisecond)
	rec.Start()
	t.Cleanup(func() { _ = rec.Stop() })
	return rec
}

func TestRecorderPersistsRecords(t *testing.T) {
	rec := newTestRecorder(t)

	rec.Enqueue(Record{Model: "gemini-2.5-pro", Streamed: true, InputTokens: 10, OutputTokens: 20, TotalTokens: 30})
	rec.Enqueue(Record{Model: "gemini-2.5-pro", Failed: true})
	rec.Enqueue(Record{Model: "gemini-2.5-flash", TotalTokens: 5})

	deadline := time.Now().Add(2 * time.Second)
	var count int
	for time.Now().Before(deadline) {
		if err := rec.db.QueryRow(`SELECT COUNT(*) FROM request_usage`).Scan(&count); err != nil {
			t.Fatalf("count query: %v", err)
		}
		if count == 3 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if count != 3 {
		t.Fatalf("expected 3 persisted records, got %d", count)
	}

	totals, err := rec.TotalsByModel(context.Background())
	if err != nil {
		t.Fatalf("TotalsByModel: %v", err)
	}
	pro := totals["gemini-2.5-pro"]
	if pro.TotalRequests != 2 || pro.SuccessCount != 1 || pro.FailureCount != 1 || pro.TotalTokens != 30 {
		t.Fatalf("unexpected pro totals: %+v", pro)
	}
	if totals["gemini-2.5-flash"].TotalTokens != 5 {
		t.Fatalf("unexpected flash totals: %+v", totals["gemini-2.5-flash"])
	}
}

func TestRecorderCounters(t *testing.T) {
	rec := newTestRecorder(t)

	rec.Enqueue(Record{Model: "m", TotalTokens: 7})
	rec.Enqueue(Record{Model: "m", Failed: true, TotalTokens: 3})

	snap := rec.Snapshot()
	if snap.TotalRequests != 2 || snap.SuccessCount != 1 || snap.FailureCount != 1 || snap.TotalTokens != 10 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRecorderStopFlushesQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	rec, err := NewRecorder(path)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	rec.Start()
	for i := 0; i < 10; i++ {
		rec.Enqueue(Record{Model: "m"})
	}
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	reopened, err := NewRecorder(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Stop()
	var count int
	if err := reopened.db.QueryRow(`SELECT COUNT(*) FROM request_usage`).Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 10 {
		t.Fatalf("expected 10 records after shutdown flush, got %d", count)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.Enqueue(Record{Model: "m"})
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop on nil: %v", err)
	}
	if snap := rec.Snapshot(); snap.TotalRequests != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
