package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"voxelmap.ai/internal/runner"
)

func TestSQLiteIndex_RecordScan(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index", "scans.sqlite")
	idx, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	idx.RecordScan(runner.ScanRecord{
		LevelID: "overworld", Kind: runner.KindBulk, StartedAt: start,
		Duration: 1500 * time.Millisecond, Radius: 64, Columns: 4096, Empty: 12, Changes: 4084, Published: 4,
	})
	idx.RecordScan(runner.ScanRecord{
		LevelID: "overworld", Kind: runner.KindPeriodic, StartedAt: start.Add(2 * time.Second),
		Duration: 20 * time.Millisecond, Radius: 16, Columns: 256, Changes: 1, Published: 1,
	})
	idx.RecordScan(runner.ScanRecord{
		LevelID: "nether", Kind: runner.KindPeriodic, StartedAt: start.Add(3 * time.Second), Radius: 16, Columns: 256,
	})
	if err := idx.Close(); err != nil {
		t.Fatalf("close sqlite: %v", err)
	}
	// Recording after Close is a no-op.
	idx.RecordScan(runner.ScanRecord{LevelID: "overworld"})

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM scans`).Scan(&n); err != nil {
		t.Fatalf("count scans: %v", err)
	}
	if n != 3 {
		t.Fatalf("scans=%d want=3", n)
	}
	var kind string
	var columns int
	if err := db.QueryRow(`SELECT kind, columns FROM scans WHERE level_id='overworld' ORDER BY id LIMIT 1`).Scan(&kind, &columns); err != nil {
		t.Fatalf("query first scan: %v", err)
	}
	if kind != "bulk" || columns != 4096 {
		t.Fatalf("first scan mismatch: kind=%s columns=%d", kind, columns)
	}
}

func TestSQLiteIndex_Recent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "scans.sqlite")
	idx, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		idx.RecordScan(runner.ScanRecord{
			LevelID: "overworld", Kind: runner.KindPeriodic,
			StartedAt: start.Add(time.Duration(i) * 500 * time.Millisecond),
			Duration:  time.Duration(i+1) * time.Millisecond, Radius: 16, Columns: 256, Changes: i,
		})
	}
	idx.RecordScan(runner.ScanRecord{LevelID: "nether", Kind: runner.KindPeriodic, StartedAt: start})
	if err := idx.Close(); err != nil {
		t.Fatalf("close sqlite: %v", err)
	}

	got, err := ReadRecent(context.Background(), dbPath, "overworld", 3)
	if err != nil {
		t.Fatalf("ReadRecent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len=%d want=3", len(got))
	}
	if got[0].Changes != 4 || got[2].Changes != 2 {
		t.Fatalf("order mismatch: %+v", got)
	}
	if !got[0].StartedAt.Equal(start.Add(2 * time.Second)) {
		t.Fatalf("started_at=%v", got[0].StartedAt)
	}
	if got[0].Duration != 5*time.Millisecond {
		t.Fatalf("duration=%v", got[0].Duration)
	}

	all, err := ReadRecent(context.Background(), dbPath, "", 0)
	if err != nil {
		t.Fatalf("ReadRecent all: %v", err)
	}
	if len(all) != 6 || all[0].LevelID != "nether" {
		t.Fatalf("all scans mismatch: %+v", all)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan runner.ScanRecord, 1)}
	s.RecordScan(runner.ScanRecord{LevelID: "a"})
	s.RecordScan(runner.ScanRecord{LevelID: "b"})

	st := s.Stats()
	if st.DropScanTotal != 1 {
		t.Fatalf("DropScanTotal=%d want=1", st.DropScanTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_RecordScanConcurrentWithClose(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "scans.sqlite"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 500; j++ {
				idx.RecordScan(runner.ScanRecord{LevelID: "overworld", Kind: runner.KindPeriodic, Radius: 16})
			}
		}()
	}
	close(start)
	if err := idx.Close(); err != nil {
		t.Fatalf("close sqlite: %v", err)
	}
	wg.Wait()
}
