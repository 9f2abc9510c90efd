package editlog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestEditLog_RotatesHourlyAndReadsBack(t *testing.T) {
	dataDir := t.TempDir()
	l := Open(dataDir)
	now := time.Date(2026, 5, 4, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return now }

	if err := l.Record(Entry{Level: "overworld", X: 1, Y: 70, Z: 2, From: 0, To: 1, Remote: "127.0.0.1:5000"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Record(Entry{Level: "overworld", X: 1, Y: 71, Z: 2, From: 0, To: 9}); err != nil {
		t.Fatalf("record: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := l.Record(Entry{Level: "islands", X: -5, Y: 64, Z: 0, From: 2, To: 0}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := Files(filepath.Join(dataDir, "edits"))
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files=%v want 2", files)
	}
	if filepath.Base(files[0]) != "edits-2026-05-04-10.jsonl.zst" || filepath.Base(files[1]) != "edits-2026-05-04-11.jsonl.zst" {
		t.Fatalf("unexpected names: %v", files)
	}

	first, err := ReadEntries(files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(first) != 2 || first[1].To != 9 || first[0].Remote != "127.0.0.1:5000" {
		t.Fatalf("first hour entries: %+v", first)
	}
	if !first[0].Time.Equal(time.Date(2026, 5, 4, 10, 59, 0, 0, time.UTC)) {
		t.Fatalf("time=%v", first[0].Time)
	}
	second, err := ReadEntries(files[1])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(second) != 1 || second[0].Level != "islands" || second[0].X != -5 {
		t.Fatalf("second hour entries: %+v", second)
	}
}

func TestEditLog_NilIsNoop(t *testing.T) {
	var l *EditLog
	if err := l.Record(Entry{Level: "x"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
