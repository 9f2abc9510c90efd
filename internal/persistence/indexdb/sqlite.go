// Package indexdb journals scan results into SQLite so operators can see how
// long scans take and how much of each level changes.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelmap.ai/internal/runner"
)

const queueSize = 4096

type SQLiteIndex struct {
	db *sql.DB

	ch   chan runner.ScanRecord
	wg   sync.WaitGroup
	once sync.Once

	// mu orders sends on ch against Close closing it.
	mu     sync.RWMutex
	closed bool

	dropScanTotal atomic.Uint64
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	DropScanTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan runner.ScanRecord, queueSize),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS scans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			level_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			started_at TEXT NOT NULL,
			duration_ms REAL NOT NULL,
			radius INTEGER NOT NULL,
			columns INTEGER NOT NULL,
			empty INTEGER NOT NULL,
			changes INTEGER NOT NULL,
			published INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scans_level_id ON scans(level_id, id);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordScan queues rec for the writer. It never blocks the scheduler; when
// the writer falls behind the record is dropped and counted. Records after
// Close are ignored.
func (s *SQLiteIndex) RecordScan(rec runner.ScanRecord) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- rec:
	default:
		s.dropScanTotal.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropScanTotal: s.dropScanTotal.Load(),
	}
}

// Recent returns up to limit scans of levelID, newest first. An empty levelID
// matches every level.
func (s *SQLiteIndex) Recent(ctx context.Context, levelID string, limit int) ([]runner.ScanRecord, error) {
	return recent(ctx, s.db, levelID, limit)
}

// ReadRecent opens the journal on its own connection, e.g. from an admin tool
// while the server keeps writing.
func ReadRecent(ctx context.Context, path, levelID string, limit int) ([]runner.ScanRecord, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return nil, err
	}
	return recent(ctx, db, levelID, limit)
}

func recent(ctx context.Context, db *sql.DB, levelID string, limit int) ([]runner.ScanRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT level_id,kind,started_at,duration_ms,radius,columns,empty,changes,published
		FROM scans WHERE (?1 = '' OR level_id = ?1) ORDER BY id DESC LIMIT ?2`,
		levelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer rows.Close()

	var out []runner.ScanRecord
	for rows.Next() {
		var (
			rec     runner.ScanRecord
			kind    string
			started string
			ms      float64
		)
		if err := rows.Scan(&rec.LevelID, &kind, &started, &ms, &rec.Radius,
			&rec.Columns, &rec.Empty, &rec.Changes, &rec.Published); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec.Kind = runner.ScanKind(kind)
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		rec.Duration = time.Duration(ms * float64(time.Millisecond))
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertScan, _ := s.db.Prepare(`INSERT INTO scans(level_id,kind,started_at,duration_ms,radius,columns,empty,changes,published) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertScan != nil {
			_ = insertScan.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	// The single connection is shared with readers, so an open tx is never
	// left idle: commit once the queue drains.
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if len(s.ch) == 0 || opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for rec := range s.ch {
		begin()
		if tx == nil || insertScan == nil {
			continue
		}
		if _, err := tx.Stmt(insertScan).Exec(
			rec.LevelID,
			string(rec.Kind),
			rec.StartedAt.UTC().Format(time.RFC3339Nano),
			float64(rec.Duration)/float64(time.Millisecond),
			rec.Radius,
			rec.Columns,
			rec.Empty,
			rec.Changes,
			rec.Published,
		); err != nil {
			rollback()
			continue
		}
		opCount++
		flushIfNeeded()
	}

	commit()
}
