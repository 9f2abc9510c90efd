// Package runner schedules non-overlapping scans of one level and streams
// the resulting tile changes to a sink.
package runner

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"voxelmap.ai/internal/detect"
	"voxelmap.ai/internal/maptile"
	"voxelmap.ai/internal/metrics"
	"voxelmap.ai/internal/scan"
)

const DefaultInterval = 500 * time.Millisecond

type ScanKind string

const (
	KindPeriodic ScanKind = "periodic"
	KindBulk     ScanKind = "bulk"
)

// Sink receives change events in scan order. The broadcast hub implements it.
type Sink interface {
	Publish(ev maptile.ChangeEvent)
	PublishLevelMeta(levelID string, meta maptile.MapMeta)
}

// ScanRecord describes one completed scan.
type ScanRecord struct {
	LevelID   string
	Kind      ScanKind
	StartedAt time.Time
	Duration  time.Duration
	Radius    int
	Columns   int
	Empty     int
	Changes   int
	Published int
}

type Journal interface {
	RecordScan(rec ScanRecord)
}

type SnapshotStore interface {
	Save(levelID string, cols []maptile.ColumnMeta) error
}

type Config struct {
	LevelID  string
	Interval time.Duration
	// ScanRadius is the side of the square scanned around spawn each tick.
	ScanRadius int
	// BulkRadius is the side of the one-shot scan run when the level first
	// appears. Zero disables it.
	BulkRadius int
	BatchSize  int
	// CoalesceTiles publishes at most one event per tile per scan.
	CoalesceTiles bool
	// SnapshotEvery writes the region state every N scans; zero means only on Stop.
	SnapshotEvery int
	// Meta is announced once; Spawn is filled in from the level.
	Meta maptile.MapMeta
}

type Option func(*LevelRunner)

func WithClock(c clockwork.Clock) Option { return func(r *LevelRunner) { r.clock = c } }

func WithLogger(l *log.Logger) Option { return func(r *LevelRunner) { r.log = l } }

func WithJournal(j Journal) Option { return func(r *LevelRunner) { r.journal = j } }

func WithSnapshots(s SnapshotStore) Option { return func(r *LevelRunner) { r.snaps = s } }

type LevelRunner struct {
	cfg      Config
	world    scan.World
	detector *detect.Detector
	sink     Sink
	scanner  scan.Scanner

	clock   clockwork.Clock
	log     *log.Logger
	journal Journal
	snaps   SnapshotStore

	cursor ScanCursor
	// Guarded by cursor.
	announced     bool
	sinceSnapshot int

	mu        sync.Mutex
	stop      chan struct{}
	loopDone  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	ticker    clockwork.Ticker
	work      sync.WaitGroup
}

func New(cfg Config, world scan.World, det *detect.Detector, sink Sink, opts ...Option) *LevelRunner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	r := &LevelRunner{
		cfg:      cfg,
		world:    world,
		detector: det,
		sink:     sink,
		scanner:  scan.Scanner{BatchSize: cfg.BatchSize},
		clock:    clockwork.NewRealClock(),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = log.New(io.Discard, "", 0)
	}
	return r
}

func (r *LevelRunner) LevelID() string { return r.cfg.LevelID }

func (r *LevelRunner) Cursor() *ScanCursor { return &r.cursor }

// Start begins ticking. The ticker exists once Start returns.
func (r *LevelRunner) Start() {
	r.startOnce.Do(func() {
		r.ticker = r.clock.NewTicker(r.cfg.Interval)
		go r.loop()
	})
}

func (r *LevelRunner) loop() {
	defer close(r.loopDone)
	defer r.ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-r.ticker.Chan():
			r.Tick()
		}
	}
}

// Tick runs one scheduling step: if no scan of the level is in flight, the
// tick's work starts on its own goroutine. It reports whether work started.
func (r *LevelRunner) Tick() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.stop:
		return false
	default:
	}
	if !r.cursor.TryAcquire() {
		metrics.ScanTicksSkipped.WithLabelValues(r.cfg.LevelID).Inc()
		return false
	}
	r.work.Add(1)
	go func() {
		defer r.work.Done()
		r.runTick()
	}()
	return true
}

// runTick owns the cursor and must release it, or hand it to the bulk worker.
func (r *LevelRunner) runTick() {
	lvl, ok := r.world.Level(r.cfg.LevelID)
	if !ok {
		r.cursor.Release(time.Time{}, 0, false)
		return
	}

	if !r.announced {
		r.announced = true
		metrics.LevelAvailable.WithLabelValues(r.cfg.LevelID).Set(1)

		meta := r.cfg.Meta
		spawn := lvl.SpawnColumn()
		meta.Spawn = maptile.Spawn{X: spawn.X, Z: spawn.Z}
		if len(meta.Layers) == 0 {
			meta.Layers = []string{r.detector.LayerID()}
		}
		r.sink.PublishLevelMeta(r.cfg.LevelID, meta)
		r.log.Printf("level %s available (spawn %v)", r.cfg.LevelID, spawn)

		if r.cfg.BulkRadius > 0 {
			r.work.Add(1)
			go func() {
				defer r.work.Done()
				r.scanAndRelease(lvl, KindBulk, r.cfg.BulkRadius)
			}()
			return
		}
	}
	r.scanAndRelease(lvl, KindPeriodic, r.cfg.ScanRadius)
}

func (r *LevelRunner) scanAndRelease(lvl scan.Level, kind ScanKind, radius int) {
	rec := r.scan(lvl, kind, radius)
	r.cursor.Release(r.clock.Now(), rec.Duration, true)
}

func (r *LevelRunner) scan(lvl scan.Level, kind ScanKind, radius int) ScanRecord {
	rec := ScanRecord{
		LevelID:   r.cfg.LevelID,
		Kind:      kind,
		StartedAt: r.clock.Now(),
		Radius:    radius,
	}

	var seen map[maptile.TileRef]struct{}
	if r.cfg.CoalesceTiles {
		seen = map[maptile.TileRef]struct{}{}
	}
	st, err := r.scanner.Scan(context.Background(), lvl, lvl.SpawnColumn(), radius, func(m maptile.ColumnMeta) {
		ev, changed := r.detector.Observe(m)
		if !changed {
			return
		}
		rec.Changes++
		if seen != nil {
			if _, dup := seen[ev.Tile]; dup {
				return
			}
			seen[ev.Tile] = struct{}{}
		}
		rec.Published++
		r.sink.Publish(ev)
	})
	if err != nil {
		r.log.Printf("%s scan of %s aborted: %v", kind, r.cfg.LevelID, err)
	}
	rec.Columns = st.Columns
	rec.Empty = st.Empty
	rec.Duration = st.Duration

	metrics.ScanDuration.WithLabelValues(r.cfg.LevelID, string(kind)).Observe(st.Duration.Seconds())
	metrics.ScanColumns.WithLabelValues(r.cfg.LevelID).Add(float64(st.Columns))
	metrics.ScanChanges.WithLabelValues(r.cfg.LevelID).Add(float64(rec.Changes))
	if kind == KindBulk {
		r.log.Printf("bulk scan of %s done: %d columns, %d changed, %d tiles in %s",
			r.cfg.LevelID, rec.Columns, rec.Changes, rec.Published, st.Duration.Round(time.Millisecond))
	}

	if r.journal != nil {
		r.journal.RecordScan(rec)
	}
	r.sinceSnapshot++
	if r.cfg.SnapshotEvery > 0 && r.sinceSnapshot >= r.cfg.SnapshotEvery {
		r.saveSnapshot()
	}
	return rec
}

func (r *LevelRunner) saveSnapshot() {
	r.sinceSnapshot = 0
	if r.snaps == nil || r.detector.Len() == 0 {
		return
	}
	if err := r.snaps.Save(r.cfg.LevelID, r.detector.Export()); err != nil {
		r.log.Printf("snapshot %s: %v", r.cfg.LevelID, err)
	}
}

// Stop prevents new ticks, waits for in-flight scans (periodic and bulk) and
// writes a final snapshot.
func (r *LevelRunner) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		close(r.stop)
		r.mu.Unlock()

		r.startOnce.Do(func() { close(r.loopDone) })
		<-r.loopDone
		r.work.Wait()
		r.saveSnapshot()
	})
}
