package runner

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelmap.ai/internal/detect"
	"voxelmap.ai/internal/maptile"
	"voxelmap.ai/internal/metrics"
	"voxelmap.ai/internal/scan"
)

// stubLevel is a flat level whose lookups can be held on a gate to make a
// scan artificially slow.
type stubLevel struct {
	spawn maptile.ColumnPos

	mu   sync.Mutex
	gate chan struct{}
	tops map[maptile.ColumnPos]int

	active    atomic.Int32
	maxActive atomic.Int32
}

func newStubLevel() *stubLevel {
	return &stubLevel{tops: map[maptile.ColumnPos]int{}}
}

func (l *stubLevel) SpawnColumn() maptile.ColumnPos { return l.spawn }
func (l *stubLevel) ColumnHeight(x, z int) int      { return 65 }
func (l *stubLevel) Skylight(x, y, z int) int       { return 15 }
func (l *stubLevel) ClearCachedColumns()            {}

func (l *stubLevel) TopSolidOrFluidBlock(x, z int) (maptile.BlockInfo, bool) {
	n := l.active.Add(1)
	defer l.active.Add(-1)
	for {
		m := l.maxActive.Load()
		if n <= m || l.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	l.mu.Lock()
	gate := l.gate
	id, ok := l.tops[maptile.ColumnPos{X: x, Z: z}]
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if !ok {
		id = 2
	}
	return maptile.BlockInfo{ID: id, BiomeID: 1, Y: 64}, true
}

func (l *stubLevel) hold() chan struct{} {
	g := make(chan struct{})
	l.mu.Lock()
	l.gate = g
	l.mu.Unlock()
	return g
}

func (l *stubLevel) setTop(x, z, id int) {
	l.mu.Lock()
	l.tops[maptile.ColumnPos{X: x, Z: z}] = id
	l.mu.Unlock()
}

type stubWorld struct {
	mu     sync.Mutex
	levels map[string]scan.Level
}

func (w *stubWorld) Level(id string) (scan.Level, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.levels[id]
	return l, ok
}

func (w *stubWorld) load(id string, l scan.Level) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.levels == nil {
		w.levels = map[string]scan.Level{}
	}
	w.levels[id] = l
}

type recordingSink struct {
	mu     sync.Mutex
	events []maptile.ChangeEvent
	metas  []string
}

func (s *recordingSink) Publish(ev maptile.ChangeEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) PublishLevelMeta(levelID string, meta maptile.MapMeta) {
	s.mu.Lock()
	s.metas = append(s.metas, levelID)
	s.mu.Unlock()
}

func (s *recordingSink) counts() (events, metas int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events), len(s.metas)
}

func newTestRunner(cfg Config, w scan.World, sink Sink, opts ...Option) *LevelRunner {
	if cfg.LevelID == "" {
		cfg.LevelID = "overworld"
	}
	det := detect.New(cfg.LevelID, "0", maptile.DefaultMapper())
	return New(cfg, w, det, sink, opts...)
}

func waitIdle(t *testing.T, r *LevelRunner) {
	t.Helper()
	require.Eventually(t, func() bool { return !r.Cursor().Busy() }, 2*time.Second, time.Millisecond)
}

func TestRunner_UnavailableLevelThenMetaOnceAndBulkScan(t *testing.T) {
	w := &stubWorld{}
	sink := &recordingSink{}
	r := newTestRunner(Config{ScanRadius: 4, BulkRadius: 8, CoalesceTiles: true}, w, sink)
	defer r.Stop()

	require.True(t, r.Tick())
	waitIdle(t, r)
	ev, metas := sink.counts()
	assert.Zero(t, ev)
	assert.Zero(t, metas)
	assert.Zero(t, r.Cursor().Scans())

	w.load("overworld", newStubLevel())
	require.True(t, r.Tick())
	waitIdle(t, r)

	ev, metas = sink.counts()
	assert.Equal(t, 1, metas)
	// Columns -3..4 around the origin touch four 256-wide tiles.
	assert.Equal(t, 4, ev)
	assert.Equal(t, 1, r.Cursor().Scans())

	// Unchanged world: the periodic scan publishes nothing and no second meta.
	require.True(t, r.Tick())
	waitIdle(t, r)
	ev, metas = sink.counts()
	assert.Equal(t, 4, ev)
	assert.Equal(t, 1, metas)
	assert.Equal(t, 2, r.Cursor().Scans())
}

func TestRunner_WithoutCoalescingEveryChangedColumnIsPublished(t *testing.T) {
	w := &stubWorld{}
	lvl := newStubLevel()
	w.load("overworld", lvl)
	sink := &recordingSink{}
	r := newTestRunner(Config{ScanRadius: 3}, w, sink)
	defer r.Stop()

	require.True(t, r.Tick())
	waitIdle(t, r)
	ev, _ := sink.counts()
	assert.Equal(t, 9, ev)

	lvl.setTop(1, 1, 9)
	require.True(t, r.Tick())
	waitIdle(t, r)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 10)
	assert.Equal(t, maptile.TileRef{LayerID: "overworld_0", X: 0, Y: 0}, sink.events[9].Tile)
}

func TestRunner_SkipsTickWhileScanInFlight(t *testing.T) {
	w := &stubWorld{}
	lvl := newStubLevel()
	w.load("slow", lvl)
	sink := &recordingSink{}
	r := newTestRunner(Config{LevelID: "slow", ScanRadius: 4, BulkRadius: 6}, w, sink)
	defer r.Stop()

	gate := lvl.hold()
	skipped := testutil.ToFloat64(metrics.ScanTicksSkipped.WithLabelValues("slow"))

	// First tick hands the cursor to the bulk worker, which blocks on the gate.
	require.True(t, r.Tick())
	require.Eventually(t, func() bool { return lvl.active.Load() == 1 }, 2*time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		assert.False(t, r.Tick(), "tick %d started a second scan", i)
	}
	assert.Equal(t, skipped+5, testutil.ToFloat64(metrics.ScanTicksSkipped.WithLabelValues("slow")))

	close(gate)
	waitIdle(t, r)
	assert.EqualValues(t, 1, lvl.maxActive.Load())
	assert.Equal(t, 1, r.Cursor().Scans())

	require.True(t, r.Tick())
	waitIdle(t, r)
	assert.Equal(t, 2, r.Cursor().Scans())
	assert.EqualValues(t, 1, lvl.maxActive.Load())
}

func TestRunner_TickerDrivesScansAndStopHaltsThem(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := &stubWorld{}
	w.load("overworld", newStubLevel())
	r := newTestRunner(Config{Interval: 500 * time.Millisecond, ScanRadius: 2}, w, &recordingSink{}, WithClock(clock))
	r.Start()

	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return r.Cursor().Scans() == 1 }, 2*time.Second, time.Millisecond)
	waitIdle(t, r)

	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return r.Cursor().Scans() == 2 }, 2*time.Second, time.Millisecond)

	r.Stop()
	clock.Advance(500 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, r.Cursor().Scans())
	assert.False(t, r.Tick())

	last, _ := r.Cursor().LastScan()
	assert.Equal(t, clock.Now().Add(-500*time.Millisecond), last)
}

func TestRunner_StopWaitsForInFlightScan(t *testing.T) {
	w := &stubWorld{}
	lvl := newStubLevel()
	w.load("overworld", lvl)
	r := newTestRunner(Config{ScanRadius: 4}, w, &recordingSink{})

	gate := lvl.hold()
	require.True(t, r.Tick())
	require.Eventually(t, func() bool { return lvl.active.Load() == 1 }, 2*time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a scan was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the scan finished")
	}
	assert.Equal(t, 1, r.Cursor().Scans())
}

type memJournal struct {
	mu   sync.Mutex
	recs []ScanRecord
}

func (j *memJournal) RecordScan(rec ScanRecord) {
	j.mu.Lock()
	j.recs = append(j.recs, rec)
	j.mu.Unlock()
}

type memSnapshots struct {
	mu    sync.Mutex
	saves map[string][]maptile.ColumnMeta
	calls int
	fail  bool
}

func (s *memSnapshots) Save(levelID string, cols []maptile.ColumnMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return errors.New("disk full")
	}
	if s.saves == nil {
		s.saves = map[string][]maptile.ColumnMeta{}
	}
	s.saves[levelID] = cols
	return nil
}

func TestRunner_JournalAndSnapshots(t *testing.T) {
	w := &stubWorld{}
	w.load("overworld", newStubLevel())
	j := &memJournal{}
	snaps := &memSnapshots{}
	r := newTestRunner(Config{ScanRadius: 3, BulkRadius: 5, SnapshotEvery: 2, CoalesceTiles: true}, w, &recordingSink{},
		WithJournal(j), WithSnapshots(snaps))

	require.True(t, r.Tick())
	waitIdle(t, r)
	require.True(t, r.Tick())
	waitIdle(t, r)
	r.Stop()

	j.mu.Lock()
	require.Len(t, j.recs, 2)
	bulk, periodic := j.recs[0], j.recs[1]
	j.mu.Unlock()
	assert.Equal(t, KindBulk, bulk.Kind)
	assert.Equal(t, 25, bulk.Columns)
	assert.Equal(t, 25, bulk.Changes)
	// Columns -2..2 straddle four tiles.
	assert.Equal(t, 4, bulk.Published)
	assert.Equal(t, KindPeriodic, periodic.Kind)
	assert.Equal(t, 9, periodic.Columns)
	assert.Zero(t, periodic.Changes)

	snaps.mu.Lock()
	defer snaps.mu.Unlock()
	// One save after the second scan, one on Stop.
	assert.Equal(t, 2, snaps.calls)
	assert.Len(t, snaps.saves["overworld"], 25)
}
