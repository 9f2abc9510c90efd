package scan

import (
	"context"
	"errors"
	"testing"

	"voxelmap.ai/internal/maptile"
)

type fakeLevel struct {
	spawn  maptile.ColumnPos
	tops   map[maptile.ColumnPos]maptile.BlockInfo
	light  int
	clears int
	lightY []int
}

func (l *fakeLevel) SpawnColumn() maptile.ColumnPos { return l.spawn }

func (l *fakeLevel) ColumnHeight(x, z int) int {
	if b, ok := l.tops[maptile.ColumnPos{X: x, Z: z}]; ok {
		return b.Y + 1
	}
	return 0
}

func (l *fakeLevel) TopSolidOrFluidBlock(x, z int) (maptile.BlockInfo, bool) {
	b, ok := l.tops[maptile.ColumnPos{X: x, Z: z}]
	return b, ok
}

func (l *fakeLevel) Skylight(x, y, z int) int {
	l.lightY = append(l.lightY, y)
	return l.light
}

func (l *fakeLevel) ClearCachedColumns() { l.clears++ }

func TestSummarize(t *testing.T) {
	lvl := &fakeLevel{
		tops: map[maptile.ColumnPos]maptile.BlockInfo{
			{X: 1, Z: 2}:  {ID: 2, BiomeID: 4, Y: 70},
			{X: 5, Z: 5}:  {ID: 1, BiomeID: 3, Y: 300},
			{X: -1, Z: 0}: {ID: 9, BiomeID: 0, Y: -4},
		},
		light: 22,
	}

	got := Summarize(lvl, 1, 2)
	want := maptile.ColumnMeta{Pos: maptile.ColumnPos{X: 1, Z: 2}, Height: 70, TopBlockID: 2, BiomeID: 4, LightLevel: 15}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if lvl.lightY[0] != 71 {
		t.Fatalf("skylight sampled at y=%d want column height 71", lvl.lightY[0])
	}

	if got := Summarize(lvl, 5, 5); got.Height != maptile.MaxHeight {
		t.Fatalf("height not clamped: %+v", got)
	}
	if got := Summarize(lvl, -1, 0); got.Height != 0 || got.TopBlockID != 9 {
		t.Fatalf("negative y not clamped: %+v", got)
	}
	if got := Summarize(lvl, 100, 100); got != maptile.EmptyColumn(maptile.ColumnPos{X: 100, Z: 100}) {
		t.Fatalf("empty column: %+v", got)
	}
}

func TestScan_VisitsSquareAroundCenter(t *testing.T) {
	lvl := &fakeLevel{tops: map[maptile.ColumnPos]maptile.BlockInfo{
		{X: 100, Z: -50}: {ID: 1, Y: 64},
	}}
	center := maptile.ColumnPos{X: 100, Z: -50}

	var got []maptile.ColumnMeta
	st, err := Scanner{BatchSize: 4}.Scan(context.Background(), lvl, center, 3, func(m maptile.ColumnMeta) {
		got = append(got, m)
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if st.Columns != 9 || len(got) != 9 {
		t.Fatalf("columns=%d emitted=%d", st.Columns, len(got))
	}
	if st.Empty != 8 {
		t.Fatalf("empty=%d", st.Empty)
	}
	if got[0].Pos != center || got[0].TopBlockID != 1 {
		t.Fatalf("first column %+v", got[0])
	}
	if got[1].Pos != (maptile.ColumnPos{X: 101, Z: -50}) {
		t.Fatalf("second column %+v", got[1].Pos)
	}
	// 9 columns in batches of 4: clears after 4, 8 and at the end.
	if lvl.clears != 3 {
		t.Fatalf("clears=%d", lvl.clears)
	}
}

func TestScan_ClearsOnBatchBoundaryOnly(t *testing.T) {
	lvl := &fakeLevel{}
	if _, err := (Scanner{}).Scan(context.Background(), lvl, maptile.ColumnPos{}, 16, func(maptile.ColumnMeta) {}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if lvl.clears != 1 {
		t.Fatalf("clears=%d want 1 for exactly one batch", lvl.clears)
	}
}

func TestScan_ContextCancelled(t *testing.T) {
	lvl := &fakeLevel{}
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	_, err := Scanner{}.Scan(ctx, lvl, maptile.ColumnPos{}, 8, func(maptile.ColumnMeta) {
		n++
		if n == 3 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if n != 3 {
		t.Fatalf("emitted %d after cancel", n)
	}
	if lvl.clears != 1 {
		t.Fatalf("partial batch not cleared: %d", lvl.clears)
	}
}
