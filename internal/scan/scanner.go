// Package scan walks a bounded region of a level and summarizes each column.
package scan

import (
	"context"
	"time"

	"voxelmap.ai/internal/mathx"
	"voxelmap.ai/internal/maptile"
)

// DefaultBatchSize is one 16x16 chunk worth of columns.
const DefaultBatchSize = 256

// Level is the world provider's view of one loaded level.
type Level interface {
	SpawnColumn() maptile.ColumnPos
	ColumnHeight(x, z int) int
	TopSolidOrFluidBlock(x, z int) (maptile.BlockInfo, bool)
	Skylight(x, y, z int) int
	ClearCachedColumns()
}

// World resolves levels by id. ok is false while a level is not loaded yet.
type World interface {
	Level(levelID string) (Level, bool)
}

type Stats struct {
	Columns  int
	Empty    int
	Duration time.Duration
}

type Scanner struct {
	// BatchSize is the number of columns visited between cache clears.
	BatchSize int
}

// Summarize computes the ColumnMeta for one column.
func Summarize(lvl Level, x, z int) maptile.ColumnMeta {
	m, _ := summarize(lvl, x, z)
	return m
}

func summarize(lvl Level, x, z int) (maptile.ColumnMeta, bool) {
	pos := maptile.ColumnPos{X: x, Z: z}
	height := lvl.ColumnHeight(x, z)
	top, ok := lvl.TopSolidOrFluidBlock(x, z)
	if !ok {
		return maptile.EmptyColumn(pos), false
	}
	return maptile.ColumnMeta{
		Pos:        pos,
		Height:     mathx.ClampInt(top.Y, 0, maptile.MaxHeight),
		TopBlockID: top.ID,
		BiomeID:    top.BiomeID,
		LightLevel: mathx.ClampInt(lvl.Skylight(x, height, z), 0, maptile.MaxLight),
	}, true
}

// Scan visits the square of half-width r/2 around center in spiral order and
// passes each summary to emit. The level's column cache is cleared after every
// batch and once more at the end.
func (s Scanner) Scan(ctx context.Context, lvl Level, center maptile.ColumnPos, r int, emit func(maptile.ColumnMeta)) (Stats, error) {
	batch := s.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	start := time.Now()

	var (
		st      Stats
		err     error
		pending int
	)
	Spiral(r, func(dx, dz int) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		m, ok := summarize(lvl, center.X+dx, center.Z+dz)
		st.Columns++
		if !ok {
			st.Empty++
		}
		emit(m)
		pending++
		if pending >= batch {
			lvl.ClearCachedColumns()
			pending = 0
		}
		return true
	})
	if pending > 0 {
		lvl.ClearCachedColumns()
	}
	st.Duration = time.Since(start)
	return st, err
}
