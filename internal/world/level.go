package world

import (
	"sort"
	"sync"

	"voxelmap.ai/internal/mathx"
	"voxelmap.ai/internal/maptile"
)

type blockPos struct {
	X, Y, Z int
}

// Level is one loaded level of the demo world. Generated chunks are cached
// until ClearCachedColumns; player edits are kept separately and re-applied
// whenever a chunk is regenerated.
type Level struct {
	id    string
	gen   *Gen
	spawn maptile.ColumnPos

	mu     sync.Mutex
	chunks map[ChunkKey]*Chunk
	// edits is indexed by chunk so regenerating a chunk only replays its own.
	edits     map[ChunkKey]map[blockPos]uint16
	editCount int
}

func newLevel(id string, gen *Gen, spawn maptile.ColumnPos) *Level {
	return &Level{
		id:     id,
		gen:    gen,
		spawn:  spawn,
		chunks: map[ChunkKey]*Chunk{},
		edits:  map[ChunkKey]map[blockPos]uint16{},
	}
}

func (l *Level) ID() string { return l.id }

func (l *Level) SpawnColumn() maptile.ColumnPos { return l.spawn }

// chunkLocked returns the chunk containing (x, z), generating it on demand.
func (l *Level) chunkLocked(x, z int) *Chunk {
	k := chunkKeyFor(x, z)
	if ch, ok := l.chunks[k]; ok {
		return ch
	}
	ch := newChunk(k)
	l.gen.generateChunk(ch)
	for p, b := range l.edits[k] {
		ch.Set(mathx.Mod(p.X, ChunkSize), p.Y, mathx.Mod(p.Z, ChunkSize), b)
	}
	l.chunks[k] = ch
	return ch
}

func (l *Level) GetBlock(x, y, z int) uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chunkLocked(x, z).Get(mathx.Mod(x, ChunkSize), y, mathx.Mod(z, ChunkSize))
}

// SetBlock records an edit. Out-of-range y is ignored.
func (l *Level) SetBlock(x, y, z int, b uint16) bool {
	if y < 0 || y >= Height {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	k := chunkKeyFor(x, z)
	edits := l.edits[k]
	if edits == nil {
		edits = map[blockPos]uint16{}
		l.edits[k] = edits
	}
	p := blockPos{X: x, Y: y, Z: z}
	if _, ok := edits[p]; !ok {
		l.editCount++
	}
	edits[p] = b
	if ch, ok := l.chunks[k]; ok {
		ch.Set(mathx.Mod(x, ChunkSize), y, mathx.Mod(z, ChunkSize), b)
	}
	return true
}

// ColumnHeight is one above the highest non-air block, or 0 for an empty column.
func (l *Level) ColumnHeight(x, z int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	col := l.chunkLocked(x, z).column(mathx.Mod(x, ChunkSize), mathx.Mod(z, ChunkSize))
	for y := Height - 1; y >= 0; y-- {
		if col[y] != Air {
			return y + 1
		}
	}
	return 0
}

// TopSolidOrFluidBlock scans down from the ceiling for the first solid or
// fluid block.
func (l *Level) TopSolidOrFluidBlock(x, z int) (maptile.BlockInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lx, lz := mathx.Mod(x, ChunkSize), mathx.Mod(z, ChunkSize)
	ch := l.chunkLocked(x, z)
	col := ch.column(lx, lz)
	for y := Height - 1; y >= 0; y-- {
		if solidOrFluid(col[y]) {
			return maptile.BlockInfo{ID: int(col[y]), BiomeID: ch.Biome(lx, lz), Y: y}, true
		}
	}
	return maptile.BlockInfo{}, false
}

// Skylight is 15 in open air, loses 2 per block of fluid above and is 0
// under any solid block.
func (l *Level) Skylight(x, y, z int) int {
	if y >= Height {
		return maptile.MaxLight
	}
	if y < 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	col := l.chunkLocked(x, z).column(mathx.Mod(x, ChunkSize), mathx.Mod(z, ChunkSize))
	light := maptile.MaxLight
	for yy := Height - 1; yy > y; yy-- {
		switch b := col[yy]; {
		case b == Air:
		case isFluid(b):
			light -= 2
		default:
			return 0
		}
		if light <= 0 {
			return 0
		}
	}
	return light
}

// ClearCachedColumns drops every generated chunk. Edits survive.
func (l *Level) ClearCachedColumns() {
	l.mu.Lock()
	l.chunks = map[ChunkKey]*Chunk{}
	l.mu.Unlock()
}

// CachedChunks lists the chunk keys currently held in memory.
func (l *Level) CachedChunks() []ChunkKey {
	l.mu.Lock()
	keys := make([]ChunkKey, 0, len(l.chunks))
	for k := range l.chunks {
		keys = append(keys, k)
	}
	l.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CX != keys[j].CX {
			return keys[i].CX < keys[j].CX
		}
		return keys[i].CZ < keys[j].CZ
	})
	return keys
}

func (l *Level) EditCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.editCount
}
