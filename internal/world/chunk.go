package world

import "voxelmap.ai/internal/mathx"

const ChunkSize = 16

type ChunkKey struct {
	CX int
	CZ int
}

func chunkKeyFor(x, z int) ChunkKey {
	return ChunkKey{CX: mathx.FloorDiv(x, ChunkSize), CZ: mathx.FloorDiv(z, ChunkSize)}
}

// Chunk is a 16x16 column stack of Height blocks.
type Chunk struct {
	CX, CZ int
	Blocks []uint16 // len = 16*16*Height
	biomes [ChunkSize * ChunkSize]uint8
}

func newChunk(k ChunkKey) *Chunk {
	return &Chunk{CX: k.CX, CZ: k.CZ, Blocks: make([]uint16, ChunkSize*ChunkSize*Height)}
}

func (c *Chunk) index(x, y, z int) int {
	return (x+z*ChunkSize)*Height + y
}

func (c *Chunk) Get(x, y, z int) uint16 {
	if y < 0 || y >= Height {
		return Air
	}
	return c.Blocks[c.index(x, y, z)]
}

func (c *Chunk) Set(x, y, z int, b uint16) {
	if y < 0 || y >= Height {
		return
	}
	c.Blocks[c.index(x, y, z)] = b
}

func (c *Chunk) Biome(x, z int) int { return int(c.biomes[x+z*ChunkSize]) }

func (c *Chunk) setBiome(x, z, id int) { c.biomes[x+z*ChunkSize] = uint8(id) }

// column returns the y-slice of one column, bottom first.
func (c *Chunk) column(x, z int) []uint16 {
	i := c.index(x, 0, z)
	return c.Blocks[i : i+Height]
}
