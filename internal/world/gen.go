package world

import (
	"github.com/aquilax/go-perlin"

	"voxelmap.ai/internal/mathx"
)

const (
	// Height is the number of block layers (y = 0..Height-1).
	Height          = 256
	DefaultSeaLevel = 62

	baseHeight    = 64
	heightScale   = 40.0
	noiseScale    = 128.0
	mountainLine  = 100
	treeChancePct = 2
)

// Gen produces terrain deterministically from a seed.
type Gen struct {
	Seed            int64
	SeaLevel        int
	BiomeRegionSize int

	noise *perlin.Perlin
}

func NewGen(seed int64, seaLevel int) *Gen {
	if seaLevel <= 0 {
		seaLevel = DefaultSeaLevel
	}
	return &Gen{
		Seed:            seed,
		SeaLevel:        seaLevel,
		BiomeRegionSize: 96,
		noise:           perlin.NewPerlin(2, 2, 3, seed),
	}
}

// SurfaceAt returns the y of the topmost terrain block (before decoration).
func (g *Gen) SurfaceAt(x, z int) int {
	n := g.noise.Noise2D(float64(x)/noiseScale, float64(z)/noiseScale)
	return mathx.ClampInt(baseHeight+int(n*heightScale), 1, Height-16)
}

// BiomeAt picks a biome from the surface height, falling back to large
// hashed regions on dry land.
func (g *Gen) BiomeAt(x, z, surface int) int {
	switch {
	case surface < g.SeaLevel-1:
		return BiomeOcean
	case surface <= g.SeaLevel+1:
		return BiomeBeach
	case surface > mountainLine:
		return BiomeMountains
	}
	size := g.BiomeRegionSize
	if size <= 0 {
		size = 1
	}
	switch mathx.Hash2(g.Seed, mathx.FloorDiv(x, size), mathx.FloorDiv(z, size)) % 3 {
	case 0:
		return BiomePlains
	case 1:
		return BiomeForest
	default:
		return BiomeDesert
	}
}

func (g *Gen) generateChunk(ch *Chunk) {
	for lz := 0; lz < ChunkSize; lz++ {
		for lx := 0; lx < ChunkSize; lx++ {
			wx := ch.CX*ChunkSize + lx
			wz := ch.CZ*ChunkSize + lz
			surface := g.SurfaceAt(wx, wz)
			biome := g.BiomeAt(wx, wz, surface)
			ch.setBiome(lx, lz, biome)

			top, filler := Grass, Dirt
			switch biome {
			case BiomeOcean:
				top, filler = Gravel, Sand
			case BiomeBeach, BiomeDesert:
				top, filler = Sand, Sand
			case BiomeMountains:
				top, filler = Snow, Stone
			}

			ch.Set(lx, 0, lz, Bedrock)
			for y := 1; y < surface-3; y++ {
				ch.Set(lx, y, lz, Stone)
			}
			for y := mathx.ClampInt(surface-3, 1, surface); y < surface; y++ {
				ch.Set(lx, y, lz, filler)
			}
			ch.Set(lx, surface, lz, top)
			for y := surface + 1; y <= g.SeaLevel; y++ {
				ch.Set(lx, y, lz, Water)
			}

			if biome == BiomeForest && lx > 1 && lx < ChunkSize-2 && lz > 1 && lz < ChunkSize-2 &&
				mathx.Hash2(g.Seed+201, wx, wz)%100 < treeChancePct {
				for y := surface + 1; y <= surface+4; y++ {
					ch.Set(lx, y, lz, Log)
				}
				ch.Set(lx, surface+5, lz, Leaves)
			}
		}
	}
}
