// Package maptile holds the coordinate model shared by the scanner, the
// change detector and the broadcast hub.
package maptile

import (
	"fmt"

	"voxelmap.ai/internal/mathx"
)

const (
	DefaultTileSize = 256
	DefaultBaseZoom = 0

	MaxHeight = 255
	MaxLight  = 15
)

// ColumnPos is a world-column coordinate.
type ColumnPos struct {
	X int
	Z int
}

func (p ColumnPos) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Z) }

// TileRef identifies exactly one tile. It is a value type and is used as a map key.
type TileRef struct {
	LayerID string
	Zoom    int
	X       int
	Y       int
}

func (t TileRef) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", t.LayerID, t.Zoom, t.X, t.Y)
}

// BlockInfo is the result of a top solid-or-fluid lookup.
type BlockInfo struct {
	ID      int
	BiomeID int
	Y       int
}

// ColumnMeta summarizes one column for one scan.
type ColumnMeta struct {
	Pos        ColumnPos
	Height     int
	TopBlockID int
	BiomeID    int
	LightLevel int
}

// EmptyColumn is emitted for columns with no solid or fluid block.
func EmptyColumn(pos ColumnPos) ColumnMeta {
	return ColumnMeta{Pos: pos}
}

type ChangeEvent struct {
	LevelID string
	LayerID string
	Tile    TileRef
}

// LayerKey builds the wire layer id for a level layer ("overworld" + "0" -> "overworld_0").
func LayerKey(levelID, layer string) string {
	return levelID + "_" + layer
}

// Mapper maps world columns onto base-zoom tiles.
type Mapper struct {
	TileSize int
	BaseZoom int
}

func DefaultMapper() Mapper {
	return Mapper{TileSize: DefaultTileSize, BaseZoom: DefaultBaseZoom}
}

func (m Mapper) size() int {
	if m.TileSize <= 0 {
		return DefaultTileSize
	}
	return m.TileSize
}

// TileFor returns the base-zoom tile containing pos.
func (m Mapper) TileFor(layerID string, pos ColumnPos) TileRef {
	s := m.size()
	return TileRef{
		LayerID: layerID,
		Zoom:    m.BaseZoom,
		X:       mathx.FloorDiv(pos.X, s),
		Y:       mathx.FloorDiv(pos.Z, s),
	}
}

// Bounds returns the inclusive column range covered by a base-zoom tile.
func (m Mapper) Bounds(t TileRef) (lo, hi ColumnPos) {
	s := m.size()
	lo = ColumnPos{X: t.X * s, Z: t.Y * s}
	hi = ColumnPos{X: lo.X + s - 1, Z: lo.Z + s - 1}
	return lo, hi
}

// MapMeta is the static metadata announced once per level.
type MapMeta struct {
	TileSize int      `json:"tileSize"`
	BaseZoom int      `json:"baseZoom"`
	MinZoom  int      `json:"minZoom"`
	MaxZoom  int      `json:"maxZoom"`
	Layers   []string `json:"layers"`
	Spawn    Spawn    `json:"spawn"`
}

type Spawn struct {
	X int `json:"x"`
	Z int `json:"z"`
}
