// Package detect keeps the last-known column summaries of a level and turns
// fresh summaries into tile change events.
package detect

import (
	"sort"
	"sync"

	"voxelmap.ai/internal/maptile"
)

// Detector owns the RegionState of one level.
type Detector struct {
	levelID string
	layerID string
	mapper  maptile.Mapper

	mu    sync.Mutex
	state map[maptile.ColumnPos]maptile.ColumnMeta
}

// New returns a detector for levelID. layer is the level-local layer name;
// events carry the wire layer id "<levelID>_<layer>".
func New(levelID, layer string, mapper maptile.Mapper) *Detector {
	return &Detector{
		levelID: levelID,
		layerID: maptile.LayerKey(levelID, layer),
		mapper:  mapper,
		state:   map[maptile.ColumnPos]maptile.ColumnMeta{},
	}
}

func (d *Detector) LevelID() string { return d.levelID }
func (d *Detector) LayerID() string { return d.layerID }

// Observe records m. It reports a change event when the column was never seen
// or any field differs from the previous summary.
func (d *Detector) Observe(m maptile.ColumnMeta) (maptile.ChangeEvent, bool) {
	d.mu.Lock()
	prev, seen := d.state[m.Pos]
	if seen && prev == m {
		d.mu.Unlock()
		return maptile.ChangeEvent{}, false
	}
	d.state[m.Pos] = m
	d.mu.Unlock()

	return maptile.ChangeEvent{
		LevelID: d.levelID,
		LayerID: d.layerID,
		Tile:    d.mapper.TileFor(d.layerID, m.Pos),
	}, true
}

func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.state)
}

// Export returns a copy of the region state ordered by (X, Z).
func (d *Detector) Export() []maptile.ColumnMeta {
	d.mu.Lock()
	out := make([]maptile.ColumnMeta, 0, len(d.state))
	for _, m := range d.state {
		out = append(out, m)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Pos.X != out[j].Pos.X {
			return out[i].Pos.X < out[j].Pos.X
		}
		return out[i].Pos.Z < out[j].Pos.Z
	})
	return out
}

// Import seeds the region state, e.g. from a snapshot. Imported columns do
// not produce events.
func (d *Detector) Import(cols []maptile.ColumnMeta) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range cols {
		d.state[m.Pos] = m
	}
}
