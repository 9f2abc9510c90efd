// Package world is a procedural demo world provider: perlin-noise terrain
// in 16x16 chunks with biomes and water. It implements the scanner's World
// and Level interfaces so the map server runs without an external game.
package world

import (
	"fmt"
	"sort"
	"sync"

	"voxelmap.ai/internal/maptile"
	"voxelmap.ai/internal/scan"
)

type LevelSpec struct {
	ID       string
	Seed     int64
	SeaLevel int
	Spawn    maptile.ColumnPos
}

// World holds the loaded levels. Levels may be loaded at any time; until
// then Level reports them as unavailable.
type World struct {
	mu     sync.RWMutex
	levels map[string]*Level
}

func New() *World {
	return &World{levels: map[string]*Level{}}
}

// Load generates (lazily) and registers a level.
func (w *World) Load(spec LevelSpec) (*Level, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("level id is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.levels[spec.ID]; ok {
		return nil, fmt.Errorf("level %q already loaded", spec.ID)
	}
	lvl := newLevel(spec.ID, NewGen(spec.Seed, spec.SeaLevel), spec.Spawn)
	w.levels[spec.ID] = lvl
	return lvl, nil
}

// Level implements scan.World.
func (w *World) Level(id string) (scan.Level, bool) {
	lvl, ok := w.Get(id)
	if !ok {
		return nil, false
	}
	return lvl, true
}

func (w *World) Get(id string) (*Level, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	lvl, ok := w.levels[id]
	return lvl, ok
}

func (w *World) LevelIDs() []string {
	w.mu.RLock()
	ids := make([]string, 0, len(w.levels))
	for id := range w.levels {
		ids = append(ids, id)
	}
	w.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
