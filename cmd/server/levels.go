package main

import (
	"errors"
	"log"

	"voxelmap.ai/internal/config"
	"voxelmap.ai/internal/detect"
	"voxelmap.ai/internal/maptile"
	"voxelmap.ai/internal/persistence/regionsnap"
	"voxelmap.ai/internal/world"
)

// newDetector seeds the level's region state from its snapshot so a restart
// only re-announces tiles that changed while the server was down.
func newDetector(cfg config.Config, l config.LevelConfig, snaps *regionsnap.Store, logger *log.Logger) *detect.Detector {
	det := detect.New(l.ID, l.Layer, cfg.Mapper())
	if snaps == nil {
		return det
	}
	cols, err := snaps.Load(l.ID)
	if err != nil {
		logger.Printf("region snapshot %s ignored: %v", l.ID, err)
		return det
	}
	if len(cols) > 0 {
		det.Import(cols)
		logger.Printf("restored %d columns for %s", len(cols), l.ID)
	}
	return det
}

func loadLevels(cfg config.Config, w *world.World) error {
	var errs []error
	for _, l := range cfg.Levels {
		_, err := w.Load(world.LevelSpec{
			ID:       l.ID,
			Seed:     cfg.Seed + l.SeedOffset,
			SeaLevel: l.SeaLevel,
			Spawn:    maptile.ColumnPos{X: l.SpawnX, Z: l.SpawnZ},
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// levelLayers maps each configured level to its wire layer id.
func levelLayers(cfg config.Config) map[string]string {
	out := make(map[string]string, len(cfg.Levels))
	for _, l := range cfg.Levels {
		out[l.ID] = maptile.LayerKey(l.ID, l.Layer)
	}
	return out
}
