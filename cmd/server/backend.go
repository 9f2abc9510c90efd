package main

import (
	"encoding/json"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voxelmap.ai/internal/broadcast"
	"voxelmap.ai/internal/maptile"
	"voxelmap.ai/internal/persistence/editlog"
	"voxelmap.ai/internal/persistence/indexdb"
	"voxelmap.ai/internal/runner"
	"voxelmap.ai/internal/scan"
	"voxelmap.ai/internal/world"
)

type backendDeps struct {
	World   *world.World
	Runners []*runner.LevelRunner
	Hub     *broadcast.Hub
	Journal *indexdb.SQLiteIndex
	Edits   *editlog.EditLog
	// Updates serves the update channel on the backend too, for clients
	// that reach it directly.
	Updates  http.Handler
	TilesDir string
	Logger   *log.Logger

	Mapper maptile.Mapper
	// Layers maps level id to wire layer id.
	Layers map[string]string
}

// newBackendMux is the internal HTTP server the gateway splices plain
// requests to. Everything here is public.
func newBackendMux(d backendDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	if d.TilesDir != "" {
		mux.Handle("/tiles/", tilesHandler(d.TilesDir))
	}
	if d.Updates != nil {
		mux.Handle("/v1/updates", d.Updates)
	}
	return mux
}

// newAdminMux serves /admin/v1/* on the loopback admin listener. The gateway
// dials the backend from loopback, so the admin routes must never share the
// backend listener.
func newAdminMux(d backendDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/v1/levels", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		writeJSON(rw, http.StatusOK, levelStatuses(d))
	})
	mux.HandleFunc("/admin/v1/scans", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if d.Journal == nil {
			http.Error(rw, "scan journal disabled", http.StatusNotFound)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		recs, err := d.Journal.Recent(r.Context(), r.URL.Query().Get("level"), limit)
		if err != nil {
			writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, recs)
	})
	mux.HandleFunc("/admin/v1/block", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		handleSetBlock(d, rw, r)
	})
	mux.HandleFunc("/admin/v1/column", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		handleColumn(d, rw, r)
	})
	return mux
}

// tilesHandler serves pre-rendered tiles and their JSON sidecars.
func tilesHandler(dir string) http.Handler {
	fs := http.StripPrefix("/tiles/", http.FileServer(http.Dir(dir)))
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(path.Ext(r.URL.Path), ".json") {
			rw.Header().Set("Content-Type", "application/json")
		}
		fs.ServeHTTP(rw, r)
	})
}

type setBlockRequest struct {
	Level string `json:"level"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Z     int    `json:"z"`
	Block int    `json:"block"`
}

func handleSetBlock(d backendDeps, rw http.ResponseWriter, r *http.Request) {
	var req setBlockRequest
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "bad json: " + err.Error()})
		return
	}
	lvl, ok := d.World.Get(req.Level)
	if !ok {
		writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": "unknown level " + strconv.Quote(req.Level)})
		return
	}
	if req.Block < 0 || req.Block > 0xFFFF || !world.KnownBlock(uint16(req.Block)) {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "unknown block " + strconv.Itoa(req.Block)})
		return
	}
	prev := lvl.GetBlock(req.X, req.Y, req.Z)
	if !lvl.SetBlock(req.X, req.Y, req.Z, uint16(req.Block)) {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "y out of range"})
		return
	}
	if err := d.Edits.Record(editlog.Entry{
		Level: req.Level, X: req.X, Y: req.Y, Z: req.Z,
		From: int(prev), To: req.Block, Remote: r.RemoteAddr,
	}); err != nil {
		d.Logger.Printf("edit log: %v", err)
	}
	d.Logger.Printf("admin: set %s (%d,%d,%d) = %s", req.Level, req.X, req.Y, req.Z, world.BlockName(uint16(req.Block)))
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "block": world.BlockName(uint16(req.Block))})
}

type columnStatus struct {
	Level      string `json:"level"`
	X          int    `json:"x"`
	Z          int    `json:"z"`
	Height     int    `json:"height"`
	TopBlockID int    `json:"top_block_id"`
	TopBlock   string `json:"top_block"`
	BiomeID    int    `json:"biome_id"`
	Light      int    `json:"light"`
	Tile       string `json:"tile"`
	TileMin    [2]int `json:"tile_min"`
	TileMax    [2]int `json:"tile_max"`
}

// handleColumn reports the summary the scanner would produce for one column
// and the tile it maps to.
func handleColumn(d backendDeps, rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("level")
	x, errX := strconv.Atoi(q.Get("x"))
	z, errZ := strconv.Atoi(q.Get("z"))
	if errX != nil || errZ != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "x and z must be integers"})
		return
	}
	lvl, ok := d.World.Level(id)
	if !ok {
		writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": "unknown level " + strconv.Quote(id)})
		return
	}
	layer, ok := d.Layers[id]
	if !ok {
		layer = maptile.LayerKey(id, "0")
	}
	m := scan.Summarize(lvl, x, z)
	tile := d.Mapper.TileFor(layer, m.Pos)
	lo, hi := d.Mapper.Bounds(tile)
	writeJSON(rw, http.StatusOK, columnStatus{
		Level:      id,
		X:          x,
		Z:          z,
		Height:     m.Height,
		TopBlockID: m.TopBlockID,
		TopBlock:   world.BlockName(uint16(m.TopBlockID)),
		BiomeID:    m.BiomeID,
		Light:      m.LightLevel,
		Tile:       tile.String(),
		TileMin:    [2]int{lo.X, lo.Z},
		TileMax:    [2]int{hi.X, hi.Z},
	})
}

type levelStatus struct {
	ID           string    `json:"id"`
	Available    bool      `json:"available"`
	Scanning     bool      `json:"scanning"`
	Scans        int       `json:"scans"`
	LastScan     time.Time `json:"last_scan"`
	LastScanMS   float64   `json:"last_scan_ms"`
	CachedChunks int       `json:"cached_chunks"`
	Edits        int       `json:"edits"`
	Subscribers  int       `json:"subscribers"`
}

func levelStatuses(d backendDeps) []levelStatus {
	subs := 0
	if d.Hub != nil {
		subs = d.Hub.Count()
	}
	out := make([]levelStatus, 0, len(d.Runners))
	for _, r := range d.Runners {
		last, took := r.Cursor().LastScan()
		st := levelStatus{
			ID:          r.LevelID(),
			Scanning:    r.Cursor().Busy(),
			Scans:       r.Cursor().Scans(),
			LastScan:    last,
			LastScanMS:  float64(took) / float64(time.Millisecond),
			Subscribers: subs,
		}
		if lvl, ok := d.World.Get(r.LevelID()); ok {
			st.Available = true
			st.CachedChunks = len(lvl.CachedChunks())
			st.Edits = lvl.EditCount()
		}
		out = append(out, st)
	}
	// Levels loaded without a runner are reported but never scanned.
	scanned := make(map[string]bool, len(d.Runners))
	for _, r := range d.Runners {
		scanned[r.LevelID()] = true
	}
	for _, id := range d.World.LevelIDs() {
		if scanned[id] {
			continue
		}
		lvl, _ := d.World.Get(id)
		out = append(out, levelStatus{
			ID:           id,
			Available:    true,
			CachedChunks: len(lvl.CachedChunks()),
			Edits:        lvl.EditCount(),
			Subscribers:  subs,
		})
	}
	return out
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
