package main

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestWatcher_FiltersLayerAndCountsUpdates(t *testing.T) {
	var buf bytes.Buffer
	w := watcher{layer: "overworld_0", logger: log.New(&buf, "", 0)}

	w.handle([]byte(`{"type":"levelMeta","levelId":"overworld","meta":{"tileSize":256,"baseZoom":0,"minZoom":-4,"maxZoom":0,"layers":["overworld_0"],"spawn":{"x":0,"z":0}}}`))
	w.handle([]byte(`{"type":"tileUpdate","layerId":"overworld_0","tile":{"x":-1,"y":2,"zoom":0}}`))
	w.handle([]byte(`{"type":"tileUpdate","layerId":"islands_0","tile":{"x":0,"y":0,"zoom":0}}`))
	w.handle([]byte(`not json`))

	if w.updates != 1 {
		t.Fatalf("updates=%d want=1", w.updates)
	}
	out := buf.String()
	if !strings.Contains(out, "LEVEL overworld tile_size=256 zoom=-4..0 layers=[overworld_0] spawn=(0,0)") {
		t.Fatalf("missing level line:\n%s", out)
	}
	if !strings.Contains(out, "TILE overworld_0 z=0 (-1,2)") {
		t.Fatalf("missing tile line:\n%s", out)
	}
	if strings.Contains(out, "islands_0") {
		t.Fatalf("filtered layer printed:\n%s", out)
	}
	if !strings.Contains(out, "bad message") {
		t.Fatalf("missing bad message line:\n%s", out)
	}
}

func TestWatcher_RawPrintsVerbatim(t *testing.T) {
	var buf bytes.Buffer
	w := watcher{raw: true, logger: log.New(&buf, "", 0)}
	msg := `{"type":"tileUpdate","layerId":"overworld_0","tile":{"x":0,"y":0,"zoom":0}}`
	w.handle([]byte(msg))
	if strings.TrimSpace(buf.String()) != msg {
		t.Fatalf("raw output=%q", buf.String())
	}
}
