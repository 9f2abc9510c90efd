// Command watch connects to the public port and prints tile updates.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"

	"voxelmap.ai/internal/mapproto"
)

func main() {
	var (
		url   = flag.String("url", "ws://localhost:8125/", "update channel url (the public port)")
		layer = flag.String("layer", "", "only print updates for this layer id, e.g. overworld_0")
		count = flag.Int("n", 0, "exit after this many tile updates (0 = run until interrupted)")
		raw   = flag.Bool("raw", false, "print messages verbatim")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[watch] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	w := watcher{layer: strings.TrimSpace(*layer), raw: *raw, logger: logger}
	for *count <= 0 || w.updates < *count {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseTryAgainLater) {
				logger.Printf("server closed the channel: %v", err)
			}
			break
		}
		w.handle(msg)
	}
	logger.Printf("%d tile updates", w.updates)
}

type watcher struct {
	layer   string
	raw     bool
	logger  *log.Logger
	updates int
}

func (w *watcher) handle(msg []byte) {
	base, err := mapproto.DecodeBase(msg)
	if err != nil {
		w.logger.Printf("bad message: %v", err)
		return
	}
	switch base.Type {
	case mapproto.TypeLevelMeta:
		var m mapproto.LevelMetaMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		if w.raw {
			w.logger.Printf("%s", msg)
			return
		}
		w.logger.Printf("LEVEL %s tile_size=%d zoom=%d..%d layers=%v spawn=(%d,%d)",
			m.LevelID, m.Meta.TileSize, m.Meta.MinZoom, m.Meta.MaxZoom, m.Meta.Layers, m.Meta.Spawn.X, m.Meta.Spawn.Z)

	case mapproto.TypeTileUpdate:
		var m mapproto.TileUpdateMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		if w.layer != "" && m.LayerID != w.layer {
			return
		}
		w.updates++
		if w.raw {
			w.logger.Printf("%s", msg)
			return
		}
		w.logger.Printf("TILE %s z=%d (%d,%d)", m.LayerID, m.Tile.Zoom, m.Tile.X, m.Tile.Y)

	default:
		w.logger.Printf("unknown message type %q", base.Type)
	}
}
