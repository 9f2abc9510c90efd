// Package mapproto defines the JSON messages pushed to map clients over the
// update channel. Every message carries a "type" discriminator; new payload
// kinds are added as new types, never by overloading existing fields.
package mapproto

import (
	"encoding/json"
	"fmt"

	"voxelmap.ai/internal/maptile"
)

// Message types.
const (
	TypeTileUpdate = "tileUpdate"
	TypeLevelMeta  = "levelMeta"
)

// Message is implemented by every broadcast payload.
type Message interface {
	MessageType() string
}

// BaseMessage lets clients route unknown JSON messages by type.
type BaseMessage struct {
	Type string `json:"type"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

type Tile struct {
	X    int `json:"x"`
	Y    int `json:"y"`
	Zoom int `json:"zoom"`
}

type TileUpdateMsg struct {
	Type    string `json:"type"`
	LayerID string `json:"layerId"`
	Tile    Tile   `json:"tile"`
}

func (TileUpdateMsg) MessageType() string { return TypeTileUpdate }

type LevelMetaMsg struct {
	Type    string          `json:"type"`
	LevelID string          `json:"levelId"`
	Meta    maptile.MapMeta `json:"meta"`
}

func (LevelMetaMsg) MessageType() string { return TypeLevelMeta }

func NewTileUpdate(ev maptile.ChangeEvent) TileUpdateMsg {
	return TileUpdateMsg{
		Type:    TypeTileUpdate,
		LayerID: ev.LayerID,
		Tile:    Tile{X: ev.Tile.X, Y: ev.Tile.Y, Zoom: ev.Tile.Zoom},
	}
}

func NewLevelMeta(levelID string, meta maptile.MapMeta) LevelMetaMsg {
	if meta.Layers == nil {
		meta.Layers = []string{}
	}
	return LevelMetaMsg{Type: TypeLevelMeta, LevelID: levelID, Meta: meta}
}

// Encode marshals a message into one text frame payload.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return b, nil
}
