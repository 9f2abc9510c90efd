// Package regionsnap stores the last-known column summaries of a level so a
// restarted server does not re-announce every tile.
package regionsnap

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelmap.ai/internal/maptile"
)

const Version = 1

type Header struct {
	Version int       `json:"version"`
	LevelID string    `json:"level_id"`
	Columns int       `json:"columns"`
	SavedAt time.Time `json:"saved_at"`
}

type ColumnV1 struct {
	X, Z       int
	Height     int
	TopBlockID int
	BiomeID    int
	LightLevel int
}

type RegionV1 struct {
	Header  Header
	Columns []ColumnV1
}

func FromColumns(levelID string, cols []maptile.ColumnMeta) RegionV1 {
	snap := RegionV1{
		Header: Header{
			Version: Version,
			LevelID: levelID,
			Columns: len(cols),
			SavedAt: time.Now().UTC(),
		},
		Columns: make([]ColumnV1, 0, len(cols)),
	}
	for _, c := range cols {
		snap.Columns = append(snap.Columns, ColumnV1{
			X: c.Pos.X, Z: c.Pos.Z,
			Height:     c.Height,
			TopBlockID: c.TopBlockID,
			BiomeID:    c.BiomeID,
			LightLevel: c.LightLevel,
		})
	}
	return snap
}

func (s RegionV1) ToColumns() []maptile.ColumnMeta {
	out := make([]maptile.ColumnMeta, 0, len(s.Columns))
	for _, c := range s.Columns {
		out = append(out, maptile.ColumnMeta{
			Pos:        maptile.ColumnPos{X: c.X, Z: c.Z},
			Height:     c.Height,
			TopBlockID: c.TopBlockID,
			BiomeID:    c.BiomeID,
			LightLevel: c.LightLevel,
		})
	}
	return out
}

// WriteSnapshot writes a JSON header line followed by the gob-encoded region,
// all inside one zstd stream.
func WriteSnapshot(path string, snap RegionV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 256*1024)
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (RegionV1, error) {
	var snap RegionV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob payload repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading JSON line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// Store keeps one snapshot file per level under Dir.
type Store struct {
	Dir string
}

func (s Store) Path(levelID string) string {
	return filepath.Join(s.Dir, levelID+".region.zst")
}

// Save replaces the level's snapshot atomically.
func (s Store) Save(levelID string, cols []maptile.ColumnMeta) error {
	path := s.Path(levelID)
	tmp := path + ".tmp"
	if err := WriteSnapshot(tmp, FromColumns(levelID, cols)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", levelID, err)
	}
	return os.Rename(tmp, path)
}

// Load returns the saved columns of a level, or nil when none were saved.
func (s Store) Load(levelID string) ([]maptile.ColumnMeta, error) {
	snap, err := ReadSnapshot(s.Path(levelID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", levelID, err)
	}
	if snap.Header.LevelID != levelID {
		return nil, fmt.Errorf("read %s: snapshot belongs to %q", levelID, snap.Header.LevelID)
	}
	return snap.ToColumns(), nil
}
