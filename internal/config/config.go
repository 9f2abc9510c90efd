// Package config loads mapd.yaml and overlays VM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go-simpler.org/env"
	"gopkg.in/yaml.v3"

	"voxelmap.ai/internal/maptile"
)

const (
	DefaultPublicPort = 8125

	UpgradeProxy     = "proxy"
	UpgradeInProcess = "inprocess"
)

type Config struct {
	BindHost string `yaml:"bind_host" env:"VM_BIND_HOST"`
	// PublicPort is the single externally reachable port. HTTPPort,
	// UpdatesPort and AdminPort default to PublicPort+1, +2 and +3.
	PublicPort  int `yaml:"public_port" env:"VM_PUBLIC_PORT"`
	HTTPPort    int `yaml:"http_port" env:"VM_HTTP_PORT"`
	UpdatesPort int `yaml:"updates_port" env:"VM_UPDATES_PORT"`
	AdminPort   int `yaml:"admin_port" env:"VM_ADMIN_PORT"`

	DataDir  string `yaml:"data_dir" env:"VM_DATA_DIR"`
	TilesDir string `yaml:"tiles_dir" env:"VM_TILES_DIR"`

	Gateway GatewayConfig `yaml:"gateway"`
	Scan    ScanConfig    `yaml:"scan"`
	Map     MapConfig     `yaml:"map"`
	Hub     HubConfig     `yaml:"hub"`
	Store   StoreConfig   `yaml:"store"`

	Seed   int64         `yaml:"seed" env:"VM_SEED"`
	Levels []LevelConfig `yaml:"levels"`
}

type GatewayConfig struct {
	UpgradeMode     string        `yaml:"upgrade_mode" env:"VM_UPGRADE_MODE"`
	ClassifyTimeout time.Duration `yaml:"classify_timeout" env:"VM_CLASSIFY_TIMEOUT"`
	DialTimeout     time.Duration `yaml:"dial_timeout" env:"VM_DIAL_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" env:"VM_MAX_HEADER_BYTES"`
}

type ScanConfig struct {
	Interval      time.Duration `yaml:"interval" env:"VM_SCAN_INTERVAL"`
	Radius        int           `yaml:"radius" env:"VM_SCAN_RADIUS"`
	BulkRadius    int           `yaml:"bulk_radius" env:"VM_BULK_RADIUS"`
	BatchSize     int           `yaml:"batch_size" env:"VM_SCAN_BATCH_SIZE"`
	CoalesceTiles bool          `yaml:"coalesce_tiles" env:"VM_COALESCE_TILES"`
}

type MapConfig struct {
	TileSize int `yaml:"tile_size" env:"VM_TILE_SIZE"`
	BaseZoom int `yaml:"base_zoom" env:"VM_BASE_ZOOM"`
	MinZoom  int `yaml:"min_zoom" env:"VM_MIN_ZOOM"`
	MaxZoom  int `yaml:"max_zoom" env:"VM_MAX_ZOOM"`
}

type HubConfig struct {
	QueueSize       int `yaml:"queue_size" env:"VM_HUB_QUEUE_SIZE"`
	EvictAfterDrops int `yaml:"evict_after_drops" env:"VM_HUB_EVICT_AFTER_DROPS"`
}

type StoreConfig struct {
	RegionSnapshots bool `yaml:"region_snapshots" env:"VM_REGION_SNAPSHOTS"`
	// SnapshotEvery writes region snapshots every N scans; zero means only on shutdown.
	SnapshotEvery int  `yaml:"snapshot_every" env:"VM_SNAPSHOT_EVERY"`
	ScanJournal   bool `yaml:"scan_journal" env:"VM_SCAN_JOURNAL"`
	EditLog       bool `yaml:"edit_log" env:"VM_EDIT_LOG"`
}

type LevelConfig struct {
	ID    string `yaml:"id"`
	Layer string `yaml:"layer"`
	// SeedOffset is added to the world seed.
	SeedOffset int64 `yaml:"seed_offset"`
	SeaLevel   int   `yaml:"sea_level"`
	SpawnX     int   `yaml:"spawn_x"`
	SpawnZ     int   `yaml:"spawn_z"`
}

// Load reads path (when non-empty), overlays the environment and validates.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("mapd.yaml: %w", err)
		}
	}
	if err := env.Load(&cfg, nil); err != nil {
		return cfg, fmt.Errorf("mapd.yaml: env overlay: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("mapd.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		PublicPort: DefaultPublicPort,
		DataDir:    "./data",
		TilesDir:   "./data/tiles",
		Gateway: GatewayConfig{
			UpgradeMode:     UpgradeProxy,
			ClassifyTimeout: 3 * time.Second,
			DialTimeout:     2 * time.Second,
			MaxHeaderBytes:  8 << 10,
		},
		Scan: ScanConfig{
			Interval:      500 * time.Millisecond,
			Radius:        16,
			BulkRadius:    64,
			BatchSize:     256,
			CoalesceTiles: true,
		},
		Map: MapConfig{
			TileSize: maptile.DefaultTileSize,
			BaseZoom: maptile.DefaultBaseZoom,
			MinZoom:  -4,
			MaxZoom:  0,
		},
		Hub: HubConfig{
			QueueSize:       16,
			EvictAfterDrops: 3,
		},
		Store: StoreConfig{
			RegionSnapshots: true,
			ScanJournal:     true,
			EditLog:         true,
		},
		Seed: 1337,
		Levels: []LevelConfig{
			{ID: "overworld", Layer: "0", SeaLevel: 62},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.BindHost = strings.TrimSpace(c.BindHost)
	if c.PublicPort == 0 {
		c.PublicPort = DefaultPublicPort
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = c.PublicPort + 1
	}
	if c.UpdatesPort == 0 {
		c.UpdatesPort = c.PublicPort + 2
	}
	if c.AdminPort == 0 {
		c.AdminPort = c.PublicPort + 3
	}
	c.Gateway.UpgradeMode = strings.ToLower(strings.TrimSpace(c.Gateway.UpgradeMode))
	if c.Gateway.UpgradeMode == "" {
		c.Gateway.UpgradeMode = UpgradeProxy
	}
	if c.Map.TileSize <= 0 {
		c.Map.TileSize = maptile.DefaultTileSize
	}
	if c.Scan.BatchSize <= 0 {
		c.Scan.BatchSize = 256
	}
	if c.TilesDir == "" && c.DataDir != "" {
		c.TilesDir = filepath.Join(c.DataDir, "tiles")
	}
	for i := range c.Levels {
		c.Levels[i].ID = strings.TrimSpace(c.Levels[i].ID)
		if strings.TrimSpace(c.Levels[i].Layer) == "" {
			c.Levels[i].Layer = "0"
		}
		if c.Levels[i].SeaLevel == 0 {
			c.Levels[i].SeaLevel = 62
		}
	}
}

func (c Config) Validate() error {
	for _, p := range []struct {
		name string
		v    int
	}{{"public_port", c.PublicPort}, {"http_port", c.HTTPPort}, {"updates_port", c.UpdatesPort}, {"admin_port", c.AdminPort}} {
		if p.v <= 0 || p.v > 65535 {
			return fmt.Errorf("%s out of range: %d", p.name, p.v)
		}
	}
	ports := map[int]bool{c.PublicPort: true, c.HTTPPort: true, c.UpdatesPort: true, c.AdminPort: true}
	if len(ports) != 4 {
		return errors.New("public_port, http_port, updates_port and admin_port must differ")
	}
	switch c.Gateway.UpgradeMode {
	case UpgradeProxy, UpgradeInProcess:
	default:
		return fmt.Errorf("gateway.upgrade_mode must be %q or %q, got %q", UpgradeProxy, UpgradeInProcess, c.Gateway.UpgradeMode)
	}
	if c.Gateway.ClassifyTimeout < 0 || c.Gateway.DialTimeout < 0 || c.Gateway.MaxHeaderBytes < 0 {
		return errors.New("gateway timeouts and max_header_bytes must not be negative")
	}
	if c.Scan.Interval <= 0 {
		return fmt.Errorf("scan.interval must be positive, got %s", c.Scan.Interval)
	}
	if c.Scan.Radius <= 0 {
		return fmt.Errorf("scan.radius must be positive, got %d", c.Scan.Radius)
	}
	if c.Scan.BulkRadius < 0 {
		return fmt.Errorf("scan.bulk_radius must not be negative, got %d", c.Scan.BulkRadius)
	}
	if c.Map.MinZoom > c.Map.MaxZoom {
		return fmt.Errorf("map.min_zoom %d > map.max_zoom %d", c.Map.MinZoom, c.Map.MaxZoom)
	}
	if c.Map.BaseZoom < c.Map.MinZoom || c.Map.BaseZoom > c.Map.MaxZoom {
		return fmt.Errorf("map.base_zoom %d outside [%d, %d]", c.Map.BaseZoom, c.Map.MinZoom, c.Map.MaxZoom)
	}
	if c.Hub.QueueSize < 0 || c.Hub.EvictAfterDrops < 0 {
		return errors.New("hub.queue_size and hub.evict_after_drops must not be negative")
	}
	if c.Store.SnapshotEvery < 0 {
		return fmt.Errorf("store.snapshot_every must not be negative, got %d", c.Store.SnapshotEvery)
	}
	if (c.Store.RegionSnapshots || c.Store.ScanJournal || c.Store.EditLog) && strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir is required when any store is enabled")
	}
	if len(c.Levels) == 0 {
		return errors.New("at least one level is required")
	}
	seen := map[string]bool{}
	for _, l := range c.Levels {
		if l.ID == "" {
			return errors.New("level id is required")
		}
		if strings.ContainsAny(l.ID, `/\`) {
			return fmt.Errorf("level id %q must not contain path separators", l.ID)
		}
		if seen[l.ID] {
			return fmt.Errorf("duplicate level id %q", l.ID)
		}
		seen[l.ID] = true
	}
	return nil
}

func (c Config) addr(port int) string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(port))
}

// PublicAddr is the gateway listen address.
func (c Config) PublicAddr() string { return c.addr(c.PublicPort) }

// HTTPAddr is the internal HTTP backend address. Internal servers always
// bind loopback unless BindHost names another interface.
func (c Config) HTTPAddr() string { return c.internalAddr(c.HTTPPort) }

func (c Config) UpdatesAddr() string { return c.internalAddr(c.UpdatesPort) }

// AdminAddr always binds loopback. The gateway never splices to it.
func (c Config) AdminAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(c.AdminPort))
}

func (c Config) internalAddr(port int) string {
	host := c.BindHost
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (c Config) SnapshotDir() string { return filepath.Join(c.DataDir, "regions") }

func (c Config) JournalPath() string { return filepath.Join(c.DataDir, "index", "scans.sqlite") }

// MapMeta is the static part of the levelMeta announcement for a level.
func (c Config) MapMeta() maptile.MapMeta {
	return maptile.MapMeta{
		TileSize: c.Map.TileSize,
		BaseZoom: c.Map.BaseZoom,
		MinZoom:  c.Map.MinZoom,
		MaxZoom:  c.Map.MaxZoom,
	}
}

func (c Config) Mapper() maptile.Mapper {
	return maptile.Mapper{TileSize: c.Map.TileSize, BaseZoom: c.Map.BaseZoom}
}
