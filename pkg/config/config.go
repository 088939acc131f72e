package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Tiles  TilesConfig  `yaml:"tiles"`
	Engine EngineConfig `yaml:"engine"`
	LOS    LOSConfig    `yaml:"los"`
	Raster RasterConfig `yaml:"raster"`
	Peaks  PeaksConfig  `yaml:"peaks"`
	Log    LogConfig    `yaml:"log"`
	DB     DBConfig     `yaml:"db"`
	Server ServerConfig `yaml:"server"`
}

// TilesConfig holds elevation tile source, cache and fetch settings.
type TilesConfig struct {
	SourceURL    string        `yaml:"source_url"` // template with {z}/{x}/{y}
	Size         int           `yaml:"size"`
	CacheSize    int           `yaml:"cache_size"`
	CacheRecency bool          `yaml:"cache_recency"` // false = insertion order eviction
	Concurrency  int           `yaml:"concurrency"`
	RatePerSec   float64       `yaml:"rate_per_sec"` // 0 = unlimited
	Retries      int           `yaml:"retries"`
	Timeout      Duration      `yaml:"timeout"`
	Backoff      BackoffConfig `yaml:"backoff"`
	Breaker      BreakerConfig `yaml:"breaker"`
	DiskCacheTTL Duration      `yaml:"disk_cache_ttl"`
}

// BackoffConfig holds exponential backoff settings.
type BackoffConfig struct {
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

// BreakerConfig holds circuit breaker settings for the tile source.
type BreakerConfig struct {
	FailureThreshold uint32   `yaml:"failure_threshold"`
	OpenTimeout      Duration `yaml:"open_timeout"`
}

// EngineConfig holds parallel task engine settings.
type EngineConfig struct {
	MaxUnits       int      `yaml:"max_units"` // 0 = runtime.NumCPU()
	ChunkSize      int      `yaml:"chunk_size"`
	PointsPerUnit  int      `yaml:"points_per_unit"`
	HardPointLimit int64    `yaml:"hard_point_limit"`
	SoftPointLimit int64    `yaml:"soft_point_limit"`
	ChunkTimeout   Duration `yaml:"chunk_timeout"`
	PollInterval   Duration `yaml:"poll_interval"`
	PartialEvery   int      `yaml:"partial_every"` // rounds between partial result callbacks
	PathSamples    int      `yaml:"path_samples"`  // mid-path samples used when collecting tiles
	TileLoadShare  float64  `yaml:"tile_load_share"`
}

// LOSConfig holds line-of-sight evaluation settings.
type LOSConfig struct {
	SampleStep     Distance `yaml:"sample_step"`
	MinSamples     int      `yaml:"min_samples"`
	MaxSamples     int      `yaml:"max_samples"` // single pair, 0 = unlimited
	BatchSamples   int      `yaml:"batch_samples"`
	KFactor        float64  `yaml:"k_factor"`
	FresnelPercent float64  `yaml:"fresnel_percent"`
}

// RasterConfig holds streaming renderer settings.
type RasterConfig struct {
	MaxDimension  int      `yaml:"max_dimension"`
	FlushInterval Duration `yaml:"flush_interval"`
	FlushDirty    int      `yaml:"flush_dirty"`
}

// PeaksConfig holds peak search settings.
type PeaksConfig struct {
	Resolution    Distance `yaml:"resolution"`
	H3Resolution  int      `yaml:"h3_resolution"`
	Limit         int      `yaml:"limit"`
	MinProminence Distance `yaml:"min_prominence"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Path       string `yaml:"path"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DBConfig holds database settings. An empty path disables the disk tile cache.
type DBConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Tiles: TilesConfig{
			SourceURL:    "https://s3.amazonaws.com/elevation-tiles-prod/terrarium/{z}/{x}/{y}.png",
			Size:         256,
			CacheSize:    500,
			CacheRecency: false,
			Concurrency:  6,
			RatePerSec:   0,
			Retries:      3,
			Timeout:      Duration(15 * time.Second),
			Backoff: BackoffConfig{
				BaseDelay: Duration(500 * time.Millisecond),
				MaxDelay:  Duration(10 * time.Second),
			},
			Breaker: BreakerConfig{
				FailureThreshold: 20,
				OpenTimeout:      Duration(30 * time.Second),
			},
			DiskCacheTTL: Duration(30 * Day),
		},
		Engine: EngineConfig{
			MaxUnits:       0,
			ChunkSize:      500,
			PointsPerUnit:  1000,
			HardPointLimit: 500_000_000,
			SoftPointLimit: 5_000_000,
			ChunkTimeout:   Duration(60 * time.Second),
			PollInterval:   Duration(100 * time.Millisecond),
			PartialEvery:   10,
			PathSamples:    4,
			TileLoadShare:  0.15,
		},
		LOS: LOSConfig{
			SampleStep:     Distance(30),
			MinSamples:     10,
			MaxSamples:     0,
			BatchSamples:   32,
			KFactor:        4.0 / 3.0,
			FresnelPercent: 60,
		},
		Raster: RasterConfig{
			MaxDimension:  4096,
			FlushInterval: Duration(500 * time.Millisecond),
			FlushDirty:    50_000,
		},
		Peaks: PeaksConfig{
			Resolution:    Distance(90),
			H3Resolution:  7,
			Limit:         20,
			MinProminence: Distance(0),
		},
		Log: LogConfig{
			Path:       "./logs/sightline.log",
			Level:      "INFO",
			MaxSizeMB:  32,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
		DB: DBConfig{
			Path: "./data/tiles.db",
		},
		Server: ServerConfig{
			Address: "localhost:8420",
		},
	}
}

// Load loads the configuration from the given path.
// If the file does not exist, it creates it with default values.
// Environment overrides (SIGHTLINE_TILE_URL, SIGHTLINE_ADDR) are applied last and never saved.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := Save(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to save config file: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if u := os.Getenv("SIGHTLINE_TILE_URL"); u != "" {
		cfg.Tiles.SourceURL = u
	}
	if a := os.Getenv("SIGHTLINE_ADDR"); a != "" {
		cfg.Server.Address = a
	}
}

var templatePlaceholders = regexp.MustCompile(`\{[zxy]\}`)

// Validate checks the settings that would otherwise fail deep inside a computation.
func (c *Config) Validate() error {
	if len(templatePlaceholders.FindAllString(c.Tiles.SourceURL, -1)) != 3 {
		return fmt.Errorf("tiles.source_url must contain {z}, {x} and {y}: %q", c.Tiles.SourceURL)
	}
	if c.Tiles.Size <= 0 {
		return fmt.Errorf("tiles.size must be positive, got %d", c.Tiles.Size)
	}
	if c.Tiles.CacheSize <= 0 {
		return fmt.Errorf("tiles.cache_size must be positive, got %d", c.Tiles.CacheSize)
	}
	if c.Engine.ChunkSize <= 0 {
		return fmt.Errorf("engine.chunk_size must be positive, got %d", c.Engine.ChunkSize)
	}
	if c.Engine.SoftPointLimit > c.Engine.HardPointLimit {
		return fmt.Errorf("engine.soft_point_limit (%d) exceeds hard_point_limit (%d)", c.Engine.SoftPointLimit, c.Engine.HardPointLimit)
	}
	if c.LOS.FresnelPercent < 0 || c.LOS.FresnelPercent > 100 {
		return fmt.Errorf("los.fresnel_percent must be within [0, 100], got %v", c.LOS.FresnelPercent)
	}
	if c.LOS.SampleStep <= 0 {
		return fmt.Errorf("los.sample_step must be positive")
	}
	switch strings.ToUpper(c.Log.Level) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// Save writes the configuration to the path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Sightline Configuration
# ---------------------
# Supported Units:
#   Duration: ns, us (or µs), ms, s, m, h, d (day), w (week)
#   Distance: m (meters), km (kilometers), nm (nautical miles), ft (feet)

`)
	data = append(header, data...)

	reRecency := regexp.MustCompile(`(?m)^(\s+)cache_recency:`)
	data = reRecency.ReplaceAll(data, []byte("${1}# false: evict in insertion order, true: evict least recently read\n${1}cache_recency:"))

	reMaxUnits := regexp.MustCompile(`(?m)^(\s+)max_units:`)
	data = reMaxUnits.ReplaceAll(data, []byte("${1}# 0 uses one unit per CPU\n${1}max_units:"))

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefault creates a default config file at the given path.
// Returns nil if the file already exists.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return Save(path, DefaultConfig())
}
