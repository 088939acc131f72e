package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "sightline.yaml")

	tests := []struct {
		name          string
		setup         func()
		validate      func(*testing.T, *Config)
		checkFile     func(*testing.T)
		expectedError bool
	}{
		{
			name:  "NewFile_Defaults",
			setup: func() {},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Engine.ChunkSize != 500 {
					t.Errorf("expected default chunk size 500, got %d", cfg.Engine.ChunkSize)
				}
				if cfg.LOS.FresnelPercent != 60 {
					t.Errorf("expected default fresnel percent 60, got %v", cfg.LOS.FresnelPercent)
				}
				if cfg.Tiles.CacheRecency {
					t.Error("expected insertion order eviction by default")
				}
			},
			checkFile: func(t *testing.T) {
				content, err := os.ReadFile(configPath)
				if err != nil {
					t.Fatalf("failed to read config file: %v", err)
				}
				if !strings.Contains(string(content), "chunk_size: 500") {
					t.Error("config file missing default values")
				}
				if !strings.Contains(string(content), "# false: evict in insertion order") {
					t.Error("config file missing cache_recency comment")
				}
			},
		},
		{
			name: "ExistingFile_Override",
			setup: func() {
				err := os.WriteFile(configPath, []byte("engine:\n  chunk_size: 250\nlos:\n  sample_step: 50m\n  fresnel_percent: 80\ntiles:\n  timeout: 2s\n"), 0o644)
				if err != nil {
					t.Fatalf("failed to setup test file: %v", err)
				}
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Engine.ChunkSize != 250 {
					t.Errorf("expected chunk size 250, got %d", cfg.Engine.ChunkSize)
				}
				if cfg.LOS.SampleStep != 50 {
					t.Errorf("expected sample step 50, got %v", cfg.LOS.SampleStep)
				}
				if cfg.LOS.FresnelPercent != 80 {
					t.Errorf("expected fresnel percent 80, got %v", cfg.LOS.FresnelPercent)
				}
				if cfg.Tiles.Timeout.Std() != 2*time.Second {
					t.Errorf("expected timeout 2s, got %v", cfg.Tiles.Timeout.Std())
				}
				// untouched sections keep their defaults
				if cfg.Raster.MaxDimension != 4096 {
					t.Errorf("expected default max dimension, got %d", cfg.Raster.MaxDimension)
				}
			},
		},
		{
			name: "InvalidTemplate",
			setup: func() {
				err := os.WriteFile(configPath, []byte("tiles:\n  source_url: https://example.com/tiles.png\n"), 0o644)
				if err != nil {
					t.Fatalf("failed to setup test file: %v", err)
				}
			},
			expectedError: true,
		},
		{
			name: "InvalidYAML",
			setup: func() {
				err := os.WriteFile(configPath, []byte("engine: [unclosed"), 0o644)
				if err != nil {
					t.Fatalf("failed to setup test file: %v", err)
				}
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Remove(configPath)
			tt.setup()

			cfg, err := Load(configPath)
			if tt.expectedError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if tt.validate != nil {
				tt.validate(t, cfg)
			}
			if tt.checkFile != nil {
				tt.checkFile(t)
			}
		})
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "sightline.yaml")
	t.Setenv("SIGHTLINE_TILE_URL", "http://localhost:9999/{z}/{x}/{y}.png")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tiles.SourceURL != "http://localhost:9999/{z}/{x}/{y}.png" {
		t.Errorf("env override not applied, got %s", cfg.Tiles.SourceURL)
	}

	// Overrides are never written back
	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(content), "localhost:9999") {
		t.Error("env override leaked into saved config")
	}
}

func TestGenerateDefault_KeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sightline.yaml")
	if err := GenerateDefault(path); err != nil {
		t.Fatalf("GenerateDefault() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("custom: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := GenerateDefault(path); err != nil {
		t.Fatalf("GenerateDefault() error = %v", err)
	}
	content, _ := os.ReadFile(path)
	if string(content) != "custom: true\n" {
		t.Error("GenerateDefault overwrote an existing file")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"10s", 10 * time.Second, false},
		{"1.5h", 90 * time.Minute, false},
		{"1d", 24 * time.Hour, false},
		{"1w", 168 * time.Hour, false},
		{"2d2h", 50 * time.Hour, false},
		{"500ms", 500 * time.Millisecond, false},
		{"", 0, false},
		{"invalid", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseDuration(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDuration(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.expected {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestParseDistance(t *testing.T) {
	tests := []struct {
		input   string
		want    float64
		wantErr bool
	}{
		{"30m", 30, false},
		{"10km", 10000, false},
		{"1nm", 1852, false},
		{"100ft", 30.48, false},
		{"250", 250, false},
		{"far", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseDistance(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDistance(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("ParseDistance(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestDistance_YAML(t *testing.T) {
	var out struct {
		A Distance `yaml:"a"`
		B Distance `yaml:"b"`
	}
	if err := yaml.Unmarshal([]byte("a: 2km\nb: 75\n"), &out); err != nil {
		t.Fatal(err)
	}
	if out.A != 2000 || out.B != 75 {
		t.Errorf("got a=%v b=%v, want 2000/75", out.A, out.B)
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "a: 2km") || !strings.Contains(string(data), "b: 75m") {
		t.Errorf("unexpected marshal output: %s", data)
	}
}
