// Command losscan runs one visibility scan from the command line and writes
// the result as a PNG overlay with a JSON sidecar holding its corners and stats.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"sightline/pkg/cache"
	"sightline/pkg/config"
	"sightline/pkg/db"
	"sightline/pkg/engine"
	"sightline/pkg/geo"
	"sightline/pkg/grid"
	"sightline/pkg/logging"
	"sightline/pkg/raster"
	"sightline/pkg/region"
	"sightline/pkg/request"
	"sightline/pkg/terrain"
	"sightline/pkg/tile"
	"sightline/pkg/tracker"
)

type options struct {
	configPath   string
	origin       geo.Station
	targetHeight float64
	freqMHz      float64
	minDist      float64
	maxDist      float64
	minAz        float64
	maxAz        float64
	resolution   float64
	regionPath   string
	zoom         int
	out          string
	noCache      bool
}

// summary is written next to the image.
type summary struct {
	Stats     engine.Stats   `json:"stats"`
	Cancelled bool           `json:"cancelled"`
	Warnings  []string       `json:"warnings,omitempty"`
	Elapsed   string         `json:"elapsed"`
	Image     string         `json:"image,omitempty"`
	Width     int            `json:"width,omitempty"`
	Height    int            `json:"height,omitempty"`
	Bounds    *geo.Bounds    `json:"bounds,omitempty"`
	Corners   *[4][2]float64 `json:"corners,omitempty"`
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("losscan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "Path to a sightline config file (defaults apply when empty)")
	fs.Float64Var(&o.origin.Lat, "lat", 0, "Observer latitude")
	fs.Float64Var(&o.origin.Lon, "lon", 0, "Observer longitude")
	fs.Float64Var(&o.origin.Height, "height", 2, "Observer height above ground in meters")
	fs.Float64Var(&o.targetHeight, "target-height", 2, "Target height above ground in meters")
	fs.Float64Var(&o.freqMHz, "freq", 0, "Radio frequency in MHz, 0 for an optical check only")
	fs.Float64Var(&o.minDist, "min-dist", 0, "Inner sector radius in meters")
	fs.Float64Var(&o.maxDist, "max-dist", 10000, "Outer sector radius in meters")
	fs.Float64Var(&o.minAz, "min-az", 0, "Sector start azimuth in degrees")
	fs.Float64Var(&o.maxAz, "max-az", 360, "Sector end azimuth in degrees")
	fs.Float64Var(&o.resolution, "res", 100, "Grid spacing in meters")
	fs.StringVar(&o.regionPath, "region", "", "Scan the polygon in a .geojson or .shp file instead of a sector")
	fs.IntVar(&o.zoom, "zoom", 0, "Tile zoom, 0 derives it from the scan span")
	fs.StringVar(&o.out, "out", "scan.png", "Output PNG path")
	fs.BoolVar(&o.noCache, "no-cache", false, "Skip the disk tile cache")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	if o.origin.Lat < -90 || o.origin.Lat > 90 || o.origin.Lon < -180 || o.origin.Lon > 180 {
		return o, fmt.Errorf("observer position out of range: %v, %v", o.origin.Lat, o.origin.Lon)
	}
	if o.out == "" {
		return o, errors.New("-out is required")
	}
	return o, nil
}

func (o options) source() (grid.Source, error) {
	if o.regionPath != "" {
		vertices, err := region.LoadVertices(o.regionPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load region: %w", err)
		}
		return grid.Polygon{Vertices: vertices, Resolution: o.resolution}, nil
	}
	return grid.Sector{
		Origin:      o.origin.Point,
		MinDistance: o.minDist,
		MaxDistance: o.maxDist,
		MinAzimuth:  o.minAz,
		MaxAzimuth:  o.maxAz,
		Resolution:  o.resolution,
	}, nil
}

// sidecarPath swaps the image extension for .json.
func sidecarPath(out string) string {
	return strings.TrimSuffix(out, filepath.Ext(out)) + ".json"
}

func main() {
	o, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := config.DefaultConfig()
	if o.configPath != "" {
		if cfg, err = config.Load(o.configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.Log.Path = ""
	cleanup, err := logging.Init(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var c cache.Cacher = cache.Nop{}
	if !o.noCache && cfg.DB.Path != "" {
		d, err := db.Init(cfg.DB.Path)
		if err != nil {
			slog.Warn("Disk tile cache unavailable", "error", err)
		} else {
			defer d.Close()
			c = cache.NewSQLiteCache(d)
		}
	}
	client := request.New(c, tracker.New(), request.OptionsFromConfig(cfg.Tiles))

	s, err := run(ctx, cfg, client, o)
	if err != nil {
		slog.Error("Scan failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Scan written", "image", o.out, "total", s.Stats.Total, "clear_percent", fmt.Sprintf("%.1f", s.Stats.ClearPercent), "cancelled", s.Cancelled)
}

func run(ctx context.Context, cfg *config.Config, f tile.Fetcher, o options) (*summary, error) {
	src, err := o.source()
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(cfg, f)
	if err != nil {
		return nil, err
	}

	var (
		s         summary
		completed bool
		lastPhase engine.Phase
	)
	cb := engine.Callbacks{
		OnProgress: func(p engine.Progress) {
			if p.Phase != lastPhase {
				lastPhase = p.Phase
				slog.Info("Scan phase", "phase", p.Phase, "points", p.PointsTotal, "tiles", p.TilesTotal)
			}
		},
		OnWarning:  func(msg string) { s.Warnings = append(s.Warnings, msg) },
		OnComplete: func([]terrain.Cell) { completed = true },
	}

	start := time.Now()
	cells, err := eng.Calculate(ctx, engine.TaskConfig{
		Origin:       o.origin,
		TargetHeight: o.targetHeight,
		Source:       src,
		FrequencyMHz: o.freqMHz,
		Zoom:         o.zoom,
	}, cb, nil)
	if err != nil {
		return nil, err
	}
	s.Stats = engine.Summarize(cells)
	s.Cancelled = !completed
	s.Elapsed = time.Since(start).Round(time.Millisecond).String()

	latStep, lonStep := grid.Steps(src)
	res, err := raster.Render(cells, latStep, lonStep, cfg.Raster.MaxDimension)
	switch {
	case errors.Is(err, raster.ErrNoCells):
		slog.Warn("No cells with data, skipping image")
	case err != nil:
		return nil, fmt.Errorf("failed to render: %w", err)
	default:
		if err := os.WriteFile(o.out, res.PNG, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write image: %w", err)
		}
		s.Image = filepath.Base(o.out)
		s.Width, s.Height = res.Width, res.Height
		s.Bounds = &res.Bounds
		s.Corners = &res.Corners
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(sidecarPath(o.out), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write summary: %w", err)
	}
	return &s, nil
}
