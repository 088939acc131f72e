package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"sightline/internal/api"
	"sightline/pkg/cache"
	"sightline/pkg/config"
	"sightline/pkg/db"
	"sightline/pkg/db/maintenance"
	"sightline/pkg/engine"
	"sightline/pkg/logging"
	"sightline/pkg/metrics"
	"sightline/pkg/peaks"
	"sightline/pkg/request"
	"sightline/pkg/tracker"
	"sightline/pkg/version"
)

const defaultConfigPath = "configs/sightline.yaml"

var (
	initConfig = flag.Bool("init-config", false, "Generate default config file and exit")
	configPath = flag.String("config", defaultConfigPath, "Path to the config file")
)

func main() {
	flag.Parse()

	if *initConfig {
		if err := config.GenerateDefault(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Config file generated:", *configPath)
		return
	}

	// A missing .env is fine, the environment may already be set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to read .env: %v\n", err)
	}

	if err := run(context.Background(), *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL ERROR: Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanupLogs, err := logging.Init(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanupLogs()

	slog.Info("Sightline Started", "version", version.Version, "tiles", cfg.Tiles.SourceURL)

	tileCache, closeDB, err := initCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	tr := tracker.New()
	if err := metrics.RegisterTracker(prometheus.DefaultRegisterer, tr); err != nil {
		return fmt.Errorf("failed to register tracker metrics: %w", err)
	}

	opts := request.OptionsFromConfig(cfg.Tiles)
	opts.OnBreakerChange = m.BreakerChanged
	client := request.New(tileCache, tr, opts)

	eng, err := engine.New(cfg, client)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	eng.SetObserver(m)
	eng.Loader().SetObserver(m)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)
	shutdownFunc := func() { quit <- syscall.SIGTERM }

	srv := api.NewServer(cfg.Server.Address,
		api.NewLOSHandler(eng),
		api.NewScanHandler(eng, cfg.Raster),
		api.NewPeaksHandler(eng, peaks.OptionsFromConfig(cfg.Peaks)),
		api.NewStatsHandler(tr, eng.Loader().Cache()),
		m,
		shutdownFunc,
	)

	return runServerLifecycle(ctx, srv, quit)
}

// initCache opens the tile database and prunes stale rows. Without a db path
// tiles are only kept in memory.
func initCache(ctx context.Context, cfg *config.Config) (cache.Cacher, func(), error) {
	if cfg.DB.Path == "" {
		slog.Info("Disk tile cache disabled")
		return cache.Nop{}, func() {}, nil
	}

	d, err := db.Init(cfg.DB.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := maintenance.Run(ctx, d, cfg.Tiles.SourceURL, cfg.Tiles.DiskCacheTTL.Std()); err != nil {
		slog.Error("Maintenance tasks failed", "error", err)
	}

	return cache.NewSQLiteCache(d), func() {
		if err := d.Close(); err != nil {
			slog.Warn("Failed to close database", "error", err)
		}
	}, nil
}

func runServerLifecycle(ctx context.Context, srv *http.Server, quit chan os.Signal) error {
	slog.Info("Starting server", "addr", srv.Addr)
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	select {
	case <-quit:
		slog.Info("Shutting down server...")
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down...")
	case err := <-serverErrors:
		return fmt.Errorf("server failed: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
