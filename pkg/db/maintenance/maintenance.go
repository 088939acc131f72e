package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sightline/pkg/db"
)

const tileSourceStateKey = "tile_source_url"

// Run executes all maintenance tasks: source change detection and pruning.
// It blocks until completion. Failures are logged, never fatal.
func Run(ctx context.Context, d *db.DB, sourceURL string, ttl time.Duration) error {
	slog.Info("Starting database maintenance...")

	if err := checkSource(ctx, d, sourceURL); err != nil {
		slog.Error("Tile source check failed", "error", err)
	}

	if ttl > 0 {
		n, err := d.PruneCache(ttl)
		if err != nil {
			slog.Error("Cache pruning failed", "error", err)
		} else {
			slog.Info("Cache pruning completed", "removed", n)
		}
	}

	if count, size, err := d.CacheStats(); err == nil {
		slog.Info("Tile cache", "tiles", count, "bytes", size)
	}
	return nil
}

// checkSource drops every cached tile when the configured source differs
// from the one the cache was filled from.
func checkSource(ctx context.Context, d *db.DB, sourceURL string) error {
	stored, found := d.GetState(tileSourceStateKey)
	if found && stored == sourceURL {
		return nil
	}

	if found {
		slog.Info("Tile source changed, clearing disk cache", "old", stored, "new", sourceURL)
		if _, err := d.ExecContext(ctx, "DELETE FROM tile_cache"); err != nil {
			return fmt.Errorf("failed to clear tile cache: %w", err)
		}
	}

	if err := d.SetState(tileSourceStateKey, sourceURL); err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}
	return nil
}
