package tile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"sightline/pkg/request"
)

// Fetcher retrieves the encoded bytes of a tile. request.Client satisfies it.
type Fetcher interface {
	Get(ctx context.Context, url, cacheKey string) ([]byte, error)
}

// Progress is called after every tile resolves.
type Progress func(loaded, failed, total int)

// Observer receives per-tile outcomes: "cached", "fetched", "failed", "skipped"
// or "unavailable".
type Observer interface {
	ObserveTile(outcome string, d time.Duration)
}

// Loader fills a Cache from a tile source.
type Loader struct {
	cache       *Cache
	fetch       Fetcher
	concurrency int
	observer    Observer
	group       singleflight.Group
}

// NewLoader creates a loader fetching at most concurrency tiles at once.
func NewLoader(c *Cache, f Fetcher, concurrency int) *Loader {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Loader{cache: c, fetch: f, concurrency: concurrency}
}

// SetObserver installs an outcome observer. Must be called before loading.
func (l *Loader) SetObserver(o Observer) {
	l.observer = o
}

// Cache returns the cache the loader fills.
func (l *Loader) Cache() *Cache {
	return l.cache
}

func (l *Loader) observe(outcome string, d time.Duration) {
	if l.observer != nil {
		l.observer.ObserveTile(outcome, d)
	}
}

// LoadMany makes sure every key is cached, fetching the missing ones through template.
// Tiles that failed earlier in the session are not fetched again. Individual failures
// are not errors: the returned map simply lacks those keys. An error is only returned
// when ctx is done.
func (l *Loader) LoadMany(ctx context.Context, keys []Key, template string, onProgress Progress) (map[Key]*Raster, error) {
	unique := make([]Key, 0, len(keys))
	seen := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, k)
	}

	var (
		mu      sync.Mutex
		result  = make(map[Key]*Raster, len(unique))
		loaded  int
		failed  int
		total   = len(unique)
		pending []Key
	)

	report := func(r *Raster, k Key) {
		// Called with mu held
		if r != nil {
			result[k] = r
			loaded++
		} else {
			failed++
		}
		if onProgress != nil {
			onProgress(loaded, failed, total)
		}
	}

	mu.Lock()
	for _, k := range unique {
		if r, ok := l.cache.Get(k); ok {
			l.observe("cached", 0)
			report(r, k)
			continue
		}
		if l.cache.Failure(k) != nil {
			l.observe("skipped", 0)
			report(nil, k)
			continue
		}
		pending = append(pending, k)
	}
	mu.Unlock()

	if len(pending) == 0 {
		return result, nil
	}

	slog.Debug("Loading tiles", "requested", total, "missing", len(pending), "template", template)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for _, k := range pending {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := l.load(gctx, k, template)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				report(nil, k)
				return nil
			}
			report(r, k)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

// load fetches and decodes one tile. Concurrent loads of the same key share one fetch.
func (l *Loader) load(ctx context.Context, k Key, template string) (*Raster, error) {
	v, err, _ := l.group.Do(k.String(), func() (interface{}, error) {
		if r, ok := l.cache.Get(k); ok {
			return r, nil
		}

		start := time.Now()
		data, err := l.fetch.Get(ctx, k.URL(template), k.String())
		if err == nil {
			var r *Raster
			r, err = Decode(data)
			if err == nil {
				l.cache.Put(k, r)
				l.observe("fetched", time.Since(start))
				return r, nil
			}
		}

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			// Cancellation says nothing about the tile
			return nil, err
		}
		if errors.Is(err, request.ErrSourceUnavailable) {
			// Refused before sending; the next load may try again
			l.observe("unavailable", time.Since(start))
			slog.Debug("Tile source unavailable", "tile", k.String(), "error", err)
			return nil, err
		}
		l.cache.MarkFailed(k, fmt.Errorf("%w: %v", ErrPermanentFailure, err))
		l.observe("failed", time.Since(start))
		slog.Warn("Tile failed for this session", "tile", k.String(), "error", err)
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Raster), nil
}
