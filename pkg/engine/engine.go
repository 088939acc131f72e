// Package engine scales line-of-sight evaluation across large scans using a
// bounded pool of isolated execution units.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sightline/pkg/config"
	"sightline/pkg/geo"
	"sightline/pkg/grid"
	"sightline/pkg/logging"
	"sightline/pkg/terrain"
	"sightline/pkg/tile"
)

var (
	// ErrTooManyPoints is returned when a scan exceeds the hard point ceiling.
	ErrTooManyPoints = errors.New("too many points")
	// ErrBusy is returned when Calculate is called while another computation runs.
	ErrBusy = errors.New("a computation is already running")
	// ErrRegionTooLarge is returned when a region needs more tiles than one load may fetch.
	ErrRegionTooLarge = errors.New("region needs too many tiles")
)

const (
	// maxRegionTiles caps LoadBounds.
	maxRegionTiles = 1024
	// readyTimeout bounds the wait for units to acknowledge their tiles.
	readyTimeout = 30 * time.Second
)

// Phase names the stage a computation is in.
type Phase string

const (
	PhaseGenerating   Phase = "generating"
	PhaseLoadingTiles Phase = "loading-tiles"
	PhaseCalculating  Phase = "calculating"
	PhaseFinalizing   Phase = "finalizing"
)

// Progress is recomputed on every report.
type Progress struct {
	Phase           Phase    `json:"phase"`
	TilesLoaded     int      `json:"tilesLoaded"`
	TilesTotal      int      `json:"tilesTotal"`
	TilesFailed     int      `json:"tilesFailed"`
	PointsProcessed int64    `json:"pointsProcessed"`
	PointsTotal     int64    `json:"pointsTotal"`
	Percent         float64  `json:"percent"`
	ETASeconds      *float64 `json:"estimatedSecondsRemaining"`
}

// TaskConfig describes one area computation.
type TaskConfig struct {
	Origin       geo.Station
	TargetHeight float64
	Source       grid.Source
	FrequencyMHz float64 // <= 0 runs an optical check only
	ChunkSize    int     // 0 uses the engine default
	Zoom         int     // 0 derives the zoom from the scan span
}

// Callbacks receive progress and results. Any of them may be nil.
// OnPartial gets the cells completed since its previous call.
type Callbacks struct {
	OnProgress func(Progress)
	OnPartial  func([]terrain.Cell)
	OnWarning  func(msg string)
	OnComplete func([]terrain.Cell)
	OnError    func(error)
}

// Observer receives engine level measurements.
type Observer interface {
	ObserveChunk(points int, d time.Duration, err error)
	ObserveScan(outcome string, points int64, d time.Duration)
}

// Engine owns a tile cache and runs one computation at a time.
type Engine struct {
	running  int32
	cfg      config.EngineConfig
	template string
	tileSize int
	loader   *tile.Loader
	eval     *terrain.Evaluator
	observer Observer
}

// New builds an engine with its own tile cache, fetching tiles through f.
func New(cfg *config.Config, f tile.Fetcher) (*Engine, error) {
	c, err := tile.NewCache(cfg.Tiles.CacheSize, cfg.Tiles.CacheRecency)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}
	size := cfg.Tiles.Size
	if size <= 0 {
		size = 256
	}
	return &Engine{
		cfg:      cfg.Engine,
		template: cfg.Tiles.SourceURL,
		tileSize: size,
		loader:   tile.NewLoader(c, f, cfg.Tiles.Concurrency),
		eval:     terrain.NewEvaluator(terrain.OptionsFromConfig(cfg.LOS)),
	}, nil
}

// SetObserver installs a measurement observer. Must be called before use.
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

// Loader returns the engine's tile loader.
func (e *Engine) Loader() *tile.Loader {
	return e.loader
}

// Evaluator returns the engine's LOS evaluator.
func (e *Engine) Evaluator() *terrain.Evaluator {
	return e.eval
}

// TileSize returns the edge length of source tiles in pixels.
func (e *Engine) TileSize() int {
	return e.tileSize
}

// Busy reports whether a computation is running.
func (e *Engine) Busy() bool {
	return atomic.LoadInt32(&e.running) == 1
}

func (e *Engine) maxUnits() int {
	if e.cfg.MaxUnits > 0 {
		return e.cfg.MaxUnits
	}
	return runtime.NumCPU()
}

// poolSize returns min(maxUnits, ceil(points/pointsPerUnit)), at least 1.
func (e *Engine) poolSize(points int64) int {
	per := int64(e.cfg.PointsPerUnit)
	if per <= 0 {
		per = 1000
	}
	n := int((points + per - 1) / per)
	n = min(n, e.maxUnits())
	return max(n, 1)
}

func (e *Engine) chunkTimeout() time.Duration {
	if d := e.cfg.ChunkTimeout.Std(); d > 0 {
		return d
	}
	return time.Minute
}

func (e *Engine) pollInterval() time.Duration {
	if d := e.cfg.PollInterval.Std(); d > 0 {
		return d
	}
	return 100 * time.Millisecond
}

func (e *Engine) tileShare() float64 {
	s := e.cfg.TileLoadShare
	if s <= 0 || s >= 1 {
		return 0.15
	}
	return s
}

// Calculate runs an area scan and returns every completed cell. Configuration
// errors are returned before any work starts. A cancelled computation returns
// the cells completed so far and a nil error. ctl may be nil.
func (e *Engine) Calculate(ctx context.Context, tc TaskConfig, cb Callbacks, ctl *Control) ([]terrain.Cell, error) {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return nil, ErrBusy
	}
	defer atomic.StoreInt32(&e.running, 0)

	if ctl == nil {
		ctl = NewControl()
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	ctl.attach(stop)
	defer ctl.detach()

	r := &run{e: e, tc: tc, cb: cb, ctl: ctl, started: time.Now(), cells: make([]terrain.Cell, 0)}
	cells, outcome, err := r.execute(ctx)

	if e.observer != nil {
		e.observer.ObserveScan(outcome, r.progress.PointsProcessed, time.Since(r.started))
	}
	if err != nil {
		slog.Warn("Scan rejected", "error", err)
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return nil, err
	}
	return cells, nil
}

// run holds the state of one Calculate call. Only the orchestrating goroutine touches it.
type run struct {
	e        *Engine
	tc       TaskConfig
	cb       Callbacks
	ctl      *Control
	started  time.Time
	calcFrom time.Time

	progress Progress
	cells    []terrain.Cell
	pending  int // cells not yet sent through OnPartial
}

// normalizedTask fills a sector's origin from the observer and vice versa.
func normalizedTask(tc TaskConfig) TaskConfig {
	s, ok := tc.Source.(grid.Sector)
	if !ok {
		return tc
	}
	zero := geo.Point{}
	switch {
	case s.Origin == zero:
		s.Origin = tc.Origin.Point
		tc.Source = s
	case tc.Origin.Point == zero:
		tc.Origin.Point = s.Origin
	}
	return tc
}

func (r *run) execute(ctx context.Context) ([]terrain.Cell, string, error) {
	e := r.e
	r.tc = normalizedTask(r.tc)
	if err := grid.Validate(r.tc.Source); err != nil {
		return nil, "invalid", err
	}

	hard := e.cfg.HardPointLimit
	if est := grid.EstimateCount(r.tc.Source); hard > 0 && est > hard {
		return nil, "rejected", fmt.Errorf("%w: about %d points, limit %d", ErrTooManyPoints, est, hard)
	}

	r.report(PhaseGenerating)
	p, err := e.plan(ctx, r.tc)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelled("generating")
		}
		return nil, "rejected", err
	}
	r.progress.PointsTotal = p.count
	if soft := e.cfg.SoftPointLimit; soft > 0 && p.count > soft {
		msg := fmt.Sprintf("scan has %d points, above the soft limit of %d", p.count, soft)
		slog.Warn("Large scan", "points", p.count, "soft_limit", soft)
		if r.cb.OnWarning != nil {
			r.cb.OnWarning(msg)
		}
	}
	if p.count == 0 {
		return r.complete()
	}

	r.progress.TilesTotal = len(p.keys)
	r.report(PhaseLoadingTiles)
	loaded, err := e.loader.LoadMany(ctx, p.keys, e.template, func(ok, failed, total int) {
		r.progress.TilesLoaded = ok
		r.progress.TilesFailed = failed
		r.report(PhaseLoadingTiles)
	})
	if err != nil {
		return r.cancelled("loading tiles")
	}
	set := tile.NewSet(p.zoom)
	for k, rs := range loaded {
		set.Add(k, rs)
	}
	slog.Info("Scan tiles ready", "zoom", p.zoom, "tiles", set.Len(), "failed", r.progress.TilesFailed, "points", p.count)

	return r.dispatch(ctx, set, p.count)
}

func (r *run) cancelled(stage string) ([]terrain.Cell, string, error) {
	slog.Info("Scan cancelled", "stage", stage, "completed", len(r.cells))
	return r.cells, "cancelled", nil
}

func (r *run) complete() ([]terrain.Cell, string, error) {
	r.flushPartial()
	r.report(PhaseFinalizing)
	if r.cb.OnComplete != nil {
		r.cb.OnComplete(r.cells)
	}
	slog.Info("Scan complete", "cells", len(r.cells), "elapsed", time.Since(r.started).Round(time.Millisecond))
	return r.cells, "completed", nil
}

// flight tracks a dispatched chunk.
type flight struct {
	unit     int
	points   int
	sent     time.Time
	deadline time.Time
}

func (r *run) dispatch(ctx context.Context, set *tile.Set, total int64) ([]terrain.Cell, string, error) {
	e := r.e
	j := job{eval: e.eval, origin: r.tc.Origin, targetHeight: r.tc.TargetHeight, freqMHz: r.tc.FrequencyMHz}
	n := e.poolSize(total)
	outbox := make(chan response, n)
	timeout := e.chunkTimeout()

	poolCtx, discard := context.WithCancel(ctx)
	defer discard()

	units := make([]*unit, n)
	readiness := make(map[uuid.UUID]int, n)
	for i := range units {
		units[i] = newUnit(i, j, outbox)
		units[i].start(poolCtx)
		t := initTask{ID: uuid.New(), Tiles: set.Clone()}
		readiness[t.ID] = i
		units[i].inbox <- t
	}

	// Wait for every unit to hold its tiles
	wait := time.NewTimer(readyTimeout)
	for len(readiness) > 0 {
		select {
		case <-ctx.Done():
			wait.Stop()
			return r.cancelled("broadcasting tiles")
		case <-wait.C:
			return nil, "failed", fmt.Errorf("execution units not ready after %v", readyTimeout)
		case resp := <-outbox:
			delete(readiness, resp.ID)
		}
	}
	wait.Stop()

	chunkSize := r.tc.ChunkSize
	if chunkSize <= 0 {
		chunkSize = e.cfg.ChunkSize
	}
	it, err := grid.Generate(r.tc.Source, chunkSize)
	if err != nil {
		return nil, "invalid", err
	}
	defer it.Close()

	inflight := make(map[uuid.UUID]flight, n)
	send := func(u *unit) bool {
		pts, ok := it.Next()
		if !ok {
			return false
		}
		now := time.Now()
		t := chunkTask{ID: uuid.New(), Points: pts, Deadline: now.Add(timeout)}
		inflight[t.ID] = flight{unit: u.id, points: len(pts), sent: now, deadline: t.Deadline}
		u.inbox <- t
		return true
	}

	r.calcFrom = time.Now()
	r.report(PhaseCalculating)
	for _, u := range units {
		send(u)
	}

	poll := time.NewTicker(e.pollInterval())
	defer poll.Stop()
	replies, rounds := 0, 0

	for len(inflight) > 0 {
		var freed []*unit
		select {
		case <-ctx.Done():
			return r.cancelled("calculating")

		case resp := <-outbox:
			f, ok := inflight[resp.ID]
			if !ok {
				// Late reply from a retired unit
				continue
			}
			delete(inflight, resp.ID)
			r.finishChunk(f, resp.Cells, resp.Err)
			freed = append(freed, units[f.unit])

		case now := <-poll.C:
			for id, f := range inflight {
				if now.Before(f.deadline) {
					continue
				}
				delete(inflight, id)
				r.finishChunk(f, nil, fmt.Errorf("chunk timed out after %v", timeout))
				units[f.unit].stop()
				fresh := newUnit(f.unit, j, outbox)
				fresh.tiles = set.Clone()
				fresh.start(poolCtx)
				units[f.unit] = fresh
				freed = append(freed, fresh)
			}
		}

		for range freed {
			replies++
			if replies%len(units) != 0 {
				continue
			}
			rounds++
			r.report(PhaseCalculating)
			if every := e.cfg.PartialEvery; every <= 1 || rounds%every == 0 {
				r.flushPartial()
			}
		}

		if r.ctl.Cancelled() || !r.ctl.waitWhilePaused(ctx, e.pollInterval()) {
			return r.cancelled("calculating")
		}
		for _, u := range freed {
			send(u)
		}
	}

	return r.complete()
}

// finishChunk records a chunk's outcome. Failed chunks contribute no cells.
func (r *run) finishChunk(f flight, cells []terrain.Cell, err error) {
	d := time.Since(f.sent)
	r.progress.PointsProcessed += int64(f.points)
	if r.e.observer != nil {
		r.e.observer.ObserveChunk(f.points, d, err)
	}
	if err != nil {
		slog.Warn("Chunk failed, skipping its points", "unit", f.unit, "points", f.points, "error", err)
		return
	}
	r.cells = append(r.cells, cells...)
	r.pending += len(cells)
	logging.TraceDefault("Chunk done", "unit", f.unit, "points", f.points, "elapsed", d)
}

func (r *run) flushPartial() {
	if r.pending == 0 || r.cb.OnPartial == nil {
		r.pending = 0
		return
	}
	batch := r.cells[len(r.cells)-r.pending:]
	r.pending = 0
	r.cb.OnPartial(batch)
}

// report refreshes the percent and ETA for phase and emits progress.
func (r *run) report(phase Phase) {
	p := &r.progress
	p.Phase = phase
	share := r.e.tileShare() * 100
	p.ETASeconds = nil

	switch phase {
	case PhaseGenerating:
		p.Percent = 0
	case PhaseLoadingTiles:
		if p.TilesTotal > 0 {
			p.Percent = share * float64(p.TilesLoaded+p.TilesFailed) / float64(p.TilesTotal)
		}
	case PhaseCalculating:
		if p.PointsTotal > 0 {
			done := float64(p.PointsProcessed) / float64(p.PointsTotal)
			p.Percent = share + (100-share)*math.Min(1, done)
		}
		if p.PointsProcessed > 0 && !r.calcFrom.IsZero() {
			elapsed := time.Since(r.calcFrom).Seconds()
			remaining := float64(p.PointsTotal - p.PointsProcessed)
			eta := math.Max(0, elapsed/float64(p.PointsProcessed)*remaining)
			p.ETASeconds = &eta
		}
	case PhaseFinalizing:
		p.Percent = 100
	}

	if r.cb.OnProgress != nil {
		r.cb.OnProgress(*p)
	}
}
