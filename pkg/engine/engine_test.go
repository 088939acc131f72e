package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sightline/pkg/config"
	"sightline/pkg/geo"
	"sightline/pkg/grid"
	"sightline/pkg/terrain"
	"sightline/pkg/tile"
)

var telAviv = geo.Point{Lat: 32.0853, Lon: 34.7818}

// flatFetcher serves the same flat tile for every key.
type flatFetcher struct {
	data  []byte
	err   error
	calls atomic.Int32
}

func newFlatFetcher(t *testing.T, elev float64) *flatFetcher {
	t.Helper()
	data, err := tile.Encode(tile.Flat(256, elev))
	require.NoError(t, err)
	return &flatFetcher{data: data}
}

func (f *flatFetcher) Get(ctx context.Context, url, cacheKey string) ([]byte, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

type countingObserver struct {
	mu       sync.Mutex
	chunks   int
	failed   int
	outcomes []string
}

func (o *countingObserver) ObserveChunk(points int, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chunks++
	if err != nil {
		o.failed++
	}
}

func (o *countingObserver) ObserveScan(outcome string, points int64, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.MaxUnits = 2
	cfg.Engine.PointsPerUnit = 100
	cfg.Engine.ChunkSize = 50
	cfg.Engine.PartialEvery = 1
	cfg.Engine.PollInterval = config.Duration(5 * time.Millisecond)
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, f tile.Fetcher) *Engine {
	t.Helper()
	e, err := New(cfg, f)
	require.NoError(t, err)
	return e
}

func smallSector() grid.Sector {
	return grid.Sector{Origin: telAviv, MinDistance: 100, MaxDistance: 1000, MinAzimuth: 0, MaxAzimuth: 360, Resolution: 100}
}

func scanTask() TaskConfig {
	return TaskConfig{
		Origin:       geo.Station{Point: telAviv, Height: 2},
		TargetHeight: 2,
		Source:       smallSector(),
	}
}

func TestCalculate_SectorFlat(t *testing.T) {
	e := newTestEngine(t, testConfig(), newFlatFetcher(t, 0))
	obs := &countingObserver{}
	e.SetObserver(obs)

	var (
		phases    []Phase
		last      Progress
		partial   int
		completed []terrain.Cell
	)
	cb := Callbacks{
		OnProgress: func(p Progress) {
			if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
				phases = append(phases, p.Phase)
			}
			assert.GreaterOrEqual(t, p.Percent, last.Percent, "progress must not go backwards")
			last = p
		},
		OnPartial:  func(c []terrain.Cell) { partial += len(c) },
		OnComplete: func(c []terrain.Cell) { completed = c },
	}

	cells, err := e.Calculate(context.Background(), scanTask(), cb, nil)
	require.NoError(t, err)

	est := grid.EstimateCount(smallSector())
	assert.InEpsilon(t, float64(est), float64(len(cells)), 0.05)
	assert.Len(t, completed, len(cells))
	assert.Equal(t, len(cells), partial, "partials cover every cell")

	for _, c := range cells {
		require.NotNil(t, c.Clear)
		assert.True(t, *c.Clear)
		assert.True(t, c.HasData)
		assert.Nil(t, c.FresnelClear)
	}

	assert.Equal(t, []Phase{PhaseGenerating, PhaseLoadingTiles, PhaseCalculating, PhaseFinalizing}, phases)
	assert.Equal(t, 100.0, last.Percent)
	assert.Equal(t, int64(len(cells)), last.PointsProcessed)
	assert.Nil(t, last.ETASeconds)
	assert.False(t, e.Busy())

	assert.Zero(t, obs.failed)
	assert.Equal(t, []string{"completed"}, obs.outcomes)
}

func TestCalculate_Fresnel(t *testing.T) {
	e := newTestEngine(t, testConfig(), newFlatFetcher(t, 0))
	tc := scanTask()
	tc.FrequencyMHz = 2400

	cells, err := e.Calculate(context.Background(), tc, Callbacks{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, cells)

	s := Summarize(cells)
	assert.Equal(t, s.Total, s.Clear)
	assert.Equal(t, s.Total, s.FresnelClear+s.FresnelBlocked)
	// 2 m masts cannot clear 60% of the first zone at the far edge
	assert.Positive(t, s.FresnelBlocked)
}

func TestCalculate_CancelAfterFirstChunk(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxUnits = 1
	e := newTestEngine(t, cfg, newFlatFetcher(t, 0))

	ctl := NewControl()
	completed := false
	cb := Callbacks{
		OnPartial:  func([]terrain.Cell) { ctl.Cancel() },
		OnComplete: func([]terrain.Cell) { completed = true },
	}

	cells, err := e.Calculate(context.Background(), scanTask(), cb, ctl)
	require.NoError(t, err)
	assert.Len(t, cells, cfg.Engine.ChunkSize)
	assert.False(t, completed)

	// Calling the handle after the run is a no-op
	ctl.Cancel()
	ctl.Resume()
	assert.False(t, e.Busy())
}

func TestCalculate_CancelledBeforeStart(t *testing.T) {
	f := newFlatFetcher(t, 0)
	e := newTestEngine(t, testConfig(), f)

	ctl := NewControl()
	ctl.Cancel()
	ctl.Cancel()

	cells, err := e.Calculate(context.Background(), scanTask(), Callbacks{}, ctl)
	require.NoError(t, err)
	assert.Empty(t, cells)
}

func TestCalculate_PauseResume(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxUnits = 1
	e := newTestEngine(t, cfg, newFlatFetcher(t, 0))

	ctl := NewControl()
	ctl.Pause()

	firstChunk := make(chan struct{})
	var once sync.Once
	cb := Callbacks{OnPartial: func([]terrain.Cell) { once.Do(func() { close(firstChunk) }) }}

	type result struct {
		cells []terrain.Cell
		err   error
	}
	done := make(chan result, 1)
	go func() {
		cells, err := e.Calculate(context.Background(), scanTask(), cb, ctl)
		done <- result{cells, err}
	}()

	select {
	case <-firstChunk:
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk never completed")
	}

	select {
	case <-done:
		t.Fatal("paused computation finished")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := e.Calculate(context.Background(), scanTask(), Callbacks{}, nil)
	assert.ErrorIs(t, err, ErrBusy)

	ctl.Resume()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		n, err := grid.Count(smallSector())
		require.NoError(t, err)
		assert.Len(t, r.cells, int(n))
	case <-time.After(5 * time.Second):
		t.Fatal("resumed computation never finished")
	}
}

func TestCalculate_Ceilings(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.HardPointLimit = 100
	cfg.Engine.SoftPointLimit = 50
	f := newFlatFetcher(t, 0)
	e := newTestEngine(t, cfg, f)

	var reported error
	_, err := e.Calculate(context.Background(), scanTask(), Callbacks{OnError: func(err error) { reported = err }}, nil)
	assert.ErrorIs(t, err, ErrTooManyPoints)
	assert.ErrorIs(t, reported, ErrTooManyPoints)
	assert.Zero(t, f.calls.Load(), "nothing is fetched for a rejected scan")

	cfg.Engine.HardPointLimit = 10_000
	e = newTestEngine(t, cfg, f)
	var warnings []string
	cells, err := e.Calculate(context.Background(), scanTask(), Callbacks{OnWarning: func(m string) { warnings = append(warnings, m) }}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, cells)
	assert.Len(t, warnings, 1)
}

func TestCalculate_InvalidSource(t *testing.T) {
	e := newTestEngine(t, testConfig(), newFlatFetcher(t, 0))

	tc := scanTask()
	tc.Source = grid.Polygon{Vertices: []geo.Point{{Lat: 1}, {Lat: 2}}, Resolution: 10}
	_, err := e.Calculate(context.Background(), tc, Callbacks{}, nil)
	assert.ErrorIs(t, err, grid.ErrTooFewVertices)

	tc.Source = nil
	_, err = e.Calculate(context.Background(), tc, Callbacks{}, nil)
	assert.ErrorIs(t, err, grid.ErrNoPointSource)
}

func TestCalculate_TilesUnavailable(t *testing.T) {
	f := newFlatFetcher(t, 0)
	f.err = errors.New("source down")
	e := newTestEngine(t, testConfig(), f)

	var last Progress
	cells, err := e.Calculate(context.Background(), scanTask(), Callbacks{OnProgress: func(p Progress) { last = p }}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, cells)

	s := Summarize(cells)
	assert.Equal(t, s.Total, s.NoData)
	assert.Positive(t, last.TilesFailed)
	assert.Zero(t, last.TilesLoaded)
}

func TestCalculate_ChunkTimeoutSkipsChunks(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.ChunkTimeout = config.Duration(time.Nanosecond)
	e := newTestEngine(t, cfg, newFlatFetcher(t, 0))
	obs := &countingObserver{}
	e.SetObserver(obs)

	cells, err := e.Calculate(context.Background(), scanTask(), Callbacks{}, nil)
	require.NoError(t, err)
	assert.Empty(t, cells)

	n, err := grid.Count(smallSector())
	require.NoError(t, err)
	chunks := int((n + int64(cfg.Engine.ChunkSize) - 1) / int64(cfg.Engine.ChunkSize))
	assert.Equal(t, chunks, obs.chunks)
	assert.Equal(t, chunks, obs.failed)
}

func TestCalculate_ExplicitPointsReuseCache(t *testing.T) {
	f := newFlatFetcher(t, 10)
	e := newTestEngine(t, testConfig(), f)

	tc := TaskConfig{
		Origin: geo.Station{Point: telAviv, Height: 5},
		Source: grid.ExplicitPoints{Points: []geo.Point{
			geo.DestinationPoint(telAviv, 2000, 90),
			geo.DestinationPoint(telAviv, 3000, 180),
			telAviv,
		}},
		TargetHeight: 1,
	}
	cells, err := e.Calculate(context.Background(), tc, Callbacks{}, nil)
	require.NoError(t, err)
	require.Len(t, cells, 3)
	calls := f.calls.Load()
	assert.Positive(t, calls)

	_, err = e.Calculate(context.Background(), tc, Callbacks{}, nil)
	require.NoError(t, err)
	assert.Equal(t, calls, f.calls.Load(), "second run is served from the tile cache")
}

func TestPoolSize(t *testing.T) {
	e := &Engine{cfg: config.EngineConfig{MaxUnits: 4, PointsPerUnit: 1000}}
	tests := []struct {
		points int64
		want   int
	}{
		{0, 1},
		{1, 1},
		{1000, 1},
		{1001, 2},
		{3500, 4},
		{1_000_000, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.poolSize(tt.points), "points=%d", tt.points)
	}
}

func TestNormalizedTask(t *testing.T) {
	s := smallSector()
	s.Origin = geo.Point{}
	tc := normalizedTask(TaskConfig{Origin: geo.Station{Point: telAviv}, Source: s})
	assert.Equal(t, telAviv, tc.Source.(grid.Sector).Origin)

	tc = normalizedTask(TaskConfig{Source: smallSector()})
	assert.Equal(t, telAviv, tc.Origin.Point)
}
