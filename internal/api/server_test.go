package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sightline/pkg/config"
	"sightline/pkg/engine"
	"sightline/pkg/metrics"
	"sightline/pkg/peaks"
	"sightline/pkg/tile"
	"sightline/pkg/tracker"
)

// flatFetcher serves the same flat tile for every key. A non-nil gate holds
// every fetch until it is closed.
type flatFetcher struct {
	data []byte
	gate chan struct{}
}

func (f *flatFetcher) Get(ctx context.Context, url, cacheKey string) ([]byte, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.data, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.MaxUnits = 2
	cfg.Engine.PointsPerUnit = 100
	cfg.Engine.ChunkSize = 50
	cfg.Engine.PartialEvery = 1
	cfg.Engine.PollInterval = config.Duration(5 * time.Millisecond)
	cfg.Raster.FlushDirty = 50
	cfg.Raster.FlushInterval = config.Duration(10 * time.Millisecond)
	return cfg
}

type fixture struct {
	srv     *httptest.Server
	engine  *engine.Engine
	metrics *metrics.Collector
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	return newGatedFixture(t, cfg, nil)
}

func newGatedFixture(t *testing.T, cfg *config.Config, gate chan struct{}) *fixture {
	t.Helper()
	data, err := tile.Encode(tile.Flat(256, 100))
	require.NoError(t, err)

	tr := tracker.New()
	tr.TrackDiskHit("tiles.example.com")
	tr.TrackDiskMiss("tiles.example.com")
	eng, err := engine.New(cfg, &flatFetcher{data: data, gate: gate})
	require.NoError(t, err)
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	eng.SetObserver(m)

	server := NewServer("",
		NewLOSHandler(eng),
		NewScanHandler(eng, cfg.Raster),
		NewPeaksHandler(eng, peaks.OptionsFromConfig(cfg.Peaks)),
		NewStatsHandler(tr, eng.Loader().Cache()),
		m,
		nil,
	)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)
	return &fixture{srv: ts, engine: eng, metrics: m}
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := f.srv.Client().Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := f.srv.Client().Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t, testConfig())

	resp, body := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, body = f.get(t, "/api/version")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var v map[string]string
	require.NoError(t, json.Unmarshal(body, &v))
	assert.NotEmpty(t, v["version"])
}

func TestHandleLOS(t *testing.T) {
	f := newFixture(t, testConfig())
	req := `{"origin":{"lat":46.0,"lon":8.0,"height":10},"target":{"lat":46.02,"lon":8.0,"height":10}}`

	resp, body := f.post(t, "/api/los", req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res struct {
		Clear         *bool   `json:"clear"`
		TotalDistance float64 `json:"totalDistance"`
		Profile       []any   `json:"profile"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	require.NotNil(t, res.Clear)
	assert.True(t, *res.Clear)
	assert.InDelta(t, 2224, res.TotalDistance, 5)
	assert.NotEmpty(t, res.Profile)

	resp, body = f.post(t, "/api/los?format=geojson", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type string `json:"type"`
			} `json:"geometry"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(body, &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.NotEmpty(t, fc.Features)
	assert.Equal(t, "LineString", fc.Features[0].Geometry.Type)
}

func TestHandleLOS_BadRequests(t *testing.T) {
	f := newFixture(t, testConfig())
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "latitude out of range", body: `{"origin":{"lat":95,"lon":8},"target":{"lat":46,"lon":8}}`},
		{name: "negative height", body: `{"origin":{"lat":46,"lon":8,"height":-1},"target":{"lat":46,"lon":8.1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.post(t, "/api/los", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestHandlePeaks(t *testing.T) {
	f := newFixture(t, testConfig())

	resp, body := f.post(t, "/api/peaks", `{"bounds":{"west":8,"south":46,"east":8.02,"north":46.02},"resolution":200}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res struct {
		Peaks []peaks.Peak `json:"peaks"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Empty(t, res.Peaks, "flat terrain has no summits")

	resp, _ = f.post(t, "/api/peaks", `{"bounds":{"west":9,"south":46,"east":8,"north":47}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, testConfig())
	f.get(t, "/health")
	f.get(t, "/nope")

	resp, body := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text := string(body)
	assert.Contains(t, text, `sightline_http_requests_total{code="200",path="GET /health"} 1`)
	assert.Contains(t, text, `sightline_http_requests_total{code="404",path="unmatched"} 1`)
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t, testConfig())
	f.post(t, "/api/los", `{"origin":{"lat":46.0,"lon":8.0,"height":10},"target":{"lat":46.02,"lon":8.0,"height":10}}`)

	resp, body := f.get(t, "/api/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res StatsResponse
	require.NoError(t, json.Unmarshal(body, &res))
	require.NotNil(t, res.Cache)
	assert.Positive(t, res.Cache.Tiles, "the LOS request loaded tiles")
	assert.Positive(t, res.Runtime.Goroutines)
	assert.GreaterOrEqual(t, res.Runtime.MemoryMaxMB, res.Runtime.MemoryMB)
	assert.Equal(t, int64(50), res.Sources["tiles.example.com"].HitRate)
}

func TestMiddleware_RecordsStatus(t *testing.T) {
	var logged bytes.Buffer
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		logged.WriteString("handled")
	}), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "handled", logged.String())
}
