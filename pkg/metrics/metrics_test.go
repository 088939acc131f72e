package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sightline/pkg/tracker"
)

func TestCollector_Observers(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.ObserveTile("cached", 0)
	c.ObserveTile("fetched", 20*time.Millisecond)
	c.ObserveTile("fetched", 30*time.Millisecond)
	c.ObserveTile("failed", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Tiles.WithLabelValues("cached")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Tiles.WithLabelValues("fetched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Tiles.WithLabelValues("failed")))

	c.ObserveChunk(500, time.Millisecond, nil)
	c.ObserveChunk(200, time.Millisecond, errors.New("timeout"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Chunks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Chunks.WithLabelValues("failed")))
	assert.Equal(t, 700.0, testutil.ToFloat64(c.ChunkPoints))

	c.ObserveScan("completed", 700, time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Scans.WithLabelValues("completed")))

	c.BreakerChanged("tiles.example.com", gobreaker.StateClosed, gobreaker.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.BreakerState.WithLabelValues("tiles.example.com")))

	c.ObserveHTTP("/api/los", 200)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.HTTPRequests.WithLabelValues("/api/los", "200")))
}

func TestCollector_ReRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(reg)
	require.NoError(t, err)
	b, err := New(reg)
	require.NoError(t, err)

	a.ObserveScan("cancelled", 0, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Scans.WithLabelValues("cancelled")), "second collector reuses the registered metrics")
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.ObserveTile("cached", 0)
	c.ObserveChunk(1, 0, nil)
	c.ObserveScan("completed", 1, 0)
	c.ObserveHTTP("/", 200)
}

func TestRegisterTracker(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	tr := tracker.New()
	tr.TrackSuccess("tiles.example.com", 1024)
	tr.TrackDiskHit("tiles.example.com")
	require.NoError(t, RegisterTracker(reg, tr))
	require.NoError(t, RegisterTracker(reg, tr), "registering twice is harmless")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `sightline_source_bytes_total{source="tiles.example.com"} 1024`), text)
	assert.True(t, strings.Contains(text, `sightline_source_disk_hits_total{source="tiles.example.com"} 1`), text)
}
