// Package metrics exposes tile, scan and source measurements to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"

	"sightline/pkg/tracker"
)

// Collector bundles the service's metrics. It satisfies tile.Observer and
// engine.Observer.
type Collector struct {
	gatherer prometheus.Gatherer

	Tiles         *prometheus.CounterVec
	TileDurations prometheus.Histogram
	Chunks        *prometheus.CounterVec
	ChunkPoints   prometheus.Counter
	ChunkDuration prometheus.Histogram
	Scans         *prometheus.CounterVec
	ScanDuration  prometheus.Histogram
	BreakerState  *prometheus.GaugeVec
	HTTPRequests  *prometheus.CounterVec
}

// New registers the metrics against reg, defaulting to the global registry when nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{gatherer: gatherer}

	var err error
	if c.Tiles, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sightline_tiles_total",
		Help: "Tile lookups by outcome (cached, fetched, failed, skipped, unavailable).",
	}, []string{"outcome"}), "sightline_tiles_total"); err != nil {
		return nil, err
	}
	if c.TileDurations, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sightline_tile_fetch_seconds",
		Help:    "Time to fetch and decode one tile.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}), "sightline_tile_fetch_seconds"); err != nil {
		return nil, err
	}
	if c.Chunks, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sightline_chunks_total",
		Help: "Evaluated chunks by result.",
	}, []string{"result"}), "sightline_chunks_total"); err != nil {
		return nil, err
	}
	if c.ChunkPoints, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sightline_points_total",
		Help: "Points dispatched to execution units.",
	}), "sightline_points_total"); err != nil {
		return nil, err
	}
	if c.ChunkDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sightline_chunk_seconds",
		Help:    "Round trip time of one chunk.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}), "sightline_chunk_seconds"); err != nil {
		return nil, err
	}
	if c.Scans, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sightline_scans_total",
		Help: "Area scans by outcome.",
	}, []string{"outcome"}), "sightline_scans_total"); err != nil {
		return nil, err
	}
	if c.ScanDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sightline_scan_seconds",
		Help:    "Wall time of area scans.",
		Buckets: prometheus.ExponentialBuckets(0.1, 3, 9),
	}), "sightline_scan_seconds"); err != nil {
		return nil, err
	}
	if c.BreakerState, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sightline_source_breaker_state",
		Help: "Circuit breaker state per tile source (0 closed, 1 half-open, 2 open).",
	}, []string{"source"}), "sightline_source_breaker_state"); err != nil {
		return nil, err
	}
	if c.HTTPRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sightline_http_requests_total",
		Help: "API requests by path and status code.",
	}, []string{"path", "code"}), "sightline_http_requests_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// ObserveTile records one tile outcome.
func (c *Collector) ObserveTile(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.Tiles.WithLabelValues(outcome).Inc()
	if outcome == "fetched" || outcome == "failed" {
		c.TileDurations.Observe(d.Seconds())
	}
}

// ObserveChunk records one chunk round trip.
func (c *Collector) ObserveChunk(points int, d time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	c.Chunks.WithLabelValues(result).Inc()
	c.ChunkPoints.Add(float64(points))
	c.ChunkDuration.Observe(d.Seconds())
}

// ObserveScan records a finished scan.
func (c *Collector) ObserveScan(outcome string, points int64, d time.Duration) {
	if c == nil {
		return
	}
	c.Scans.WithLabelValues(outcome).Inc()
	c.ScanDuration.Observe(d.Seconds())
}

// BreakerChanged tracks circuit breaker transitions. Its signature matches
// request.Options.OnBreakerChange.
func (c *Collector) BreakerChanged(source string, _, to gobreaker.State) {
	if c == nil {
		return
	}
	c.BreakerState.WithLabelValues(source).Set(float64(to))
}

// ObserveHTTP counts one API response.
func (c *Collector) ObserveHTTP(path string, code int) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(path, strconv.Itoa(code)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

// sourceCollector reads a tracker on every scrape.
type sourceCollector struct {
	t    *tracker.Tracker
	desc map[string]*prometheus.Desc
}

var sourceFields = []string{"disk_hits", "disk_misses", "fetch_success", "fetch_failures", "retries", "rejected", "bytes"}

// RegisterTracker exposes the tracker's per-source counters.
func RegisterTracker(reg prometheus.Registerer, t *tracker.Tracker) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	sc := &sourceCollector{t: t, desc: make(map[string]*prometheus.Desc, len(sourceFields))}
	for _, f := range sourceFields {
		sc.desc[f] = prometheus.NewDesc("sightline_source_"+f+"_total", "Tile source counter: "+f+".", []string{"source"}, nil)
	}
	if err := reg.Register(sc); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}

func (sc *sourceCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range sc.desc {
		ch <- d
	}
}

func (sc *sourceCollector) Collect(ch chan<- prometheus.Metric) {
	for source, s := range sc.t.Snapshot() {
		values := map[string]int64{
			"disk_hits":      s.DiskHits,
			"disk_misses":    s.DiskMisses,
			"fetch_success":  s.FetchSuccess,
			"fetch_failures": s.FetchFailures,
			"retries":        s.Retries,
			"rejected":       s.Rejected,
			"bytes":          s.Bytes,
		}
		for f, v := range values {
			ch <- prometheus.MustNewConstMetric(sc.desc[f], prometheus.CounterValue, float64(v), source)
		}
	}
}
