package api

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"sightline/pkg/tile"
	"sightline/pkg/tracker"
)

// StatsHandler reports tile source counters, the memory tile cache and the
// process footprint.
type StatsHandler struct {
	tracker *tracker.Tracker
	cache   *tile.Cache
	started time.Time

	mu     sync.Mutex
	maxMem uint64
}

// NewStatsHandler creates a new StatsHandler. Either source may be nil.
func NewStatsHandler(t *tracker.Tracker, c *tile.Cache) *StatsHandler {
	return &StatsHandler{tracker: t, cache: c, started: time.Now()}
}

type SourceStatsDTO struct {
	DiskHits      int64 `json:"disk_hits"`
	DiskMisses    int64 `json:"disk_misses"`
	FetchSuccess  int64 `json:"fetch_success"`
	FetchFailures int64 `json:"fetch_errors"`
	Retries       int64 `json:"retries"`
	Rejected      int64 `json:"rejected"`
	Bytes         int64 `json:"bytes"`
	HitRate       int64 `json:"hit_rate"`
}

type CacheStats struct {
	Tiles     int   `json:"tiles"`
	Failed    int   `json:"failed"`
	Evictions int64 `json:"evictions"`
}

type RuntimeStats struct {
	MemoryMB    uint64 `json:"memory_mb"`
	MemoryMaxMB uint64 `json:"memory_max_mb"`
	Goroutines  int    `json:"goroutines"`
	UptimeSec   int64  `json:"uptime_sec"`
}

type StatsResponse struct {
	Runtime RuntimeStats              `json:"runtime"`
	Cache   *CacheStats               `json:"cache,omitempty"`
	Sources map[string]SourceStatsDTO `json:"sources"`
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Runtime: h.gatherRuntime(),
		Sources: make(map[string]SourceStatsDTO),
	}

	if h.cache != nil {
		resp.Cache = &CacheStats{
			Tiles:     h.cache.Len(),
			Failed:    h.cache.FailedCount(),
			Evictions: h.cache.Evictions(),
		}
	}

	if h.tracker != nil {
		for source, s := range h.tracker.Snapshot() {
			hitRate := int64(0)
			if total := s.DiskHits + s.DiskMisses; total > 0 {
				hitRate = (s.DiskHits * 100) / total
			}
			resp.Sources[source] = SourceStatsDTO{
				DiskHits:      s.DiskHits,
				DiskMisses:    s.DiskMisses,
				FetchSuccess:  s.FetchSuccess,
				FetchFailures: s.FetchFailures,
				Retries:       s.Retries,
				Rejected:      s.Rejected,
				Bytes:         s.Bytes,
				HitRate:       hitRate,
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *StatsHandler) gatherRuntime() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	h.mu.Lock()
	if ms.Sys > h.maxMem {
		h.maxMem = ms.Sys
	}
	peak := h.maxMem
	h.mu.Unlock()

	return RuntimeStats{
		MemoryMB:    bToMb(ms.Sys),
		MemoryMaxMB: bToMb(peak),
		Goroutines:  runtime.NumGoroutine(),
		UptimeSec:   int64(time.Since(h.started).Seconds()),
	}
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}
