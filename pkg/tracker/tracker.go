package tracker

import (
	"sync"
	"sync/atomic"
)

// Tracker tracks fetch statistics per tile source host.
type Tracker struct {
	mu    sync.RWMutex
	stats map[string]*SourceStats
}

// SourceStats holds counters for one tile source.
// Fields are accessed atomically.
type SourceStats struct {
	DiskHits      int64
	DiskMisses    int64
	FetchSuccess  int64
	FetchFailures int64
	Retries       int64
	Rejected      int64 // refused by the circuit breaker
	Bytes         int64
}

// New creates a new Tracker.
func New() *Tracker {
	return &Tracker{
		stats: make(map[string]*SourceStats),
	}
}

func (t *Tracker) get(source string) *SourceStats {
	t.mu.RLock()
	s, ok := t.stats[source]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.stats[source]; ok {
		return s
	}
	s = &SourceStats{}
	t.stats[source] = s
	return s
}

// TrackDiskHit counts a tile served from the disk cache.
func (t *Tracker) TrackDiskHit(source string) {
	atomic.AddInt64(&t.get(source).DiskHits, 1)
}

func (t *Tracker) TrackDiskMiss(source string) {
	atomic.AddInt64(&t.get(source).DiskMisses, 1)
}

// TrackSuccess counts a fetched tile and its payload size.
func (t *Tracker) TrackSuccess(source string, n int) {
	s := t.get(source)
	atomic.AddInt64(&s.FetchSuccess, 1)
	atomic.AddInt64(&s.Bytes, int64(n))
}

func (t *Tracker) TrackFailure(source string) {
	atomic.AddInt64(&t.get(source).FetchFailures, 1)
}

func (t *Tracker) TrackRetry(source string) {
	atomic.AddInt64(&t.get(source).Retries, 1)
}

func (t *Tracker) TrackRejected(source string) {
	atomic.AddInt64(&t.get(source).Rejected, 1)
}

// Snapshot returns a copy of the current stats.
func (t *Tracker) Snapshot() map[string]SourceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]SourceStats, len(t.stats))
	for k, v := range t.stats {
		result[k] = SourceStats{
			DiskHits:      atomic.LoadInt64(&v.DiskHits),
			DiskMisses:    atomic.LoadInt64(&v.DiskMisses),
			FetchSuccess:  atomic.LoadInt64(&v.FetchSuccess),
			FetchFailures: atomic.LoadInt64(&v.FetchFailures),
			Retries:       atomic.LoadInt64(&v.Retries),
			Rejected:      atomic.LoadInt64(&v.Rejected),
			Bytes:         atomic.LoadInt64(&v.Bytes),
		}
	}
	return result
}
