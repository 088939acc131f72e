package raster

import (
	"sync"
	"time"
)

// FlushState is the flusher's scheduling state.
type FlushState int

const (
	StateIdle FlushState = iota
	StateScheduled
	StateFlushing
)

func (s FlushState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateFlushing:
		return "flushing"
	}
	return "unknown"
}

// Flusher gates snapshot production. MarkDirty schedules a flush after the
// interval, or runs one at once when the dirty count reaches the limit. Only
// one flush runs at a time; work marked during a flush schedules the next one.
type Flusher struct {
	interval time.Duration
	limit    int
	fn       func()

	mu      sync.Mutex
	idle    *sync.Cond // signalled when a flush finishes
	state   FlushState
	dirty   int
	timer   *time.Timer
	stopped bool
}

// NewFlusher creates a flusher calling fn. limit <= 0 disables the count trigger.
func NewFlusher(interval time.Duration, limit int, fn func()) *Flusher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	f := &Flusher{interval: interval, limit: limit, fn: fn}
	f.idle = sync.NewCond(&f.mu)
	return f
}

// State returns the current state.
func (f *Flusher) State() FlushState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// MarkDirty records n newly painted cells.
func (f *Flusher) MarkDirty(n int) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.dirty += n
	now := f.limit > 0 && f.dirty >= f.limit && f.state != StateFlushing
	if !now && f.state == StateIdle {
		f.state = StateScheduled
		f.timer = time.AfterFunc(f.interval, f.Flush)
	}
	f.mu.Unlock()

	if now {
		f.Flush()
	}
}

// Flush runs fn now if anything is dirty. A call made while a flush is running
// returns without waiting; the running flush leaves a follow-up scheduled.
func (f *Flusher) Flush() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	if f.state == StateFlushing || f.dirty == 0 {
		if f.dirty == 0 && f.state == StateScheduled {
			f.stopTimer()
			f.state = StateIdle
		}
		f.mu.Unlock()
		return
	}
	f.stopTimer()
	f.state = StateFlushing
	f.dirty = 0
	f.mu.Unlock()

	f.fn()

	f.mu.Lock()
	f.state = StateIdle
	if f.dirty > 0 && !f.stopped {
		f.state = StateScheduled
		f.timer = time.AfterFunc(f.interval, f.Flush)
	}
	f.idle.Broadcast()
	f.mu.Unlock()
}

// Stop cancels any scheduled flush without running it and waits for a running
// one to return. fn is never called after Stop returns. Must not be called from fn.
func (f *Flusher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.stopTimer()
	if f.state == StateScheduled {
		f.state = StateIdle
	}
	for f.state == StateFlushing {
		f.idle.Wait()
	}
}

func (f *Flusher) stopTimer() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}
