package raster

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlusher_DirtyLimit(t *testing.T) {
	var calls atomic.Int32
	f := NewFlusher(time.Hour, 10, func() { calls.Add(1) })
	defer f.Stop()

	f.MarkDirty(5)
	assert.Equal(t, StateScheduled, f.State())
	assert.Zero(t, calls.Load())

	f.MarkDirty(5)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateIdle, f.State())
}

func TestFlusher_Interval(t *testing.T) {
	var calls atomic.Int32
	f := NewFlusher(10*time.Millisecond, 0, func() { calls.Add(1) })
	defer f.Stop()

	f.MarkDirty(1)
	f.MarkDirty(1)
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.Eventually(t, func() bool { return f.State() == StateIdle }, time.Second, 2*time.Millisecond)

	// Nothing dirty, nothing to do
	f.Flush()
	assert.Equal(t, int32(1), calls.Load())
}

func TestFlusher_DirtyDuringFlushSchedulesAnother(t *testing.T) {
	var calls atomic.Int32
	var f *Flusher
	f = NewFlusher(10*time.Millisecond, 0, func() {
		if calls.Add(1) == 1 {
			assert.Equal(t, StateFlushing, f.State())
			f.MarkDirty(3)
			f.Flush()
		}
	})
	defer f.Stop()

	f.MarkDirty(1)
	f.Flush()
	assert.Equal(t, int32(1), calls.Load(), "a flush during a flush does not run")
	assert.Equal(t, StateScheduled, f.State())

	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 2*time.Millisecond)
}

func TestFlusher_Stop(t *testing.T) {
	var calls atomic.Int32
	f := NewFlusher(20*time.Millisecond, 0, func() { calls.Add(1) })

	f.MarkDirty(1)
	f.Stop()
	assert.Equal(t, StateIdle, f.State())
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestFlusher_StopWaitsForRunningFlush(t *testing.T) {
	var (
		calls   atomic.Int32
		running = make(chan struct{})
		release = make(chan struct{})
	)
	f := NewFlusher(5*time.Millisecond, 0, func() {
		if calls.Add(1) == 1 {
			close(running)
			<-release
		}
	})

	f.MarkDirty(1)
	<-running
	f.MarkDirty(2)

	stopped := make(chan struct{})
	go func() {
		f.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a flush was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	<-stopped
	assert.Equal(t, StateIdle, f.State())

	// Nothing runs after Stop, even with work left over
	f.MarkDirty(5)
	f.Flush()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFlushState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "scheduled", StateScheduled.String())
	assert.Equal(t, "flushing", StateFlushing.String())
}
