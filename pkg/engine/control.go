package engine

import (
	"context"
	"sync"
	"time"
)

// Control lets a caller cancel, pause and resume a computation. All methods are
// idempotent and safe to call at any time, including before Calculate starts and
// after it returns.
type Control struct {
	mu        sync.Mutex
	cancelled bool
	paused    bool
	stop      context.CancelFunc
}

// NewControl returns a fresh handle.
func NewControl() *Control {
	return &Control{}
}

// Cancel stops the computation. Work already completed is returned to the caller.
func (c *Control) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	if c.stop != nil {
		c.stop()
	}
}

// Pause holds dispatching until Resume or Cancel.
func (c *Control) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume continues a paused computation.
func (c *Control) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Cancelled reports whether Cancel was called.
func (c *Control) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Paused reports whether the computation is paused.
func (c *Control) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// attach binds the handle to a run context. A handle cancelled before the run
// starts cancels the run immediately.
func (c *Control) attach(stop context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop = stop
	if c.cancelled {
		stop()
	}
}

func (c *Control) detach() {
	c.mu.Lock()
	c.stop = nil
	c.mu.Unlock()
}

// waitWhilePaused polls until the handle is resumed. It returns false when the
// run was cancelled while waiting.
func (c *Control) waitWhilePaused(ctx context.Context, poll time.Duration) bool {
	if !c.Paused() {
		return ctx.Err() == nil
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for c.Paused() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return ctx.Err() == nil
}
