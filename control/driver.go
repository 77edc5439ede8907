package control

import (
	"context"
	"time"
)

// Run fires Tick every Period until ctx is done. A tick that is still running when the
// next one is due makes the ticker drop the late tick instead of queueing it.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Poll is the software driver for callers with their own main loop: it fires Tick once
// at least one Period has elapsed since the last fire and reports whether it did.
// The first call only starts the clock.
func (c *Controller) Poll(now time.Time) bool {
	c.mu.Lock()
	last := c.lastPoll
	if last.IsZero() {
		c.lastPoll = now
		c.mu.Unlock()
		return false
	}
	if now.Sub(last) < c.cfg.Period {
		c.mu.Unlock()
		return false
	}
	c.lastPoll = now
	c.mu.Unlock()

	c.Tick()
	return true
}

// WaitIdle blocks until the state machine is Idle, polling at the tick period, and returns
// the latched status.
func (c *Controller) WaitIdle(ctx context.Context) error {
	if !c.IsMoving() {
		return c.Status()
	}
	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !c.IsMoving() {
				return c.Status()
			}
		}
	}
}
