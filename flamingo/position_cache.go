package flamingo

import (
	"context"
	"sync"
)

// PositionCache is SessionState's position cache: the last-known stage
// pose, refreshed one axis at a time as stage-position-get responses
// arrive across four successive command-channel frames (spec.md §4.4).
type PositionCache struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pos      Position
	axisSeen [4]bool // indexed by Axis-1
}

// NewPositionCache returns a cache seeded at pos with no axes marked seen.
func NewPositionCache(pos Position) *PositionCache {
	c := &PositionCache{pos: pos}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Update records a fresh value for one axis and wakes any GetPosition
// callers waiting on BeginQuery/AwaitAll.
func (c *PositionCache) Update(axis Axis, value float64) {
	c.mu.Lock()
	switch axis {
	case AxisX:
		c.pos.X = value
	case AxisY:
		c.pos.Y = value
	case AxisZ:
		c.pos.Z = value
	case AxisR:
		c.pos.AngleDeg = value
	}
	if axis >= AxisX && axis <= AxisR {
		c.axisSeen[axis-1] = true
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// BeginQuery clears the seen-flags ahead of issuing four stage-position-get
// commands, so AwaitAll can tell a fresh round of updates from a stale one.
func (c *PositionCache) BeginQuery() {
	c.mu.Lock()
	c.axisSeen = [4]bool{}
	c.mu.Unlock()
}

// AwaitAll blocks until every axis has been updated since the last
// BeginQuery, or ctx concludes.
func (c *PositionCache) AwaitAll(ctx context.Context) error {
	done := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.cond.Broadcast()
		case <-stop:
		}
		close(done)
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for !(c.axisSeen[0] && c.axisSeen[1] && c.axisSeen[2] && c.axisSeen[3]) {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}

// Get returns the cached position without waiting.
func (c *PositionCache) Get() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// Seed overwrites the cache outright — used to opportunistically preload a
// position persisted by a previous session, never trusted without a
// fresh AwaitAll round trip afterward.
func (c *PositionCache) Seed(pos Position) {
	c.mu.Lock()
	c.pos = pos
	c.mu.Unlock()
}
