// Package resource limits the I/O pressure of lazy loads.
package resource

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds load limits.
type Config struct {
	// MaxConcurrentLoads is the maximum number of blob loads in flight.
	// If 0, defaults to 1.
	MaxConcurrentLoads int64

	// LoadsPerSec rate-limits load starts. If 0, unlimited.
	LoadsPerSec float64
}

// Controller gates blob loads behind a concurrency permit and an
// optional rate limit. Acquire blocks until a permit is available or the
// context is cancelled; a cancelled acquire holds nothing.
type Controller struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewController creates a new load controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxConcurrentLoads <= 0 {
		cfg.MaxConcurrentLoads = 1
	}
	c := &Controller{
		sem: semaphore.NewWeighted(cfg.MaxConcurrentLoads),
	}
	if cfg.LoadsPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.LoadsPerSec), 1)
	}
	return c
}

// Acquire obtains a load permit. Callers must Release exactly once per
// successful Acquire.
func (c *Controller) Acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.sem.Release(1)
			return err
		}
	}
	return nil
}

// Release returns a load permit.
func (c *Controller) Release() {
	c.sem.Release(1)
}
