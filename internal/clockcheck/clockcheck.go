// Package clockcheck watches this machine's clock offset against NTP.
// Lease expiry is the only thing that frees a machine after a reconciler
// crash, so a badly skewed clock is a health problem worth surfacing.
package clockcheck

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"hyperfleet"
)

const (
	defaultPool     = "pool.ntp.org"
	defaultInterval = 60 * time.Second
	// defaultThreshold is 500ms: small next to the 30s lease TTL but
	// large enough to ignore normal NTP jitter.
	defaultThreshold = 500 * time.Millisecond
)

// Status is the latest clock check result.
type Status struct {
	Offset    time.Duration
	Healthy   bool
	Error     string
	CheckedAt time.Time
}

// Checker polls an NTP pool on an interval and caches the result.
type Checker struct {
	mu        sync.RWMutex
	status    Status
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     hyperfleet.Clock
}

func New(clock hyperfleet.Clock) *Checker {
	if clock == nil {
		clock = hyperfleet.RealClock{}
	}
	return &Checker{
		pool:      defaultPool,
		interval:  defaultInterval,
		threshold: defaultThreshold,
		clock:     clock,
	}
}

// Run checks immediately, then on every interval tick until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	c.check()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.check()
		}
	}
}

func (c *Checker) check() {
	resp, err := ntp.Query(c.pool)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if err != nil {
		c.status = Status{
			Error:     err.Error(),
			Healthy:   false,
			CheckedAt: now,
		}
		return
	}

	offset := resp.ClockOffset
	if offset < 0 {
		offset = -offset
	}

	c.status = Status{
		Offset:    resp.ClockOffset,
		Healthy:   offset < c.threshold,
		CheckedAt: now,
	}
}

// Status returns the latest result. The zero value means no check has
// completed yet.
func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}
