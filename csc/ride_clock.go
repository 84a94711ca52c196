package csc

import "time"

// RideClock accumulates moving time. Time only counts between two updates
// that both report a non-zero speed.
type RideClock struct {
	elapsed    time.Duration
	lastUpdate time.Time
}

func (c *RideClock) Tick(now time.Time, speedKmh float64) time.Duration {
	if speedKmh <= 0 {
		c.lastUpdate = time.Time{}
		return c.elapsed
	}
	if !c.lastUpdate.IsZero() && now.After(c.lastUpdate) {
		c.elapsed += now.Sub(c.lastUpdate)
	}
	c.lastUpdate = now
	return c.elapsed
}

func (c *RideClock) Elapsed() time.Duration {
	return c.elapsed
}

// Reset forgets the last update so a gap (disconnect) is not counted
func (c *RideClock) Reset() {
	c.lastUpdate = time.Time{}
}

func (c *RideClock) Clear() {
	c.elapsed = 0
	c.lastUpdate = time.Time{}
}
