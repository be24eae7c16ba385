package simledger

import "sync"

// ManualClock is the simulated ledger's own time source. Tests advance
// it explicitly; the hosting adapter reports it through Now().
type ManualClock struct {
	mu sync.Mutex
	ms uint64

	// when set, the next read appears to jump backwards once
	jumpBack uint64
}

func NewManualClock(startMs uint64) *ManualClock {
	return &ManualClock{ms: startMs}
}

func (c *ManualClock) NowMs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jumpBack > 0 {
		ms := c.ms - c.jumpBack
		c.jumpBack = 0
		return ms
	}
	return c.ms
}

func (c *ManualClock) Advance(deltaMs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms += deltaMs
}

func (c *ManualClock) Set(ms uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms = ms
}

// InjectBackwardJump makes the next reading appear deltaMs in the
// past, as a faulty node would.
func (c *ManualClock) InjectBackwardJump(deltaMs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jumpBack = deltaMs
}
