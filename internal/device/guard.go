package device

import (
	"sync"
	"sync/atomic"
)

// Guard admits at most one holder at a time. Losers are refused, never queued.
type Guard struct {
	held atomic.Bool
}

// Acquire flips the guard from free to held in one step.
// The returned Claim is nil when another holder already won.
func (g *Guard) Acquire() (*Claim, bool) {
	if !g.held.CompareAndSwap(false, true) {
		return nil, false
	}
	return &Claim{guard: g}, true
}

// Held reports whether a claim is outstanding. Diagnostics only.
func (g *Guard) Held() bool {
	return g.held.Load()
}

func (g *Guard) release() {
	g.held.Store(false)
}

// Claim is the winner's hold on a Guard.
type Claim struct {
	guard    *Guard
	once     sync.Once
	released atomic.Bool
}

// Release frees the guard. Only the first call has an effect.
func (c *Claim) Release() {
	if c == nil {
		return
	}
	c.once.Do(func() {
		c.released.Store(true)
		c.guard.release()
	})
}

// Live reports whether the claim still holds its guard.
func (c *Claim) Live() bool {
	return c != nil && !c.released.Load()
}
