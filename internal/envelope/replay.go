package envelope

import (
	"sync"
	"time"

	"github.com/boardroom-tee/fabric/internal/clock"
)

// ReplayCache is the bounded sliding window of accepted (sender, nonce)
// pairs. Entries are evicted by age at the freshness window, both inline
// on insert and from the background sweep. Only accepted envelopes are
// recorded; a rejected envelope never occupies a slot.
type ReplayCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time // sender + "/" + nonce -> accept time
	clock  clock.Clock
	window time.Duration
}

// NewReplayCache creates a cache retaining entries for the given window.
func NewReplayCache(clk clock.Clock, window time.Duration) *ReplayCache {
	return &ReplayCache{
		seen:   make(map[string]time.Time),
		clock:  clk,
		window: window,
	}
}

// Record marks a nonce as accepted. Returns false when the pair was
// already present within the window (a replay).
func (c *ReplayCache) Record(senderID, nonce string) bool {
	key := senderID + "/" + nonce
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[key]; ok && now.Sub(at) <= c.window {
		return false
	}
	c.seen[key] = now
	c.evictLocked(now)
	return true
}

// Seen reports whether a pair is currently in the window without
// recording anything.
func (c *ReplayCache) Seen(senderID, nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.seen[senderID+"/"+nonce]
	return ok && c.clock.Now().Sub(at) <= c.window
}

// Evict drops all aged entries.
func (c *ReplayCache) Evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(c.clock.Now())
}

// Len returns the current number of retained pairs.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *ReplayCache) evictLocked(now time.Time) {
	for key, at := range c.seen {
		if now.Sub(at) > c.window {
			delete(c.seen, key)
		}
	}
}
