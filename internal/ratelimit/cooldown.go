package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MessageCooldown is the minimum gap between two accepted chat messages
// from the same user.
const MessageCooldown = 2000 * time.Millisecond

// pruneFactor controls how long an idle record is kept: entries older than
// pruneFactor * cooldown can no longer reject anything and are dropped.
const pruneFactor = 10

// Cooldown enforces at most one accepted action per user per interval. State
// lives in process memory only; a second instance would keep its own map.
type Cooldown struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[int64]time.Time // user id -> last accepted send
}

// NewCooldown creates a Cooldown with the given interval.
func NewCooldown(interval time.Duration) *Cooldown {
	return &Cooldown{
		interval: interval,
		last:     make(map[int64]time.Time),
	}
}

// TryAccept reports whether userID may act at now. On acceptance now is
// recorded as the user's last action; rejections leave the record alone.
func (c *Cooldown) TryAccept(userID int64, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.last[userID]; ok && now.Sub(prev) < c.interval {
		return false
	}
	c.last[userID] = now
	return true
}

// RetryAfter returns how long userID must wait from now before TryAccept
// can succeed. Zero means it would succeed immediately.
func (c *Cooldown) RetryAfter(userID int64, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.last[userID]
	if !ok {
		return 0
	}
	if wait := c.interval - now.Sub(prev); wait > 0 {
		return wait
	}
	return 0
}

// Prune drops records that are too old to reject anything. It returns the
// number of removed entries.
func (c *Cooldown) Prune(now time.Time) int {
	cutoff := now.Add(-pruneFactor * c.interval)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, ts := range c.last {
		if ts.Before(cutoff) {
			delete(c.last, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked users.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}

// Run prunes the map every interval until ctx is cancelled.
func (c *Cooldown) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := c.Prune(now); n > 0 {
				logrus.WithFields(logrus.Fields{
					"component": "ratelimit",
					"removed":   n,
					"tracked":   c.Len(),
				}).Debug("pruned idle cooldown records")
			}
		}
	}
}
