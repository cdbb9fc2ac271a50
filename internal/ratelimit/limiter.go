// Package ratelimit throttles chat activity. Cooldown is the in-memory
// per-user message gate used by the chat pipeline; Limiter is a Redis
// INCR + EXPIRE fixed-window counter used to throttle WebSocket handshakes
// per client address.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:conn:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleConnect allows 20 WebSocket handshakes per minute per client address.
var RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: time.Minute}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow increments the identifier's counter for rule and reports whether it is
// still within the limit. On Redis errors it fails open (returns true) so that
// a Redis outage does not lock clients out of chat.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier
	log := logrus.WithFields(logrus.Fields{"component": "ratelimit", "key": key})

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.WithError(err).Warn("redis INCR failed, failing open")
		return true, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.WithError(err).Warn("redis EXPIRE failed, failing open")
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}
