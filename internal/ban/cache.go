// Package ban keeps the last known ban flag of each user in Redis next to
// the user store. Every check reads the store; the Redis record only
// answers when the store cannot, so a ban stays enforced through a
// database outage. Records are simple key-value pairs with TTL-based
// expiry:
//
//	Key:   ban:<user id>
//	Value: "1" (banned) or "0" (not banned)
//	TTL:   FallbackTTL
package ban

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	// BanPrefix is the Redis key prefix for recorded ban flags.
	BanPrefix = "ban:"

	// FallbackTTL bounds how old a recorded flag may be when it stands in
	// for the store.
	FallbackTTL = 10 * time.Minute
)

// Source is the authoritative ban flag store.
type Source interface {
	IsBanned(ctx context.Context, id int64) (bool, error)
	SetBanned(ctx context.Context, id int64, banned bool) error
}

// Cache records ban flags read from or written to the source. Redis
// failures never fail a call that the source served.
type Cache struct {
	client *redis.Client
	src    Source
	ttl    time.Duration
}

// NewCache creates a Cache over src. ttl <= 0 uses FallbackTTL.
func NewCache(client *redis.Client, src Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = FallbackTTL
	}
	return &Cache{client: client, src: src, ttl: ttl}
}

func key(id int64) string {
	return BanPrefix + strconv.FormatInt(id, 10)
}

func encode(banned bool) string {
	if banned {
		return "1"
	}
	return "0"
}

// IsBanned reads the flag from the source and records it. If the source
// fails, the recorded flag is returned instead; without one the source
// error is returned.
func (c *Cache) IsBanned(ctx context.Context, id int64) (bool, error) {
	banned, err := c.src.IsBanned(ctx, id)
	if err == nil {
		c.record(ctx, id, banned)
		return banned, nil
	}

	val, cacheErr := c.client.Get(ctx, key(id)).Result()
	if cacheErr != nil {
		if !errors.Is(cacheErr, redis.Nil) {
			log.WithFields(log.Fields{"component": "ban", "user_id": id}).
				WithError(cacheErr).Debug("fallback read failed")
		}
		return false, err
	}
	log.WithFields(log.Fields{"component": "ban", "user_id": id}).
		WithError(err).Warn("ban source failed, using last known flag")
	return val == "1", nil
}

// SetBanned writes the flag to the source and then records it. If the
// record cannot be written it is dropped, so an outage never falls back to
// the previous value.
func (c *Cache) SetBanned(ctx context.Context, id int64, banned bool) error {
	if err := c.src.SetBanned(ctx, id, banned); err != nil {
		return err
	}
	if err := c.client.Set(ctx, key(id), encode(banned), c.ttl).Err(); err != nil {
		if delErr := c.client.Del(ctx, key(id)).Err(); delErr != nil {
			log.WithFields(log.Fields{"component": "ban", "user_id": id}).
				WithError(delErr).Warn("recorded flag may be outdated")
		}
	}
	return nil
}

func (c *Cache) record(ctx context.Context, id int64, banned bool) {
	if err := c.client.Set(ctx, key(id), encode(banned), c.ttl).Err(); err != nil {
		log.WithFields(log.Fields{"component": "ban", "user_id": id}).
			WithError(err).Debug("fallback write failed")
	}
}
