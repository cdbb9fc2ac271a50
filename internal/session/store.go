package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis. Touch and
	// RefreshTTL extend it.
	SessionTTL = 1 * time.Hour

	// RefreshInterval is how often a server should call RefreshTTL for the
	// sessions it holds open.
	RefreshInterval = SessionTTL / 4

	scanBatch = 100
)

// Session is a connection's presence record stored in Redis.
type Session struct {
	ID         string `redis:"id" json:"id"`
	UserID     int64  `redis:"user_id" json:"userId"`       // 0 for guests
	Name       string `redis:"name" json:"name"`            // display name, empty for guests
	Room       string `redis:"room" json:"room"`            // empty until the first join
	Server     string `redis:"server" json:"server"`        // which server instance
	CreatedAt  int64  `redis:"created_at" json:"createdAt"` // unix timestamp
	LastActive int64  `redis:"last_active" json:"lastActive"`
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreFromClient wraps an existing Redis client, shared with other
// Redis-backed components.
func NewStoreFromClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Register stores a new presence record for sessionID with a fresh TTL.
func (s *Store) Register(ctx context.Context, sessionID string, userID int64, name string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"id":          sessionID,
		"user_id":     userID,
		"name":        name,
		"room":        "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: register %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// SetRoom records the room the session joined and refreshes the TTL.
func (s *Store) SetRoom(ctx context.Context, sessionID, room string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "room", room, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: set room %s: %w", sessionID, err)
	}
	return nil
}

// touchScript updates last_active only on an existing record, so a touch
// racing a Remove does not leave a partial hash behind.
var touchScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "last_active", ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1
`)

// Touch records activity on the session and extends its TTL. Touching a
// removed session does nothing.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	err := touchScript.Run(ctx, s.client, []string{key},
		time.Now().Unix(), int64(SessionTTL/time.Second)).Err()
	if err != nil {
		return fmt.Errorf("session: touch %s: %w", sessionID, err)
	}
	return nil
}

// RefreshTTL extends the TTL of every listed session in one round trip.
// Missing keys are skipped.
func (s *Store) RefreshTTL(ctx context.Context, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, id := range sessionIDs {
		pipe.Expire(ctx, SessionPrefix+id, SessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: refresh ttl: %w", err)
	}
	return nil
}

// Remove deletes a session from Redis.
func (s *Store) Remove(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// List returns every presence record, oldest first. It walks the keyspace
// with SCAN so a large session count does not block Redis.
func (s *Store) List(ctx context.Context) ([]Session, error) {
	var (
		cursor uint64
		out    []Session
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, SessionPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("session: scan: %w", err)
		}
		for _, key := range keys {
			var sess Session
			if err := s.client.HGetAll(ctx, key).Scan(&sess); err != nil {
				return nil, fmt.Errorf("session: read %s: %w", key, err)
			}
			if sess.ID != "" {
				out = append(out, sess)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
