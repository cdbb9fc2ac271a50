package ban

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// memSource is an in-memory Source that counts reads.
type memSource struct {
	mu     sync.Mutex
	flags  map[int64]bool
	reads  int
	err    error
	setErr error
}

func (m *memSource) IsBanned(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.err != nil {
		return false, m.err
	}
	return m.flags[id], nil
}

func (m *memSource) SetBanned(_ context.Context, id int64, banned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.flags[id] = banned
	return nil
}

func (m *memSource) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// newTestCache connects to a local Redis and removes the ban keys of ids on
// cleanup. Tests that call this helper require Redis on localhost:6379.
func newTestCache(t *testing.T, src Source, ids ...int64) (*Cache, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, id := range ids {
			client.Del(ctx, key(id))
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewCache(client, src, 0), client
}

// Ids far outside the range a development database hands out.
const (
	testUserA int64 = 9_000_000_001
	testUserB int64 = 9_000_000_002
)

func TestIsBanned_ReadsSourceEveryTime(t *testing.T) {
	src := &memSource{flags: map[int64]bool{testUserA: true}}
	cache, client := newTestCache(t, src, testUserA, testUserB)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		banned, err := cache.IsBanned(ctx, testUserA)
		if err != nil {
			t.Fatalf("IsBanned() error: %v", err)
		}
		if !banned {
			t.Fatal("expected banned=true")
		}
	}
	if n := src.readCount(); n != 3 {
		t.Errorf("expected 3 source reads, got %d", n)
	}

	banned, err := cache.IsBanned(ctx, testUserB)
	if err != nil || banned {
		t.Fatalf("IsBanned(B) = %v, %v; want false, nil", banned, err)
	}
	if v, _ := client.Get(ctx, key(testUserB)).Result(); v != "0" {
		t.Errorf("expected recorded \"0\" for unbanned user, got %q", v)
	}

	ttl, err := client.TTL(ctx, key(testUserA)).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > FallbackTTL {
		t.Errorf("expected ttl in (0,%s], got %s", FallbackTTL, ttl)
	}
}

// A flag changed directly in the store is visible to the next check.
func TestIsBanned_SeesOutsideWrites(t *testing.T) {
	src := &memSource{flags: map[int64]bool{testUserA: false}}
	cache, _ := newTestCache(t, src, testUserA)
	ctx := context.Background()

	if banned, _ := cache.IsBanned(ctx, testUserA); banned {
		t.Fatal("expected not banned")
	}

	src.mu.Lock()
	src.flags[testUserA] = true
	src.mu.Unlock()

	banned, err := cache.IsBanned(ctx, testUserA)
	if err != nil || !banned {
		t.Fatalf("IsBanned() after store update = %v, %v; want true, nil", banned, err)
	}
}

func TestIsBanned_SourceErrorUsesLastKnown(t *testing.T) {
	src := &memSource{flags: map[int64]bool{testUserA: true}}
	cache, _ := newTestCache(t, src, testUserA)
	ctx := context.Background()

	if _, err := cache.IsBanned(ctx, testUserA); err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}

	src.mu.Lock()
	src.err = errors.New("db down")
	src.mu.Unlock()

	banned, err := cache.IsBanned(ctx, testUserA)
	if err != nil || !banned {
		t.Fatalf("IsBanned() during outage = %v, %v; want true, nil", banned, err)
	}
}

func TestIsBanned_SourceErrorWithoutRecord(t *testing.T) {
	src := &memSource{flags: map[int64]bool{}, err: errors.New("db down")}
	cache, client := newTestCache(t, src, testUserA)
	ctx := context.Background()

	if _, err := cache.IsBanned(ctx, testUserA); !errors.Is(err, src.err) {
		t.Fatalf("expected source error, got %v", err)
	}
	if n, _ := client.Exists(ctx, key(testUserA)).Result(); n != 0 {
		t.Error("expected no record after failed read")
	}
}

func TestSetBanned_RecordsFlag(t *testing.T) {
	src := &memSource{flags: map[int64]bool{testUserA: false}}
	cache, client := newTestCache(t, src, testUserA)
	ctx := context.Background()

	if err := cache.SetBanned(ctx, testUserA, true); err != nil {
		t.Fatalf("SetBanned() error: %v", err)
	}
	if !src.flags[testUserA] {
		t.Error("expected source to hold the ban")
	}
	if v, _ := client.Get(ctx, key(testUserA)).Result(); v != "1" {
		t.Errorf("expected recorded \"1\", got %q", v)
	}

	if err := cache.SetBanned(ctx, testUserA, false); err != nil {
		t.Fatalf("SetBanned(false) error: %v", err)
	}
	if v, _ := client.Get(ctx, key(testUserA)).Result(); v != "0" {
		t.Errorf("expected recorded \"0\" after unban, got %q", v)
	}
}

func TestSetBanned_SourceErrorLeavesRecord(t *testing.T) {
	src := &memSource{flags: map[int64]bool{testUserA: false}}
	cache, client := newTestCache(t, src, testUserA)
	ctx := context.Background()

	src.setErr = errors.New("db down")
	if err := cache.SetBanned(ctx, testUserA, true); !errors.Is(err, src.setErr) {
		t.Fatalf("expected source error, got %v", err)
	}
	if n, _ := client.Exists(ctx, key(testUserA)).Result(); n != 0 {
		t.Error("expected no record after failed write")
	}
}

func TestCache_RedisDownFallsBackToSource(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })

	src := &memSource{flags: map[int64]bool{7: true}}
	cache := NewCache(client, src, time.Minute)
	ctx := context.Background()

	banned, err := cache.IsBanned(ctx, 7)
	if err != nil || !banned {
		t.Fatalf("IsBanned() = %v, %v; want true, nil", banned, err)
	}

	if err := cache.SetBanned(ctx, 7, false); err != nil {
		t.Fatalf("SetBanned() error: %v", err)
	}
	if src.flags[7] {
		t.Error("expected source to be updated despite cache failure")
	}
}
