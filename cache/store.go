// vidnet/cache/store.go
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	MetadataPrefix = "metadata:"
	TaskPrefix     = "task:"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// Store is a TTL key-value store backed by Redis. When Redis is unreachable
// it degrades to a process-local map so callers never see a cache outage;
// they only lose cross-restart durability.
type Store struct {
	client *redis.Client

	mu  sync.RWMutex
	mem map[string]memEntry
	now func() time.Time
}

// New connects to Redis at addr. A failed ping is not an error: the store
// starts in degraded in-memory mode instead.
func New(addr, password string, db int) *Store {
	s := NewMemory()
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("Redis not available at %s, using in-memory cache: %v", addr, err)
		return s
	}
	s.client = client
	log.Printf("Connected to Redis at %s", addr)
	return s
}

// NewMemory returns a store with no Redis backing. Used in tests and as the
// degraded mode.
func NewMemory() *Store {
	return &Store{
		mem: make(map[string]memEntry),
		now: time.Now,
	}
}

// Key builds a cache key from a prefix and an identifier. Long identifiers
// (typically URLs) are hashed to keep keys bounded.
func Key(prefix, identifier string) string {
	if len(identifier) > 100 {
		sum := md5.Sum([]byte(identifier))
		identifier = hex.EncodeToString(sum[:])
	}
	return prefix + identifier
}

// Get returns the value for key, or ok=false if absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	if s.client != nil {
		val, err := s.client.Get(ctx, key).Bytes()
		if err == nil {
			return val, true
		}
		if err == redis.Nil {
			return nil, false
		}
		log.Printf("cache: redis get failed for %s, falling back to memory: %v", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.mem[key]
	if !ok {
		return nil, false
	}
	if s.now().After(entry.expiresAt) {
		delete(s.mem, key)
		return nil, false
	}
	return entry.value, true
}

// Set stores value under key with an explicit TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if s.client != nil {
		err := s.client.Set(ctx, key, value, ttl).Err()
		if err == nil {
			return
		}
		log.Printf("cache: redis set failed for %s, falling back to memory: %v", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem[key] = memEntry{value: value, expiresAt: s.now().Add(ttl)}
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) {
	if s.client != nil {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			log.Printf("cache: redis delete failed for %s: %v", key, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mem, key)
}

// Degraded reports whether the store is running without Redis backing.
func (s *Store) Degraded() bool {
	return s.client == nil
}

// Close releases the Redis connection if one exists.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
