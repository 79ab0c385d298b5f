// Package idempotency dedups inbound requests by client-supplied
// idempotency key, so a retried submission produces at most one new run
// span. The Redis backend uses SETNX plus a TTL: the first caller for a
// key wins the claim and every later caller observes the recorded run_id.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store records idempotency keys and tells the pipeline whether a given
// key has already been claimed for this window.
type Store interface {
	// Claim atomically marks key as seen for ttl. It returns (true, nil) if
	// this call is the first to claim key — the caller should proceed — and
	// (false, nil) if the key was already claimed, meaning the caller should
	// short-circuit and, if available, return the previously recorded
	// RunID instead of opening a second run span.
	Claim(ctx context.Context, key string, runID string, ttl time.Duration) (claimed bool, existingRunID string, err error)
}

// RedisStore implements Store on top of go-redis, using SETNX so the first
// caller for a given key wins the claim and every other concurrent or
// retried caller observes the already-recorded run_id.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore constructs a RedisStore. prefix namespaces keys in a
// shared Redis instance (default "gateway:idempotency" if empty).
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "gateway:idempotency"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Claim(ctx context.Context, key, runID string, ttl time.Duration) (bool, string, error) {
	redisKey := fmt.Sprintf("%s:%s", s.prefix, key)
	ok, err := s.client.SetNX(ctx, redisKey, runID, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("idempotency: claim %q: %w", key, err)
	}
	if ok {
		return true, runID, nil
	}
	existing, err := s.client.Get(ctx, redisKey).Result()
	if err != nil && err != redis.Nil {
		return false, "", fmt.Errorf("idempotency: read existing claim %q: %w", key, err)
	}
	return false, existing, nil
}

// InMemoryStore is a process-local Store used when no Redis address is
// configured (single-instance deployments, tests). It trades cluster-wide
// dedup for zero external dependencies, matching the local-only posture
// already taken for rate limiting.
type InMemoryStore struct {
	claims map[string]claim
	mu     sync.Mutex
}

type claim struct {
	runID     string
	expiresAt time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{claims: make(map[string]claim)}
}

func (s *InMemoryStore) Claim(ctx context.Context, key, runID string, ttl time.Duration) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if c, ok := s.claims[key]; ok && now.Before(c.expiresAt) {
		return false, c.runID, nil
	}
	s.claims[key] = claim{runID: runID, expiresAt: now.Add(ttl)}
	return true, runID, nil
}

var _ Store = (*InMemoryStore)(nil)
