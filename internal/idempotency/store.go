// Package idempotency deduplicates question submissions that carry a
// client-supplied idempotency key.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clinique-saint-luc/patientbff/model"
)

// Store records the question created for an idempotency key.
// Keys have the form "idem:{sessionId}:{key}".
type Store interface {
	// Check looks up a previous result by key. If the key exists and the
	// draft hash matches, it returns the stored question. If the key exists
	// but the hash differs, it returns a 409 conflict error.
	Check(ctx context.Context, key, draftHash string) (q *model.Question, found bool, err error)

	// Store saves the created question under key with a TTL.
	Store(ctx context.Context, key, draftHash string, q model.Question, ttl time.Duration) error

	// HealthCheck verifies the backing storage is reachable.
	HealthCheck(ctx context.Context) error
}

type entry struct {
	DraftHash string         `json:"draft_hash"`
	Question  model.Question `json:"question"`
}

func conflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with a different question", key),
	)
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
	}
}

// Check looks up a stored question.
func (s *MemoryStore) Check(_ context.Context, key, draftHash string) (*model.Question, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if e.data.DraftHash != draftHash {
		return nil, true, conflict(key)
	}

	q := e.data.Question
	return &q, true, nil
}

// Store saves a question with TTL.
func (s *MemoryStore) Store(_ context.Context, key, draftHash string, q model.Question, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{DraftHash: draftHash, Question: q},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a stored question in Redis.
func (s *RedisStore) Check(ctx context.Context, key, draftHash string) (*model.Question, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.DraftHash != draftHash {
		return nil, true, conflict(key)
	}
	return &e.Question, true, nil
}

// Store saves a question in Redis with TTL.
func (s *RedisStore) Store(ctx context.Context, key, draftHash string, q model.Question, ttl time.Duration) error {
	data, err := json.Marshal(entry{DraftHash: draftHash, Question: q})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatKey builds the storage key for a session's idempotency key.
func FormatKey(sessionID, key string) string {
	return fmt.Sprintf("idem:%s:%s", sessionID, key)
}
