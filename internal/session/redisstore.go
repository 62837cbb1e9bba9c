package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clinique-saint-luc/patientbff/model"
)

// DefaultRedisPrefix prefixes every session key written by RedisStore.
const DefaultRedisPrefix = "patientbff:session:"

// saveScript writes the state only when it follows the stored version (or
// nothing is stored and it is version 1), then refreshes the key expiry.
var saveScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if current ~= tonumber(ARGV[2]) - 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'version', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// RedisStore is a Redis-backed Store. Each session is a hash holding the JSON
// state and its version; expiry is native.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client, prefix: DefaultRedisPrefix}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// Load reads the session hash.
func (s *RedisStore) Load(ctx context.Context, id string) (model.WorkflowState, bool, error) {
	raw, err := s.client.HGet(ctx, s.key(id), "state").Bytes()
	if errors.Is(err, redis.Nil) {
		return model.WorkflowState{}, false, nil
	}
	if err != nil {
		return model.WorkflowState{}, false, fmt.Errorf("redis hget %q: %w", id, err)
	}

	var state model.WorkflowState
	if err := json.Unmarshal(raw, &state); err != nil {
		return model.WorkflowState{}, false, fmt.Errorf("unmarshal session %q: %w", id, err)
	}
	return state, true, nil
}

// Save writes the state atomically with its version check.
func (s *RedisStore) Save(ctx context.Context, id string, state model.WorkflowState, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session %q: %w", id, err)
	}

	written, err := saveScript.Run(ctx, s.client, []string{s.key(id)}, data, state.Version, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis save %q: %w", id, err)
	}
	if written == 0 {
		return fmt.Errorf("session %q: %w", id, ErrVersionConflict)
	}
	return nil
}

// Delete removes the session hash.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", id, err)
	}
	return nil
}

// Sweep is a no-op: Redis expires session keys itself.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
