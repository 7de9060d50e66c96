// Package ratelimit throttles outgoing API calls. It combines a local token
// bucket with the push-back window the server announces through Retry-After,
// optionally shared across processes through Redis.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys for shared throttle state.
const (
	RedisKeyBlockedUntil = "scalr:rate_limit:blocked_until"
	RedisKeyLastUpdate   = "scalr:rate_limit:last_update"
)

// State is the server-imposed throttle window.
type State struct {
	// BlockedUntil is when requests may resume. Zero means not blocked.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is when this state was recorded.
	LastUpdate time.Time `json:"last_update"`
}

// IsBlocked reports whether the window is still open at now.
func (s State) IsBlocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// TimeUntilUnblocked returns the remaining wait, or 0 once the window has passed.
func (s State) TimeUntilUnblocked(now time.Time) time.Duration {
	d := s.BlockedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Store persists throttle state.
type Store interface {
	Get(ctx context.Context) (State, error)
	Set(ctx context.Context, state State) error
}

// MemoryStore keeps state inside the process.
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Get(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// Set keeps the later of the stored and the new block window.
func (m *MemoryStore) Set(ctx context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state.BlockedUntil.After(m.state.BlockedUntil) {
		m.state.BlockedUntil = state.BlockedUntil
	}
	m.state.LastUpdate = state.LastUpdate
	return nil
}

// RedisStore shares state between all clients using the same Redis.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

// Get returns the shared state. Missing keys mean "not blocked".
func (r *RedisStore) Get(ctx context.Context) (State, error) {
	blockedUntil, err := r.redis.Get(ctx, RedisKeyBlockedUntil).Int64()
	if err != nil && err != redis.Nil {
		return State{}, fmt.Errorf("get blocked until: %w", err)
	}
	if err == redis.Nil {
		return State{}, nil
	}

	state := State{BlockedUntil: time.UnixMilli(blockedUntil)}

	lastUpdateStr, err := r.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return State{}, fmt.Errorf("get last update: %w", err)
	}
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &state.LastUpdate); err != nil {
			return State{}, fmt.Errorf("parse last update: %w", err)
		}
	}
	return state, nil
}

// setLaterScript stores a block window unless a later one is already there.
// Both keys expire when the stored window closes.
var setLaterScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]))
	local blocked_until = tonumber(ARGV[1])
	local ttl_ms = tonumber(ARGV[3])

	if current and current >= blocked_until then
		redis.call('SET', KEYS[2], ARGV[2], 'KEEPTTL')
		return 0
	end

	redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl_ms)
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ttl_ms)
	return 1
`)

// Set keeps the later of the stored and the new block window, atomically
// across every process sharing the Redis.
func (r *RedisStore) Set(ctx context.Context, state State) error {
	ttl := time.Until(state.BlockedUntil)
	if ttl <= 0 {
		return nil
	}
	ttlMillis := ttl.Milliseconds()
	if ttlMillis < 1 {
		ttlMillis = 1
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	keys := []string{RedisKeyBlockedUntil, RedisKeyLastUpdate}
	if err := setLaterScript.Run(ctx, r.redis, keys,
		state.BlockedUntil.UnixMilli(), string(lastUpdateJSON), ttlMillis).Err(); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}
