package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Sequencer hands out the per-workspace sequence numbers. Next must be
// atomic: two callers never receive the same number for one workspace.
type Sequencer interface {
	Next(ctx context.Context, workspaceID string) (uint64, error)
	Current(ctx context.Context, workspaceID string) (uint64, error)
}

// MemorySequencer keeps counters in process memory
type MemorySequencer struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{counters: make(map[string]*atomic.Uint64)}
}

func (s *MemorySequencer) counter(workspaceID string) *atomic.Uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[workspaceID]
	if !ok {
		c = new(atomic.Uint64)
		s.counters[workspaceID] = c
	}
	return c
}

func (s *MemorySequencer) Next(ctx context.Context, workspaceID string) (uint64, error) {
	return s.counter(workspaceID).Add(1), nil
}

func (s *MemorySequencer) Current(ctx context.Context, workspaceID string) (uint64, error) {
	return s.counter(workspaceID).Load(), nil
}

// RedisSequencer keeps counters in Redis so they survive restarts
type RedisSequencer struct {
	client *redis.Client
	prefix string
}

func NewRedisSequencer(client *redis.Client, prefix string) *RedisSequencer {
	return &RedisSequencer{client: client, prefix: prefix}
}

func (s *RedisSequencer) key(workspaceID string) string {
	return s.prefix + "seq:" + workspaceID
}

func (s *RedisSequencer) Next(ctx context.Context, workspaceID string) (uint64, error) {
	n, err := s.client.Incr(ctx, s.key(workspaceID)).Uint64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}
	return n, nil
}

func (s *RedisSequencer) Current(ctx context.Context, workspaceID string) (uint64, error) {
	n, err := s.client.Get(ctx, s.key(workspaceID)).Uint64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return n, nil
}
