package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskflow/pkg"
)

// Presence tracks which sessions are connected. Entries expire unless touched,
// so a crashed server does not leave ghosts behind.
type Presence interface {
	Register(ctx context.Context, connID string, s pkg.Session) error
	Touch(ctx context.Context, connID string) error
	Remove(ctx context.Context, connID string) error
}

// MemoryPresence is an in-memory Presence for single-node use and tests
type MemoryPresence struct {
	mu       sync.RWMutex
	sessions map[string]pkg.Session
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{sessions: make(map[string]pkg.Session)}
}

func (m *MemoryPresence) Register(ctx context.Context, connID string, s pkg.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[connID] = s
	return nil
}

func (m *MemoryPresence) Touch(ctx context.Context, connID string) error { return nil }

func (m *MemoryPresence) Remove(ctx context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, connID)
	return nil
}

// Get returns the session registered for connID
func (m *MemoryPresence) Get(connID string) (pkg.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[connID]
	return s, ok
}

// Count returns the number of sessions watching workspaceID
func (m *MemoryPresence) Count(workspaceID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.WorkspaceID == workspaceID {
			n++
		}
	}
	return n
}

// RedisPresence stores sessions under {prefix}presence:{connID} with a TTL
// refreshed on every heartbeat.
type RedisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisPresence(client *redis.Client, prefix string, ttl time.Duration) *RedisPresence {
	return &RedisPresence{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisPresence) key(connID string) string {
	return r.prefix + "presence:" + connID
}

func (r *RedisPresence) Register(ctx context.Context, connID string, s pkg.Session) error {
	data, err := sonic.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(connID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to register presence: %w", err)
	}
	return nil
}

func (r *RedisPresence) Touch(ctx context.Context, connID string) error {
	if err := r.client.Expire(ctx, r.key(connID), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

func (r *RedisPresence) Remove(ctx context.Context, connID string) error {
	if err := r.client.Del(ctx, r.key(connID)).Err(); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}
