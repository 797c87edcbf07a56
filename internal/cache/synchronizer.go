package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"taskflow/internal/metrics"
	"taskflow/pkg"
)

var (
	// ErrWorkspaceMismatch is returned for an envelope of a workspace the cache is not bound to
	ErrWorkspaceMismatch = errors.New("envelope belongs to another workspace")
	// ErrSequenceGap marks a detected gap whose refetch failed; the cache stays invalid until a refetch succeeds
	ErrSequenceGap = errors.New("sequence gap")
)

// Refetcher loads a full workspace baseline from the CRUD interface
type Refetcher interface {
	Snapshot(ctx context.Context, workspaceID string) (*pkg.WorkspaceSnapshot, error)
}

// Result tells what Apply did with an envelope
type Result int

const (
	Applied Result = iota
	Duplicate
	Resynced
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Resynced:
		return "resynced"
	}
	return "unknown"
}

// Synchronizer applies a workspace's envelope stream to a local cache,
// exactly once in effect. Envelopes at or below the last applied sequence are
// dropped; a jump past the next expected sequence invalidates the whole cache
// and reloads it from the Refetcher instead of patching around the hole.
type Synchronizer struct {
	refetch Refetcher
	log     zerolog.Logger

	onApplied func(pkg.EventEnvelope)
	onResync  func(*pkg.WorkspaceSnapshot)

	mu      sync.RWMutex
	session pkg.Session
	cache   *Cache
	loaded  bool
	stale   bool
}

type Option func(*Synchronizer)

// OnApplied is called after each envelope is applied, under the cache lock
func OnApplied(fn func(pkg.EventEnvelope)) Option {
	return func(s *Synchronizer) { s.onApplied = fn }
}

// OnResync is called after each successful refetch, under the cache lock
func OnResync(fn func(*pkg.WorkspaceSnapshot)) Option {
	return func(s *Synchronizer) { s.onResync = fn }
}

func NewSynchronizer(session pkg.Session, refetch Refetcher, log zerolog.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		refetch: refetch,
		log:     log,
		session: session,
		cache:   newCache(session.WorkspaceID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply applies one envelope
func (s *Synchronizer) Apply(ctx context.Context, env pkg.EventEnvelope) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if env.WorkspaceID != s.session.WorkspaceID {
		return Duplicate, fmt.Errorf("%w: got %s, bound to %s", ErrWorkspaceMismatch, env.WorkspaceID, s.session.WorkspaceID)
	}

	switch {
	case s.stale:
		// a failed refetch left the cache invalid; nothing may be patched onto it
		return s.resyncThenApply(ctx, env)
	case env.Seq <= s.cache.LastSeq:
		s.log.Debug().Uint64("seq", env.Seq).Uint64("last", s.cache.LastSeq).Msg("duplicate envelope dropped")
		return Duplicate, nil
	case env.Seq > s.cache.LastSeq+1:
		s.log.Warn().Uint64("seq", env.Seq).Uint64("last", s.cache.LastSeq).Msg("sequence gap, refetching")
		return s.resyncThenApply(ctx, env)
	}

	s.applyLocked(env)
	return Applied, nil
}

func (s *Synchronizer) resyncThenApply(ctx context.Context, env pkg.EventEnvelope) (Result, error) {
	if err := s.resyncLocked(ctx); err != nil {
		return Resynced, err
	}
	// the baseline already covers env, or env is exactly the next one
	if env.Seq == s.cache.LastSeq+1 {
		s.applyLocked(env)
	}
	return Resynced, nil
}

func (s *Synchronizer) applyLocked(env pkg.EventEnvelope) {
	s.cache.apply(env)
	s.loaded = true
	if s.onApplied != nil {
		s.onApplied(env)
	}
}

// Resync invalidates every collection and reloads the workspace
func (s *Synchronizer) Resync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncLocked(ctx)
}

func (s *Synchronizer) resyncLocked(ctx context.Context) error {
	metrics.ClientRefetches.Inc()
	ws := s.session.WorkspaceID
	s.cache = newCache(ws)
	s.loaded = false
	s.stale = true

	snap, err := s.refetch.Snapshot(ctx, ws)
	if err != nil {
		s.log.Error().Err(err).Str("workspace", ws).Msg("refetch failed")
		return fmt.Errorf("failed to refetch after %w: %w", ErrSequenceGap, err)
	}
	if snap.WorkspaceID != ws {
		return fmt.Errorf("%w: snapshot for %s", ErrWorkspaceMismatch, snap.WorkspaceID)
	}

	s.cache.load(snap)
	s.loaded = true
	s.stale = false
	s.log.Info().Str("workspace", ws).Uint64("seq", snap.Seq).Int("tasks", len(snap.Tasks)).Msg("cache refetched")
	if s.onResync != nil {
		s.onResync(snap)
	}
	return nil
}

// Reset drops the cache wholesale and binds the synchronizer to a new session
func (s *Synchronizer) Reset(session pkg.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.cache = newCache(session.WorkspaceID)
	s.loaded = false
	s.stale = false
}

// HandleSubscribed reacts to a subscription acknowledgement. A different
// workspace resets the cache; a baseline that does not match the last
// applied sequence forces a refetch.
func (s *Synchronizer) HandleSubscribed(ctx context.Context, workspaceID string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if workspaceID != s.session.WorkspaceID {
		s.session.WorkspaceID = workspaceID
		s.cache = newCache(workspaceID)
		s.loaded = false
		s.stale = false
	}
	if !s.stale && seq == s.cache.LastSeq {
		s.loaded = true
		return nil
	}
	return s.resyncLocked(ctx)
}

// HandleEvent applies an envelope delivered by the connection
func (s *Synchronizer) HandleEvent(ctx context.Context, env pkg.EventEnvelope) error {
	_, err := s.Apply(ctx, env)
	return err
}

// HandleResync reacts to the server telling us our cache may be stale
func (s *Synchronizer) HandleResync(ctx context.Context, workspaceID string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if workspaceID != s.session.WorkspaceID {
		return fmt.Errorf("%w: resync for %s", ErrWorkspaceMismatch, workspaceID)
	}
	s.log.Warn().Uint64("seq", seq).Msg("server requested resync")
	return s.resyncLocked(ctx)
}

func (s *Synchronizer) Session() pkg.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

func (s *Synchronizer) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.LastSeq
}

// Loaded reports whether the cache holds a valid baseline
func (s *Synchronizer) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

func (s *Synchronizer) Task(id string) (pkg.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache.Tasks[id]
	if !ok {
		return pkg.Task{}, false
	}
	return *e.Value.Clone(), true
}

// TaskEntry returns the task with the sequence number that last wrote it
func (s *Synchronizer) TaskEntry(id string) (Entry[pkg.Task], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache.Tasks[id]
	if ok {
		e.Value = *e.Value.Clone()
	}
	return e, ok
}

func (s *Synchronizer) Tasks() []pkg.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := values(s.cache.Tasks, func(t pkg.Task) string { return t.ID })
	for i := range out {
		out[i] = *out[i].Clone()
	}
	return out
}

func (s *Synchronizer) Projects() []pkg.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return values(s.cache.Projects, func(p pkg.Project) string { return p.ID })
}

func (s *Synchronizer) Comments() []pkg.Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return values(s.cache.Comments, func(c pkg.Comment) string { return c.ID })
}

func (s *Synchronizer) Notifications() []pkg.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return values(s.cache.Notifications, func(n pkg.Notification) string { return n.ID })
}
