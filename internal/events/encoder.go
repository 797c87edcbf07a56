package events

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskflow/internal/metrics"
	"taskflow/pkg"
)

// Change is one accepted state change waiting for its sequence number
type Change struct {
	Type      pkg.EventType
	EntityIDs []string
	Payload   pkg.EventPayload
}

// Publisher receives sequenced envelopes. Publish must not block on consumers.
type Publisher interface {
	Publish(env pkg.EventEnvelope)
}

// Encoder turns changes into ordered envelopes. Per workspace it is the single
// serialization point: store writes, sequence assignment and hand-off to the
// publisher all happen under one workspace lock, so envelopes reach the
// publisher in sequence order and snapshots never straddle a commit.
type Encoder struct {
	seq Sequencer
	pub Publisher
	log zerolog.Logger
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type EncoderOption func(*Encoder)

// WithClock overrides the emission timestamp source
func WithClock(now func() time.Time) EncoderOption {
	return func(e *Encoder) { e.now = now }
}

func NewEncoder(seq Sequencer, pub Publisher, log zerolog.Logger, opts ...EncoderOption) *Encoder {
	e := &Encoder{
		seq:   seq,
		pub:   pub,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Encoder) lock(workspaceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[workspaceID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[workspaceID] = l
	}
	return l
}

// Commit runs apply under the workspace lock, then sequences and publishes
// the changes it returns, in order. If apply fails nothing is emitted.
//
// A sequencing failure after apply succeeded leaves the store ahead of the
// event stream; the envelopes sequenced so far are still published and the
// error is returned so the caller can report it. Clients recover through the
// gap they will observe.
func (e *Encoder) Commit(ctx context.Context, workspaceID, actor string, apply func(ctx context.Context) ([]Change, error)) ([]pkg.EventEnvelope, error) {
	l := e.lock(workspaceID)
	l.Lock()
	defer l.Unlock()

	changes, err := apply(ctx)
	if err != nil {
		return nil, err
	}

	envs := make([]pkg.EventEnvelope, 0, len(changes))
	for _, c := range changes {
		seq, err := e.seq.Next(ctx, workspaceID)
		if err != nil {
			e.log.Error().Err(err).
				Str("workspace", workspaceID).
				Str("type", string(c.Type)).
				Msg("failed to sequence change")
			e.publish(envs)
			return envs, fmt.Errorf("failed to sequence %s: %w", c.Type, err)
		}
		envs = append(envs, e.envelope(workspaceID, actor, seq, c))
	}

	e.publish(envs)
	return envs, nil
}

// Emit sequences and publishes changes that need no store write
func (e *Encoder) Emit(ctx context.Context, workspaceID, actor string, changes ...Change) ([]pkg.EventEnvelope, error) {
	return e.Commit(ctx, workspaceID, actor, func(context.Context) ([]Change, error) {
		return changes, nil
	})
}

// Snapshot runs read with the current sequence of the workspace while holding
// the workspace lock, so the read reflects exactly the envelopes up to seq.
func (e *Encoder) Snapshot(ctx context.Context, workspaceID string, read func(ctx context.Context, seq uint64) error) error {
	l := e.lock(workspaceID)
	l.Lock()
	defer l.Unlock()

	seq, err := e.seq.Current(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to read current sequence: %w", err)
	}
	return read(ctx, seq)
}

// Current returns the last sequence number assigned for the workspace
func (e *Encoder) Current(ctx context.Context, workspaceID string) (uint64, error) {
	return e.seq.Current(ctx, workspaceID)
}

func (e *Encoder) envelope(workspaceID, actor string, seq uint64, c Change) pkg.EventEnvelope {
	return pkg.EventEnvelope{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Type:        c.Type,
		EntityIDs:   slices.Clone(c.EntityIDs),
		Payload:     clonePayload(c.Payload),
		Seq:         seq,
		EmittedAt:   e.now(),
		Actor:       actor,
	}
}

func (e *Encoder) publish(envs []pkg.EventEnvelope) {
	for _, env := range envs {
		metrics.EnvelopesEmitted.WithLabelValues(string(env.Type)).Inc()
		e.log.Debug().
			Str("workspace", env.WorkspaceID).
			Uint64("seq", env.Seq).
			Str("type", string(env.Type)).
			Msg("envelope emitted")
		if e.pub != nil {
			e.pub.Publish(env)
		}
	}
}

// clonePayload detaches the envelope from the caller's entities
func clonePayload(p pkg.EventPayload) pkg.EventPayload {
	out := pkg.EventPayload{PreviousStatus: p.PreviousStatus}
	out.Task = p.Task.Clone()
	if p.Project != nil {
		v := *p.Project
		out.Project = &v
	}
	if p.Edge != nil {
		v := *p.Edge
		out.Edge = &v
	}
	if p.Comment != nil {
		v := *p.Comment
		out.Comment = &v
	}
	if p.Notification != nil {
		v := *p.Notification
		out.Notification = &v
	}
	return out
}
