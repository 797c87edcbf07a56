package broker

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskflow/internal/metrics"
	"taskflow/pkg"
)

var (
	// ErrDeliveryOverflow closes a subscription whose outbound queue filled up
	ErrDeliveryOverflow = errors.New("outbound queue overflow")
	// ErrUnsubscribed is the close reason of a subscription removed by its owner
	ErrUnsubscribed = errors.New("unsubscribed")
)

// Subscription binds one connection to one workspace. Envelopes arrive on C()
// in publish order; C() is closed when the subscription ends and Err() then
// reports why.
type Subscription struct {
	ID          string
	WorkspaceID string
	Principal   string

	ch     chan pkg.EventEnvelope
	mu     sync.Mutex
	closed bool
	err    error
}

func (s *Subscription) C() <-chan pkg.EventEnvelope { return s.ch }

// Err returns the close reason, or nil while the subscription is live
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// offer enqueues without blocking. A full queue closes the subscription.
func (s *Subscription) offer(env pkg.EventEnvelope) (delivered, overflowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- env:
		return true, false
	default:
		s.closeLocked(ErrDeliveryOverflow)
		return false, true
	}
}

func (s *Subscription) close(reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(reason)
}

func (s *Subscription) closeLocked(reason error) bool {
	if s.closed {
		return false
	}
	s.closed = true
	s.err = reason
	close(s.ch)
	return true
}

// Broker fans envelopes out to the subscriptions of their workspace only
type Broker struct {
	queueSize int
	log       zerolog.Logger

	mu     sync.RWMutex
	topics map[string]map[string]*Subscription
}

func New(queueSize int, log zerolog.Logger) *Broker {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Broker{
		queueSize: queueSize,
		log:       log,
		topics:    make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers a new subscription for workspaceID
func (b *Broker) Subscribe(workspaceID, principal string) *Subscription {
	sub := &Subscription{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Principal:   principal,
		ch:          make(chan pkg.EventEnvelope, b.queueSize),
	}

	b.mu.Lock()
	subs, ok := b.topics[workspaceID]
	if !ok {
		subs = make(map[string]*Subscription)
		b.topics[workspaceID] = subs
	}
	subs[sub.ID] = sub
	b.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	b.log.Debug().
		Str("workspace", workspaceID).
		Str("subscription", sub.ID).
		Str("principal", principal).
		Msg("subscribed")
	return sub
}

// Unsubscribe removes and closes sub. Safe to call more than once.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if b.remove(sub) {
		metrics.ActiveSubscriptions.Dec()
	}
	sub.close(ErrUnsubscribed)
}

func (b *Broker) remove(sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[sub.WorkspaceID]
	if !ok {
		return false
	}
	if _, ok := subs[sub.ID]; !ok {
		return false
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(b.topics, sub.WorkspaceID)
	}
	return true
}

// Publish delivers env to every subscription of env.WorkspaceID without
// blocking. Subscriptions that cannot keep up are closed with
// ErrDeliveryOverflow and removed; nothing is reported to the producer.
func (b *Broker) Publish(env pkg.EventEnvelope) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.topics[env.WorkspaceID]))
	for _, s := range b.topics[env.WorkspaceID] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.WorkspaceID != env.WorkspaceID {
			continue
		}
		delivered, overflowed := s.offer(env)
		if delivered {
			metrics.EnvelopesDelivered.Inc()
		}
		if overflowed {
			metrics.OverflowDisconnects.Inc()
			if b.remove(s) {
				metrics.ActiveSubscriptions.Dec()
			}
			b.log.Warn().
				Str("workspace", env.WorkspaceID).
				Str("subscription", s.ID).
				Uint64("seq", env.Seq).
				Msg("outbound queue full, subscription closed")
		}
	}
}

// SubscriberCount returns the number of live subscriptions for workspaceID
func (b *Broker) SubscriberCount(workspaceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[workspaceID])
}

// Close ends every subscription
func (b *Broker) Close() {
	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[string]map[string]*Subscription)
	b.mu.Unlock()

	for _, subs := range topics {
		for _, s := range subs {
			metrics.ActiveSubscriptions.Dec()
			s.close(ErrUnsubscribed)
		}
	}
}
