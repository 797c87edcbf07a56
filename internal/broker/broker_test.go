package broker

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/pkg"
)

func env(ws string, seq uint64) pkg.EventEnvelope {
	return pkg.EventEnvelope{WorkspaceID: ws, Seq: seq, Type: pkg.EventTaskUpdated}
}

func drain(sub *Subscription) []uint64 {
	var out []uint64
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, e.Seq)
		default:
			return out
		}
	}
}

func TestPublish_WorkspaceIsolation(t *testing.T) {
	b := New(8, zerolog.Nop())
	a := b.Subscribe("ws-a", "alice")
	other := b.Subscribe("ws-b", "bob")

	b.Publish(env("ws-a", 1))
	b.Publish(env("ws-b", 1))
	b.Publish(env("ws-a", 2))
	b.Publish(env("ws-c", 1))

	assert.Equal(t, []uint64{1, 2}, drain(a))
	assert.Equal(t, []uint64{1}, drain(other))
}

func TestPublish_EverySubscriberInOrder(t *testing.T) {
	b := New(16, zerolog.Nop())
	subs := []*Subscription{b.Subscribe("ws", "a"), b.Subscribe("ws", "b"), b.Subscribe("ws", "c")}
	for seq := uint64(1); seq <= 10; seq++ {
		b.Publish(env("ws", seq))
	}
	for _, s := range subs {
		assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, drain(s))
	}
}

func TestPublish_OverflowClosesOnlySlowSubscriber(t *testing.T) {
	b := New(2, zerolog.Nop())
	slow := b.Subscribe("ws", "slow")
	fast := b.Subscribe("ws", "fast")

	b.Publish(env("ws", 1))
	b.Publish(env("ws", 2))
	assert.Equal(t, []uint64{1, 2}, drain(fast))

	b.Publish(env("ws", 3)) // slow is full
	assert.Equal(t, []uint64{3}, drain(fast))

	assert.Equal(t, []uint64{1, 2}, drain(slow), "queued envelopes are still readable")
	_, open := <-slow.C()
	assert.False(t, open)
	assert.ErrorIs(t, slow.Err(), ErrDeliveryOverflow)
	assert.NoError(t, fast.Err())
	assert.Equal(t, 1, b.SubscriberCount("ws"))

	// no panic publishing after the slow subscriber closed
	b.Publish(env("ws", 4))
	assert.Equal(t, []uint64{4}, drain(fast))
}

func TestUnsubscribe(t *testing.T) {
	b := New(4, zerolog.Nop())
	s := b.Subscribe("ws", "alice")
	require.Equal(t, 1, b.SubscriberCount("ws"))

	b.Unsubscribe(s)
	b.Unsubscribe(s)
	assert.Equal(t, 0, b.SubscriberCount("ws"))
	assert.ErrorIs(t, s.Err(), ErrUnsubscribed)

	b.Publish(env("ws", 1))
	_, open := <-s.C()
	assert.False(t, open)
}

func TestClose(t *testing.T) {
	b := New(4, zerolog.Nop())
	s1 := b.Subscribe("ws1", "a")
	s2 := b.Subscribe("ws2", "b")
	b.Close()
	assert.ErrorIs(t, s1.Err(), ErrUnsubscribed)
	assert.ErrorIs(t, s2.Err(), ErrUnsubscribed)
	assert.Equal(t, 0, b.SubscriberCount("ws1"))
}
