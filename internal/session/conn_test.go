package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/broker"
	"taskflow/internal/config"
	"taskflow/internal/events"
	"taskflow/internal/protocol"
	"taskflow/internal/storage"
	"taskflow/pkg"
)

type harness struct {
	broker   *broker.Broker
	encoder  *events.Encoder
	presence *MemoryPresence
	deps     Deps
	cfg      config.SessionConfig
}

func newHarness(t *testing.T, queueSize int) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateWorkspace(ctx, &pkg.Workspace{ID: "ws1", Members: []string{"alice", "bob"}}))
	require.NoError(t, store.CreateWorkspace(ctx, &pkg.Workspace{ID: "ws2", Members: []string{"alice"}}))

	b := broker.New(queueSize, zerolog.Nop())
	enc := events.NewEncoder(events.NewMemorySequencer(), b, zerolog.Nop())
	presence := NewMemoryPresence()
	return &harness{
		broker:   b,
		encoder:  enc,
		presence: presence,
		deps: Deps{
			Broker:   b,
			Auth:     NewStoreAuthorizer(store),
			Sequence: enc,
			Presence: presence,
		},
		cfg: config.SessionConfig{
			HeartbeatInterval: time.Hour,
			MissedHeartbeats:  1,
			HandshakeTimeout:  time.Second,
		},
	}
}

// start serves a connection on one end of a pipe and returns the other end
func (h *harness) start(t *testing.T, principal string) (*Conn, *protocol.PipeTransport, <-chan error) {
	t.Helper()
	server, client := protocol.Pipe(64)
	conn := NewConn(server, h.deps, h.cfg, principal, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- conn.Serve(context.Background()) }()
	t.Cleanup(func() { _ = client.Close() })
	return conn, client, done
}

func read(t *testing.T, tr protocol.Transport) protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := tr.ReadFrame(ctx)
	require.NoError(t, err)
	return f
}

// readUntil skips heartbeats
func readUntil(t *testing.T, tr protocol.Transport, typ protocol.FrameType) protocol.Frame {
	t.Helper()
	for {
		f := read(t, tr)
		if f.Type == typ {
			return f
		}
		require.Equal(t, protocol.FrameHeartbeat, f.Type, "unexpected frame %+v", f)
	}
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not finish")
		return nil
	}
}

func hello(t *testing.T, tr protocol.Transport, principal, ws string) {
	t.Helper()
	require.NoError(t, tr.WriteFrame(context.Background(), protocol.Frame{Type: protocol.FrameHello, Principal: principal, WorkspaceID: ws}))
}

func TestServe_SubscribeAckCarriesSequence(t *testing.T) {
	h := newHarness(t, 16)
	_, err := h.encoder.Emit(context.Background(), "ws1", "", events.Change{Type: pkg.EventTaskCreated})
	require.NoError(t, err)

	conn, client, done := h.start(t, "")
	hello(t, client, "alice", "ws1")

	ack := read(t, client)
	assert.Equal(t, protocol.FrameSubscribed, ack.Type)
	assert.Equal(t, "ws1", ack.WorkspaceID)
	assert.Equal(t, uint64(1), ack.Seq)
	assert.Equal(t, StateSubscribed, conn.State())
	assert.Equal(t, 1, h.broker.SubscriberCount("ws1"))
	assert.Equal(t, 1, h.presence.Count("ws1"))

	_, err = h.encoder.Emit(context.Background(), "ws1", "bob", events.Change{Type: pkg.EventTaskUpdated, EntityIDs: []string{"t1"}})
	require.NoError(t, err)
	ev := read(t, client)
	require.Equal(t, protocol.FrameEvent, ev.Type)
	assert.Equal(t, uint64(2), ev.Event.Seq)
	assert.Equal(t, "bob", ev.Event.Actor)

	require.NoError(t, client.Close())
	assert.NoError(t, wait(t, done))
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, 0, h.broker.SubscriberCount("ws1"))
	assert.Equal(t, 0, h.presence.Count("ws1"))
}

func TestServe_DeniedLeavesNoState(t *testing.T) {
	h := newHarness(t, 16)
	_, client, done := h.start(t, "")
	hello(t, client, "bob", "ws2")

	f := read(t, client)
	assert.Equal(t, protocol.FrameError, f.Type)
	assert.Equal(t, protocol.CodeDenied, f.Code)

	assert.ErrorIs(t, wait(t, done), ErrSubscriptionDenied)
	assert.Equal(t, 0, h.broker.SubscriberCount("ws2"))
	assert.Equal(t, 0, h.presence.Count("ws2"))
}

func TestServe_PinnedPrincipalMismatch(t *testing.T) {
	h := newHarness(t, 16)
	_, client, done := h.start(t, "bob")
	hello(t, client, "alice", "ws1")

	f := read(t, client)
	assert.Equal(t, protocol.CodeDenied, f.Code)
	assert.ErrorIs(t, wait(t, done), ErrSubscriptionDenied)
}

func TestServe_HeartbeatTimeout(t *testing.T) {
	h := newHarness(t, 16)
	h.cfg.HeartbeatInterval = 20 * time.Millisecond
	h.cfg.MissedHeartbeats = 3

	conn, client, done := h.start(t, "")
	hello(t, client, "alice", "ws1")
	readUntil(t, client, protocol.FrameSubscribed)

	// the server keeps sending heartbeats while we stay silent
	hb := read(t, client)
	assert.Equal(t, protocol.FrameHeartbeat, hb.Type)

	errFrame := readUntil(t, client, protocol.FrameError)
	assert.Equal(t, protocol.CodeHeartbeat, errFrame.Code)
	assert.ErrorIs(t, wait(t, done), ErrHeartbeatTimeout)
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, 0, h.broker.SubscriberCount("ws1"))
}

func TestServe_ClientHeartbeatsKeepConnectionAlive(t *testing.T) {
	h := newHarness(t, 16)
	h.cfg.HeartbeatInterval = 50 * time.Millisecond
	h.cfg.MissedHeartbeats = 4

	conn, client, done := h.start(t, "")
	hello(t, client, "alice", "ws1")
	readUntil(t, client, protocol.FrameSubscribed)

	for i := 0; i < 8; i++ {
		require.NoError(t, client.WriteFrame(context.Background(), protocol.Frame{Type: protocol.FrameHeartbeat}))
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, StateSubscribed, conn.State())

	require.NoError(t, client.Close())
	assert.NoError(t, wait(t, done))
}

func TestServe_SwitchWorkspace(t *testing.T) {
	h := newHarness(t, 16)
	conn, client, done := h.start(t, "")
	hello(t, client, "alice", "ws1")
	readUntil(t, client, protocol.FrameSubscribed)

	require.NoError(t, client.WriteFrame(context.Background(), protocol.Frame{Type: protocol.FrameSwitch, WorkspaceID: "ws2"}))
	ack := readUntil(t, client, protocol.FrameSubscribed)
	assert.Equal(t, "ws2", ack.WorkspaceID)
	assert.Equal(t, pkg.Session{Principal: "alice", WorkspaceID: "ws2"}, conn.Session())
	assert.Equal(t, 0, h.broker.SubscriberCount("ws1"))
	assert.Equal(t, 1, h.broker.SubscriberCount("ws2"))

	_, err := h.encoder.Emit(context.Background(), "ws1", "", events.Change{Type: pkg.EventTaskUpdated})
	require.NoError(t, err)
	_, err = h.encoder.Emit(context.Background(), "ws2", "", events.Change{Type: pkg.EventTaskCreated})
	require.NoError(t, err)

	ev := readUntil(t, client, protocol.FrameEvent)
	assert.Equal(t, "ws2", ev.Event.WorkspaceID, "old workspace envelopes never arrive after a switch")
	assert.Equal(t, pkg.EventTaskCreated, ev.Event.Type)

	require.NoError(t, client.Close())
	assert.NoError(t, wait(t, done))
}

func TestServe_SwitchDenied(t *testing.T) {
	h := newHarness(t, 16)
	_, client, done := h.start(t, "")
	hello(t, client, "bob", "ws1")
	readUntil(t, client, protocol.FrameSubscribed)

	require.NoError(t, client.WriteFrame(context.Background(), protocol.Frame{Type: protocol.FrameSwitch, WorkspaceID: "ws2"}))
	f := readUntil(t, client, protocol.FrameError)
	assert.Equal(t, protocol.CodeDenied, f.Code)
	assert.ErrorIs(t, wait(t, done), ErrSubscriptionDenied)
	assert.Equal(t, 0, h.broker.SubscriberCount("ws1"))
	assert.Equal(t, 0, h.broker.SubscriberCount("ws2"))
}

// stalledTransport blocks every event write so the outbound queue fills
type stalledTransport struct {
	*protocol.PipeTransport
	release chan struct{}
}

func (s *stalledTransport) WriteFrame(ctx context.Context, f protocol.Frame) error {
	if f.Type == protocol.FrameEvent {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.PipeTransport.WriteFrame(ctx, f)
}

func TestServe_OverflowForcesResync(t *testing.T) {
	h := newHarness(t, 2)
	server, client := protocol.Pipe(64)
	stalled := &stalledTransport{PipeTransport: server, release: make(chan struct{})}
	conn := NewConn(stalled, h.deps, h.cfg, "", zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- conn.Serve(context.Background()) }()
	defer client.Close()

	hello(t, client, "alice", "ws1")
	readUntil(t, client, protocol.FrameSubscribed)

	// one envelope is held by the stalled writer, two fill the queue, the next overflows
	for i := 0; i < 6; i++ {
		_, err := h.encoder.Emit(context.Background(), "ws1", "", events.Change{Type: pkg.EventTaskUpdated})
		require.NoError(t, err)
	}
	close(stalled.release)

	var resync protocol.Frame
	for {
		f := read(t, client)
		if f.Type == protocol.FrameResync {
			resync = f
			break
		}
		require.Equal(t, protocol.FrameEvent, f.Type)
	}
	assert.Equal(t, "ws1", resync.WorkspaceID)

	f := read(t, client)
	assert.Equal(t, protocol.CodeOverflow, f.Code)
	assert.ErrorIs(t, wait(t, done), broker.ErrDeliveryOverflow)
	assert.Equal(t, 0, h.broker.SubscriberCount("ws1"))
}

func TestServe_HandshakeRequiresHello(t *testing.T) {
	h := newHarness(t, 16)
	_, client, done := h.start(t, "")
	require.NoError(t, client.WriteFrame(context.Background(), protocol.Frame{Type: protocol.FrameHeartbeat}))

	f := read(t, client)
	assert.Equal(t, protocol.CodeProtocol, f.Code)
	assert.Error(t, wait(t, done))
}

func TestStoreAuthorizer(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateWorkspace(context.Background(), &pkg.Workspace{ID: "ws1", Members: []string{"alice"}}))
	auth := NewStoreAuthorizer(store)

	assert.NoError(t, auth.Authorize(context.Background(), "alice", "ws1"))
	assert.ErrorIs(t, auth.Authorize(context.Background(), "mallory", "ws1"), ErrSubscriptionDenied)
	assert.ErrorIs(t, auth.Authorize(context.Background(), "alice", "nope"), ErrSubscriptionDenied)
	assert.ErrorIs(t, auth.Authorize(context.Background(), "", "ws1"), ErrSubscriptionDenied)
}

type failingReader struct{}

func (failingReader) GetWorkspace(ctx context.Context, id string) (*pkg.Workspace, error) {
	return nil, errors.New("store down")
}

func TestStoreAuthorizer_StoreErrorIsNotDenial(t *testing.T) {
	err := NewStoreAuthorizer(failingReader{}).Authorize(context.Background(), "alice", "ws1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSubscriptionDenied))
}

func TestRedisPresence(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	p := NewRedisPresence(client, "tf:", time.Minute)
	ctx := context.Background()

	require.NoError(t, p.Register(ctx, "c1", pkg.Session{Principal: "alice", WorkspaceID: "ws1"}))
	assert.True(t, mr.Exists("tf:presence:c1"))
	assert.Equal(t, time.Minute, mr.TTL("tf:presence:c1"))

	mr.FastForward(30 * time.Second)
	require.NoError(t, p.Touch(ctx, "c1"))
	assert.Equal(t, time.Minute, mr.TTL("tf:presence:c1"))

	require.NoError(t, p.Remove(ctx, "c1"))
	assert.False(t, mr.Exists("tf:presence:c1"))
}
