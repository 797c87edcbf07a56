package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/pkg"
)

func TestDecode_RejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"workspaceId":"ws"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncode_EventFrameShape(t *testing.T) {
	data, err := Encode(Frame{
		Type:  FrameEvent,
		Event: &pkg.EventEnvelope{WorkspaceID: "ws", Seq: 7, Type: pkg.EventDependencyUnblocked, EntityIDs: []string{"a"}},
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"event"`)
	assert.Contains(t, string(data), `"seq":7`)
	assert.Contains(t, string(data), `"dependency.unblocked"`)

	f, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, f.Event)
	assert.Equal(t, []string{"a"}, f.Event.EntityIDs)
}

func TestPipe(t *testing.T) {
	a, b := Pipe(4)
	ctx := context.Background()

	require.NoError(t, a.WriteFrame(ctx, Frame{Type: FrameHello, Principal: "alice"}))
	f, err := b.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", f.Principal)

	require.NoError(t, b.WriteFrame(ctx, Frame{Type: FrameHeartbeat}))
	require.NoError(t, b.Close())

	f, err = a.ReadFrame(ctx)
	require.NoError(t, err, "frames written before close are delivered")
	assert.Equal(t, FrameHeartbeat, f.Type)

	_, err = a.ReadFrame(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.WriteFrame(ctx, Frame{Type: FrameHeartbeat}), ErrClosed)
}

func TestWSTransport_RoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tr := NewWSTransport(conn, time.Second)
		defer tr.Close()
		f, err := tr.ReadFrame(r.Context())
		if err != nil {
			return
		}
		_ = tr.WriteFrame(r.Context(), Frame{Type: FrameSubscribed, WorkspaceID: f.WorkspaceID, Seq: 3})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	client := NewWSTransport(conn, time.Second)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.WriteFrame(ctx, Frame{Type: FrameHello, Principal: "alice", WorkspaceID: "ws1"}))
	f, err := client.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, FrameSubscribed, f.Type)
	assert.Equal(t, "ws1", f.WorkspaceID)
	assert.Equal(t, uint64(3), f.Seq)
}

func TestWSTransport_ReadHonoursCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	client := NewWSTransport(conn, time.Second)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.ReadFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
