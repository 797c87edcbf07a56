package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"taskflow/pkg"
)

// PrincipalHeader carries the caller identity on HTTP requests and the
// websocket upgrade. It is set by an authenticating proxy in front of the server.
const PrincipalHeader = "X-Principal"

// FrameType identifies a frame on the live-update connection
type FrameType string

const (
	// client -> server
	FrameHello  FrameType = "hello"
	FrameSwitch FrameType = "switch"
	// both directions
	FrameHeartbeat FrameType = "heartbeat"
	// server -> client
	FrameSubscribed FrameType = "subscribed"
	FrameEvent      FrameType = "event"
	FrameResync     FrameType = "resync"
	FrameError      FrameType = "error"
)

// Error codes carried by FrameError
const (
	CodeDenied    = "subscription_denied"
	CodeOverflow  = "delivery_overflow"
	CodeProtocol  = "protocol_error"
	CodeHeartbeat = "heartbeat_timeout"
)

// Frame is the single message shape exchanged over a connection.
// Seq on subscribed and resync frames is the workspace sequence the client
// should treat as its baseline.
type Frame struct {
	Type        FrameType          `json:"type"`
	Principal   string             `json:"principal,omitempty"`
	WorkspaceID string             `json:"workspaceId,omitempty"`
	Seq         uint64             `json:"seq,omitempty"`
	Event       *pkg.EventEnvelope `json:"event,omitempty"`
	Error       string             `json:"error,omitempty"`
	Code        string             `json:"code,omitempty"`
}

func Encode(f Frame) ([]byte, error) {
	data, err := sonic.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := sonic.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("failed to decode frame: missing type")
	}
	return f, nil
}

// ErrClosed is returned by a Transport that has been closed
var ErrClosed = errors.New("transport closed")

// Transport is a framed, ordered, bidirectional channel. ReadFrame is called
// from one goroutine only; WriteFrame may be called concurrently.
type Transport interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// WSTransport carries frames as websocket text messages
type WSTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func NewWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *WSTransport {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSTransport{conn: conn, writeTimeout: writeTimeout}
}

// ReadFrame blocks until a frame arrives. Cancelling ctx unblocks it by
// expiring the read deadline.
func (t *WSTransport) ReadFrame(ctx context.Context) (Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}

	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Frame{}, ErrClosed
		}
		return Frame{}, fmt.Errorf("failed to read frame: %w", err)
	}
	return Decode(data)
}

func (t *WSTransport) WriteFrame(ctx context.Context, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close sends a close message and closes the underlying connection
func (t *WSTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}
