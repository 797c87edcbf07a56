package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskflow/internal/broker"
	"taskflow/internal/config"
	"taskflow/internal/metrics"
	"taskflow/internal/protocol"
	"taskflow/pkg"
)

// State of a server-side connection
type State int32

const (
	StateConnecting State = iota
	StateSubscribed
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Subscriber is the broker surface a connection uses
type Subscriber interface {
	Subscribe(workspaceID, principal string) *broker.Subscription
	Unsubscribe(sub *broker.Subscription)
}

// SequenceReader reports the last sequence number emitted for a workspace
type SequenceReader interface {
	Current(ctx context.Context, workspaceID string) (uint64, error)
}

// Deps are the collaborators shared by every connection
type Deps struct {
	Broker   Subscriber
	Auth     Authorizer
	Sequence SequenceReader
	Presence Presence
}

// Conn serves one live-update connection:
//
//	Connecting -> Subscribed -> Disconnected -> Closed
//
// A workspace switch unsubscribes before it resubscribes. The connection never
// reconnects by itself; that is the client's job.
type Conn struct {
	ID string

	transport protocol.Transport
	deps      Deps
	cfg       config.SessionConfig
	log       zerolog.Logger

	// principal is pinned by the transport layer when it already knows who
	// is connecting; a hello frame naming someone else is denied.
	principal string

	state   atomic.Int32
	session pkg.Session
	sub     *broker.Subscription
}

func NewConn(tr protocol.Transport, deps Deps, cfg config.SessionConfig, principal string, log zerolog.Logger) *Conn {
	if deps.Presence == nil {
		deps.Presence = NewMemoryPresence()
	}
	id := uuid.NewString()
	return &Conn{
		ID:        id,
		transport: tr,
		deps:      deps,
		cfg:       cfg,
		log:       log.With().Str("conn", id).Logger(),
		principal: principal,
	}
}

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
	c.log.Debug().Str("state", s.String()).Msg("connection state")
}

// Session returns the identity and workspace the connection is bound to
func (c *Conn) Session() pkg.Session { return c.session }

// Serve runs the connection until the peer leaves, a heartbeat is missed, the
// outbound queue overflows or ctx is cancelled. A clean close by the peer
// returns nil.
func (c *Conn) Serve(ctx context.Context) error {
	c.setState(StateConnecting)
	defer c.teardown()

	hello, err := c.handshake(ctx)
	if err != nil {
		return err
	}
	if err := c.subscribe(ctx, hello.Principal, hello.WorkspaceID); err != nil {
		return err
	}
	return c.loop(ctx)
}

func (c *Conn) handshake(ctx context.Context) (protocol.Frame, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	f, err := c.transport.ReadFrame(hctx)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("failed to read hello: %w", err)
	}
	if f.Type != protocol.FrameHello {
		c.sendError(ctx, protocol.CodeProtocol, "expected hello")
		return protocol.Frame{}, fmt.Errorf("expected hello, got %s", f.Type)
	}
	if c.principal != "" {
		if f.Principal != "" && f.Principal != c.principal {
			c.sendError(ctx, protocol.CodeDenied, "principal mismatch")
			return protocol.Frame{}, fmt.Errorf("%w: principal mismatch", ErrSubscriptionDenied)
		}
		f.Principal = c.principal
	}
	return f, nil
}

// subscribe authorizes, registers with the broker and acknowledges with the
// current sequence. The broker registration comes first so no envelope
// after the acknowledged sequence can be missed.
func (c *Conn) subscribe(ctx context.Context, principal, workspaceID string) error {
	if err := c.deps.Auth.Authorize(ctx, principal, workspaceID); err != nil {
		c.log.Warn().Err(err).Str("principal", principal).Str("workspace", workspaceID).Msg("subscription denied")
		code := protocol.CodeDenied
		if !errors.Is(err, ErrSubscriptionDenied) {
			code = protocol.CodeProtocol
		}
		c.sendError(ctx, code, err.Error())
		return err
	}

	sub := c.deps.Broker.Subscribe(workspaceID, principal)
	seq, err := c.deps.Sequence.Current(ctx, workspaceID)
	if err != nil {
		c.deps.Broker.Unsubscribe(sub)
		return fmt.Errorf("failed to read workspace sequence: %w", err)
	}

	c.sub = sub
	c.session = pkg.Session{Principal: principal, WorkspaceID: workspaceID}
	if err := c.deps.Presence.Register(ctx, c.ID, c.session); err != nil {
		c.log.Warn().Err(err).Msg("failed to register presence")
	}

	c.setState(StateSubscribed)
	if err := c.transport.WriteFrame(ctx, protocol.Frame{
		Type:        protocol.FrameSubscribed,
		Principal:   principal,
		WorkspaceID: workspaceID,
		Seq:         seq,
	}); err != nil {
		return fmt.Errorf("failed to acknowledge subscription: %w", err)
	}

	c.log.Info().
		Str("principal", principal).
		Str("workspace", workspaceID).
		Uint64("seq", seq).
		Msg("session subscribed")
	return nil
}

func (c *Conn) unsubscribe() {
	if c.sub == nil {
		return
	}
	c.deps.Broker.Unsubscribe(c.sub)
	c.sub = nil
}

type readResult struct {
	frame protocol.Frame
	err   error
}

func (c *Conn) loop(ctx context.Context) error {
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	reads := make(chan readResult, 1)
	go func() {
		for {
			f, err := c.transport.ReadFrame(readCtx)
			select {
			case reads <- readResult{frame: f, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	timeout := c.cfg.HeartbeatTimeout()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-c.sub.C():
			if !ok {
				return c.dropped(ctx, lastSeq)
			}
			if env.WorkspaceID != c.session.WorkspaceID {
				// unreachable with a correct broker; never forward across workspaces
				c.log.Error().Str("workspace", env.WorkspaceID).Msg("envelope for foreign workspace dropped")
				continue
			}
			if err := c.transport.WriteFrame(ctx, protocol.Frame{Type: protocol.FrameEvent, Event: &env}); err != nil {
				return fmt.Errorf("failed to deliver envelope: %w", err)
			}
			lastSeq = env.Seq

		case r := <-reads:
			if r.err != nil {
				if errors.Is(r.err, protocol.ErrClosed) {
					return nil
				}
				return r.err
			}
			deadline.Reset(timeout)
			if err := c.handleFrame(ctx, r.frame); err != nil {
				return err
			}
			if r.frame.Type == protocol.FrameSwitch {
				lastSeq = 0
			}

		case <-ticker.C:
			if err := c.transport.WriteFrame(ctx, protocol.Frame{Type: protocol.FrameHeartbeat}); err != nil {
				return fmt.Errorf("failed to send heartbeat: %w", err)
			}
			if err := c.deps.Presence.Touch(ctx, c.ID); err != nil {
				c.log.Warn().Err(err).Msg("failed to refresh presence")
			}

		case <-deadline.C:
			metrics.HeartbeatTimeouts.Inc()
			c.setState(StateDisconnected)
			c.log.Warn().Dur("timeout", timeout).Msg("heartbeat missed, disconnecting")
			c.sendError(ctx, protocol.CodeHeartbeat, ErrHeartbeatTimeout.Error())
			return ErrHeartbeatTimeout
		}
	}
}

func (c *Conn) handleFrame(ctx context.Context, f protocol.Frame) error {
	switch f.Type {
	case protocol.FrameHeartbeat:
		return nil
	case protocol.FrameSwitch:
		if f.WorkspaceID == "" {
			c.sendError(ctx, protocol.CodeProtocol, "switch requires a workspace")
			return fmt.Errorf("switch without workspace")
		}
		from := c.session.WorkspaceID
		c.unsubscribe()
		c.setState(StateConnecting)
		if err := c.subscribe(ctx, c.session.Principal, f.WorkspaceID); err != nil {
			return err
		}
		c.log.Info().Str("from", from).Str("to", f.WorkspaceID).Msg("workspace switched")
		return nil
	default:
		c.sendError(ctx, protocol.CodeProtocol, "unexpected frame "+string(f.Type))
		return fmt.Errorf("unexpected frame %s", f.Type)
	}
}

// dropped handles a subscription the broker closed underneath us
func (c *Conn) dropped(ctx context.Context, lastSeq uint64) error {
	reason := c.sub.Err()
	c.setState(StateDisconnected)
	if errors.Is(reason, broker.ErrDeliveryOverflow) {
		c.log.Warn().Uint64("seq", lastSeq).Msg("outbound queue overflow, forcing resync")
		_ = c.transport.WriteFrame(ctx, protocol.Frame{
			Type:        protocol.FrameResync,
			WorkspaceID: c.session.WorkspaceID,
			Seq:         lastSeq,
		})
		c.sendError(ctx, protocol.CodeOverflow, reason.Error())
		return reason
	}
	return fmt.Errorf("subscription closed: %w", reason)
}

func (c *Conn) sendError(ctx context.Context, code, msg string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := c.transport.WriteFrame(wctx, protocol.Frame{Type: protocol.FrameError, Code: code, Error: msg}); err != nil {
		c.log.Debug().Err(err).Msg("failed to send error frame")
	}
}

func (c *Conn) teardown() {
	if c.State() != StateDisconnected {
		c.setState(StateDisconnected)
	}
	c.unsubscribe()
	if err := c.deps.Presence.Remove(context.Background(), c.ID); err != nil {
		c.log.Warn().Err(err).Msg("failed to remove presence")
	}
	_ = c.transport.Close()
	c.setState(StateClosed)
}
