package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"taskflow/internal/config"
	"taskflow/internal/protocol"
	"taskflow/pkg"
)

var (
	// ErrReconnectExhausted means live updates are unavailable until Connect is called again
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrSubscriptionDenied = errors.New("subscription denied")
	ErrHeartbeatTimeout   = errors.New("server heartbeat missed")
	ErrNotConnected       = errors.New("client not connected")
	ErrAlreadyConnected   = errors.New("client already connected")

	errConnectionLost = errors.New("connection lost")
)

// State of the client end of a live-update connection
type State int32

const (
	StateConnecting State = iota
	StateSubscribed
	StateDisconnected
	StateReconnecting
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
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Dialer opens a transport to the server on behalf of principal
type Dialer interface {
	Dial(ctx context.Context, principal string) (protocol.Transport, error)
}

// Handler consumes what the server sends. cache.Synchronizer implements it.
type Handler interface {
	HandleSubscribed(ctx context.Context, workspaceID string, seq uint64) error
	HandleEvent(ctx context.Context, env pkg.EventEnvelope) error
	HandleResync(ctx context.Context, workspaceID string, seq uint64) error
}

type switchRequest struct {
	workspaceID string
	reply       chan error
}

type readResult struct {
	frame protocol.Frame
	err   error
}

// Manager keeps one live-update connection open for a principal:
//
//	Connecting -> Subscribed -> (Disconnected <-> Reconnecting) -> Closed
//
// A lost connection is retried with exponential backoff up to
// ClientConfig.MaxAttempts times; after that the manager stays Disconnected
// with ErrReconnectExhausted until Connect is called again.
type Manager struct {
	dialer    Dialer
	handler   Handler
	cfg       config.ClientConfig
	log       zerolog.Logger
	principal string

	onState    func(State)
	newBackOff func() backoff.BackOff

	state atomic.Int32

	mu        sync.Mutex
	workspace string
	err       error
	cancel    context.CancelFunc
	done      chan struct{}
	switches  chan switchRequest
}

type Option func(*Manager)

// WithStateListener is called on every state transition, from the goroutine making it
func WithStateListener(fn func(State)) Option {
	return func(m *Manager) { m.onState = fn }
}

// WithBackOff replaces the exponential backoff built from the config
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(m *Manager) { m.newBackOff = fn }
}

func NewManager(dialer Dialer, handler Handler, cfg config.ClientConfig, principal string, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		dialer:    dialer,
		handler:   handler,
		cfg:       cfg,
		log:       log.With().Str("principal", principal).Logger(),
		principal: principal,
		switches:  make(chan switchRequest),
	}
	m.newBackOff = m.exponential
	for _, opt := range opts {
		opt(m)
	}
	m.state.Store(int32(StateDisconnected))
	return m
}

func (m *Manager) exponential() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BackoffInitial
	b.MaxInterval = m.cfg.BackoffMax
	b.MaxElapsedTime = 0
	return b
}

func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	m.log.Debug().Str("state", s.String()).Msg("client state")
	if m.onState != nil {
		m.onState(s)
	}
}

// Err returns why the manager last stopped, if it did
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Workspace returns the workspace of the current (or last) subscription
func (m *Manager) Workspace() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workspace
}

// Done is closed when the background connection stops. It is nil before Connect.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Connect subscribes to workspaceID and keeps the connection alive in the
// background. The first attempt is not retried; its error is returned.
func (m *Manager) Connect(ctx context.Context, workspaceID string) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.workspace = workspaceID
	m.err = nil
	m.mu.Unlock()

	m.setState(StateConnecting)
	tr, err := m.establish(ctx, workspaceID)
	if err != nil {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		m.setState(StateDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(runCtx, tr, done)
	return nil
}

// SwitchWorkspace unsubscribes from the current workspace and subscribes to
// workspaceID on the same connection. It returns once the server has
// acknowledged or refused the new subscription. A refusal drops the
// connection, which then reconnects to the previous workspace.
func (m *Manager) SwitchWorkspace(ctx context.Context, workspaceID string) error {
	done := m.Done()
	if done == nil {
		return ErrNotConnected
	}
	req := switchRequest{workspaceID: workspaceID, reply: make(chan error, 1)}
	select {
	case m.switches <- req:
	case <-done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the connection and waits for the background goroutine
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	m.setState(StateClosed)
	return nil
}

func (m *Manager) run(ctx context.Context, tr protocol.Transport, done chan struct{}) {
	defer close(done)
	for {
		err := m.serve(ctx, tr)
		_ = tr.Close()
		if ctx.Err() != nil {
			m.stop(StateClosed, nil)
			return
		}

		m.setState(StateDisconnected)
		m.log.Warn().Err(err).Str("workspace", m.Workspace()).Msg("live connection lost")

		tr, err = m.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.stop(StateClosed, nil)
				return
			}
			m.log.Error().Err(err).Msg("live updates unavailable")
			m.stop(StateDisconnected, err)
			return
		}
	}
}

func (m *Manager) stop(s State, err error) {
	m.mu.Lock()
	m.err = err
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	m.setState(s)
}

func (m *Manager) reconnect(ctx context.Context) (protocol.Transport, error) {
	m.setState(StateReconnecting)
	ws := m.Workspace()

	var (
		tr       protocol.Transport
		attempts int
	)
	op := func() error {
		attempts++
		t, err := m.establish(ctx, ws)
		if err != nil {
			if errors.Is(err, ErrSubscriptionDenied) {
				return backoff.Permanent(err)
			}
			return err
		}
		tr = t
		return nil
	}

	retries := max(m.cfg.MaxAttempts-1, 0)
	b := backoff.WithContext(backoff.WithMaxRetries(m.newBackOff(), uint64(retries)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		m.log.Warn().Err(err).Int("attempt", attempts).Dur("wait", wait).Msg("reconnect failed, backing off")
	})
	if err != nil {
		if errors.Is(err, ErrSubscriptionDenied) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempts, err)
	}
	m.log.Info().Int("attempts", attempts).Str("workspace", ws).Msg("reconnected")
	return tr, nil
}

// establish dials, says hello and waits for the subscription acknowledgement
func (m *Manager) establish(ctx context.Context, workspaceID string) (protocol.Transport, error) {
	tr, err := m.dialer.Dial(ctx, m.principal)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	if err := tr.WriteFrame(ctx, protocol.Frame{
		Type:        protocol.FrameHello,
		Principal:   m.principal,
		WorkspaceID: workspaceID,
	}); err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout())
	defer cancel()
	for {
		f, err := tr.ReadFrame(hctx)
		if err != nil {
			_ = tr.Close()
			return nil, fmt.Errorf("failed to read subscription ack: %w", err)
		}
		switch f.Type {
		case protocol.FrameSubscribed:
			m.subscribed(ctx, f)
			return tr, nil
		case protocol.FrameError:
			_ = tr.Close()
			if f.Code == protocol.CodeDenied {
				return nil, fmt.Errorf("%w: %s", ErrSubscriptionDenied, f.Error)
			}
			return nil, fmt.Errorf("server refused connection (%s): %s", f.Code, f.Error)
		}
	}
}

func (m *Manager) subscribed(ctx context.Context, f protocol.Frame) {
	m.mu.Lock()
	m.workspace = f.WorkspaceID
	m.mu.Unlock()
	if err := m.handler.HandleSubscribed(ctx, f.WorkspaceID, f.Seq); err != nil {
		m.log.Warn().Err(err).Str("workspace", f.WorkspaceID).Msg("failed to sync cache on subscribe")
	}
	m.setState(StateSubscribed)
	m.log.Info().Str("workspace", f.WorkspaceID).Uint64("seq", f.Seq).Msg("subscribed")
}

func (m *Manager) serve(ctx context.Context, tr protocol.Transport) error {
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	reads := make(chan readResult, 1)
	go func() {
		for {
			f, err := tr.ReadFrame(readCtx)
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

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	timeout := m.cfg.HeartbeatTimeout()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var pending *switchRequest
	defer func() {
		if pending != nil {
			pending.reply <- errConnectionLost
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-m.switches:
			if pending != nil {
				req.reply <- errors.New("workspace switch already in progress")
				continue
			}
			if err := tr.WriteFrame(ctx, protocol.Frame{Type: protocol.FrameSwitch, WorkspaceID: req.workspaceID}); err != nil {
				req.reply <- err
				return fmt.Errorf("failed to send switch: %w", err)
			}
			pending = &req
			m.setState(StateConnecting)

		case r := <-reads:
			if r.err != nil {
				return r.err
			}
			deadline.Reset(timeout)

			f := r.frame
			switch f.Type {
			case protocol.FrameHeartbeat:
			case protocol.FrameEvent:
				if f.Event == nil {
					continue
				}
				if err := m.handler.HandleEvent(ctx, *f.Event); err != nil {
					m.log.Warn().Err(err).Uint64("seq", f.Event.Seq).Msg("failed to apply envelope")
				}
			case protocol.FrameSubscribed:
				m.subscribed(ctx, f)
				if pending != nil {
					pending.reply <- nil
					pending = nil
				}
			case protocol.FrameResync:
				if err := m.handler.HandleResync(ctx, f.WorkspaceID, f.Seq); err != nil {
					m.log.Warn().Err(err).Msg("failed to resync cache")
				}
			case protocol.FrameError:
				if f.Code == protocol.CodeDenied && pending != nil {
					pending.reply <- fmt.Errorf("%w: %s", ErrSubscriptionDenied, f.Error)
					pending = nil
				}
				return fmt.Errorf("%w: server error (%s): %s", errConnectionLost, f.Code, f.Error)
			}

		case <-ticker.C:
			if err := tr.WriteFrame(ctx, protocol.Frame{Type: protocol.FrameHeartbeat}); err != nil {
				return fmt.Errorf("failed to send heartbeat: %w", err)
			}

		case <-deadline.C:
			return ErrHeartbeatTimeout
		}
	}
}
