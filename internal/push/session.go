// Package push owns the leader tab's live connection to the notification stream.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marquee/internal/auth"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	// EventNotificationNew carries one notification per push.
	EventNotificationNew = "notification:new"
	// EventReauthenticate asks the client to reconnect with a fresh credential.
	EventReauthenticate = "session:reauthenticate"

	defaultMinDelay   = time.Second
	defaultMaxDelay   = 5 * time.Second
	defaultMultiplier = 2.0
	defaultMaxRetries = 5
)

var (
	// ErrTransport reports a connection-level failure.
	ErrTransport = errors.New("push: transport failure")
	// ErrServerRejectedAuth reports that the server refused the presented credential.
	ErrServerRejectedAuth = errors.New("push: server rejected credential")
	// ErrClosed is returned when starting a session after Close.
	ErrClosed = errors.New("push: session closed")

	errAlreadyRunning     = errors.New("push: session already running")
	errMissingDialer      = errors.New("push: dialer required")
	errMissingCredentials = errors.New("push: credential source required")
)

// State is the connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateOffline
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateOffline:
		return "offline"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Event is one inbound message from the stream.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"data,omitempty"`
}

// Conn is an established stream.
type Conn interface {
	// Next blocks until an event arrives; stream failures wrap ErrTransport or ErrServerRejectedAuth.
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Dialer opens authenticated streams.
type Dialer interface {
	Dial(ctx context.Context, credential auth.Credential) (Conn, error)
}

// CredentialSource hands out credentials for connection attempts.
type CredentialSource interface {
	Get(ctx context.Context) (auth.Credential, error)
	Refresh(ctx context.Context) (auth.Credential, error)
}

// Config wires a Session.
type Config struct {
	Credentials CredentialSource
	Dialer      Dialer
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// MaxRetries bounds consecutive failed reconnects before StateOffline.
	MaxRetries    int
	OnEvent       func(Event)
	OnStateChange func(State, error)
	// Sleep waits between attempts; it must return early when ctx ends.
	Sleep  func(ctx context.Context, delay time.Duration) error
	Logger *zap.Logger
}

// Session drives one push connection through connect, reconnect and shutdown.
type Session struct {
	credentials   CredentialSource
	dialer        Dialer
	minDelay      time.Duration
	maxDelay      time.Duration
	multiplier    float64
	maxRetries    int
	onEvent       func(Event)
	onStateChange func(State, error)
	sleep         func(context.Context, time.Duration) error
	logger        *zap.Logger

	mu      sync.Mutex
	state   State
	lastErr error
	conn    Conn
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// NewSession validates the configuration and returns a disconnected session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, errMissingDialer
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	session := &Session{
		credentials:   cfg.Credentials,
		dialer:        cfg.Dialer,
		minDelay:      cfg.MinDelay,
		maxDelay:      cfg.MaxDelay,
		multiplier:    cfg.Multiplier,
		maxRetries:    cfg.MaxRetries,
		onEvent:       cfg.OnEvent,
		onStateChange: cfg.OnStateChange,
		sleep:         cfg.Sleep,
		logger:        cfg.Logger,
	}
	if session.minDelay <= 0 {
		session.minDelay = defaultMinDelay
	}
	if session.maxDelay < session.minDelay {
		session.maxDelay = defaultMaxDelay
		if session.maxDelay < session.minDelay {
			session.maxDelay = session.minDelay
		}
	}
	if session.multiplier < 1 {
		session.multiplier = defaultMultiplier
	}
	if session.maxRetries <= 0 {
		session.maxRetries = defaultMaxRetries
	}
	if session.onEvent == nil {
		session.onEvent = func(Event) {}
	}
	if session.onStateChange == nil {
		session.onStateChange = func(State, error) {}
	}
	if session.sleep == nil {
		session.sleep = sleepContext
	}
	if session.logger == nil {
		session.logger = zap.NewNop()
	}
	return session, nil
}

// State returns the current state and the error that caused it, if any.
func (s *Session) State() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.lastErr
}

// Start begins connecting in the background. An offline session may be started again.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			s.mu.Unlock()
			return errAlreadyRunning
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.run(runCtx, cancel, done)
	return nil
}

// Close stops any pending backoff or read, releases the stream and moves to StateClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	done := s.done
	conn := s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.state = StateClosed
	s.lastErr = nil
	s.mu.Unlock()
	s.onStateChange(StateClosed, nil)
	s.logger.Info("push session closed")
	return nil
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	policy := s.newBackOff()
	refresh := false
	rejected := false
	s.transition(ctx, StateConnecting, nil)

	for {
		credential, err := s.credential(ctx, refresh)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.transition(ctx, StateOffline, err)
			return
		}

		conn, err := s.dialer.Dial(ctx, credential)
		if err == nil {
			if !s.attach(conn) {
				_ = conn.Close()
				return
			}
			policy.Reset()
			rejected = false
			s.transition(ctx, StateConnected, nil)
			err = s.read(ctx, conn)
			s.detach(conn)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrServerRejectedAuth) {
			if rejected {
				s.transition(ctx, StateOffline, fmt.Errorf("%w: %v", auth.ErrAuthUnavailable, err))
				return
			}
			rejected = true
			refresh = true
			s.transition(ctx, StateReconnecting, err)
			continue
		}

		refresh = false
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			s.transition(ctx, StateOffline, err)
			return
		}
		s.transition(ctx, StateReconnecting, err)
		s.logger.Debug("reconnect scheduled", zap.Duration("delay", delay), zap.Error(err))
		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			return
		}
	}
}

func (s *Session) newBackOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = s.minDelay
	exponential.MaxInterval = s.maxDelay
	exponential.Multiplier = s.multiplier
	exponential.RandomizationFactor = 0
	exponential.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(exponential, uint64(s.maxRetries))
	policy.Reset()
	return policy
}

func (s *Session) credential(ctx context.Context, refresh bool) (auth.Credential, error) {
	if refresh {
		return s.credentials.Refresh(ctx)
	}
	return s.credentials.Get(ctx)
}

func (s *Session) read(ctx context.Context, conn Conn) error {
	for {
		event, err := conn.Next(ctx)
		if err != nil {
			return err
		}
		switch event.Name {
		case EventReauthenticate:
			return ErrServerRejectedAuth
		case "":
			continue
		default:
			s.onEvent(event)
		}
	}
}

func (s *Session) attach(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	return true
}

func (s *Session) detach(conn Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *Session) transition(ctx context.Context, state State, cause error) {
	s.mu.Lock()
	if s.closed || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.lastErr = cause
	s.mu.Unlock()

	fields := []zap.Field{zap.String("state", state.String())}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if state == StateOffline {
		s.logger.Warn("push session offline", fields...)
	} else {
		s.logger.Debug("push session state changed", fields...)
	}
	s.onStateChange(state, cause)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
