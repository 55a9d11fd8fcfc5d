package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const natsSubjectPrefix = "marquee.tabs."

var (
	errMissingNATSConn = errors.New("bus: nats connection required")
	errMissingOrigin   = errors.New("bus: origin required")
	errMissingSenderID = errors.New("bus: sender id required")
)

// NATSBusConfig configures a core NATS backed endpoint.
type NATSBusConfig struct {
	Conn     *nats.Conn
	Origin   string
	SenderID string
	Logger   *zap.Logger
	// OwnsConn drains the connection on Close.
	OwnsConn bool
}

// NATSBus publishes coordination messages on a per-origin core NATS subject.
type NATSBus struct {
	conn     *nats.Conn
	origin   string
	id       string
	subject  string
	logger   *zap.Logger
	ownsConn bool

	mu     sync.Mutex
	subs   map[*nats.Subscription]struct{}
	closed bool
}

var _ Bus = (*NATSBus)(nil)

// DialNATSBus connects to NATS and returns an endpoint owning the connection.
func DialNATSBus(url, origin, senderID string, logger *zap.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("marquee-tab-"+senderID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, err
	}
	endpoint, err := NewNATSBus(NATSBusConfig{
		Conn:     conn,
		Origin:   origin,
		SenderID: senderID,
		Logger:   logger,
		OwnsConn: true,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return endpoint, nil
}

// NewNATSBus wraps an existing connection.
func NewNATSBus(cfg NATSBusConfig) (*NATSBus, error) {
	if cfg.Conn == nil {
		return nil, errMissingNATSConn
	}
	origin := strings.TrimSpace(cfg.Origin)
	if origin == "" {
		return nil, errMissingOrigin
	}
	senderID := strings.TrimSpace(cfg.SenderID)
	if senderID == "" {
		return nil, errMissingSenderID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBus{
		conn:     cfg.Conn,
		origin:   origin,
		id:       senderID,
		subject:  natsSubjectPrefix + origin,
		logger:   logger,
		ownsConn: cfg.OwnsConn,
		subs:     make(map[*nats.Subscription]struct{}),
	}, nil
}

// ID returns the sender identifier.
func (b *NATSBus) ID() string {
	return b.id
}

// Publish sends the payload to the origin subject.
func (b *NATSBus) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	data, err := encodeEnvelope(b.origin, b.id, payload)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subject, data)
}

// Subscribe attaches a handler; envelopes sent by this endpoint are dropped.
func (b *NATSBus) Subscribe(handler Handler) (func(), error) {
	if handler == nil {
		return nil, errMissingHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		envelope, err := decodeEnvelope(msg.Data)
		if err != nil {
			b.logger.Debug("dropping malformed bus envelope", zap.String("subject", msg.Subject))
			return
		}
		if !accept(envelope, b.origin, b.id) {
			return
		}
		handler(Message{Sender: envelope.Sender, Payload: envelope.Payload})
	})
	if err != nil {
		return nil, err
	}
	b.subs[sub] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			_ = sub.Unsubscribe()
		})
	}, nil
}

// Close removes every subscription and drains an owned connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		_ = sub.Unsubscribe()
		delete(b.subs, sub)
	}
	b.mu.Unlock()
	if b.ownsConn {
		return b.conn.Drain()
	}
	return nil
}
