package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisChannelPrefix = "marquee:tabs:"

var errMissingRedisClient = errors.New("bus: redis client required")

// RedisBusConfig configures a Redis pub/sub backed endpoint.
type RedisBusConfig struct {
	Client   *redis.Client
	Origin   string
	SenderID string
	Logger   *zap.Logger
	// OwnsClient closes the client on Close.
	OwnsClient bool
}

// RedisBus publishes coordination messages on a per-origin Redis channel.
type RedisBus struct {
	client     *redis.Client
	origin     string
	id         string
	channel    string
	logger     *zap.Logger
	ownsClient bool

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

var _ Bus = (*RedisBus)(nil)

// DialRedisBus parses the Redis URL and returns an endpoint owning the client.
func DialRedisBus(ctx context.Context, url, origin, senderID string, logger *zap.Logger) (*RedisBus, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	endpoint, err := NewRedisBus(RedisBusConfig{
		Client:     client,
		Origin:     origin,
		SenderID:   senderID,
		Logger:     logger,
		OwnsClient: true,
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return endpoint, nil
}

// NewRedisBus wraps an existing client.
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
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
	return &RedisBus{
		client:     cfg.Client,
		origin:     origin,
		id:         senderID,
		channel:    redisChannelPrefix + origin,
		logger:     logger,
		ownsClient: cfg.OwnsClient,
		subs:       make(map[*redis.PubSub]struct{}),
	}, nil
}

// ID returns the sender identifier.
func (b *RedisBus) ID() string {
	return b.id
}

// Publish sends the payload to the origin channel.
func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
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
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe attaches a handler once Redis confirms the subscription.
func (b *RedisBus) Subscribe(handler Handler) (func(), error) {
	if handler == nil {
		return nil, errMissingHandler
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ctx := context.Background()
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = pubsub.Close()
		return nil, ErrClosed
	}
	b.subs[pubsub] = struct{}{}
	b.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			envelope, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				b.logger.Debug("dropping malformed bus envelope", zap.String("channel", msg.Channel))
				continue
			}
			if !accept(envelope, b.origin, b.id) {
				continue
			}
			handler(Message{Sender: envelope.Sender, Payload: envelope.Payload})
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, pubsub)
			b.mu.Unlock()
			_ = pubsub.Close()
		})
	}, nil
}

// Close stops every subscription and closes an owned client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for pubsub := range b.subs {
		_ = pubsub.Close()
		delete(b.subs, pubsub)
	}
	b.mu.Unlock()
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}
