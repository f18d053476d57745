package realtime

import (
	"context"
	"log/slog"
	"sync"

	goerrors "github.com/goliatone/go-errors"
	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces the pub/sub channels, one per entity.
const DefaultChannelPrefix = "querycache:changes:"

// RedisTransport carries change events over Redis pub/sub. Payloads are
// msgpack encoded ChangeEvents. go-redis resubscribes after a dropped
// connection; every confirmation after the first is reported as a reconnect.
type RedisTransport struct {
	rdb    redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// RedisOption configures a RedisTransport.
type RedisOption func(*RedisTransport)

// WithChannelPrefix replaces DefaultChannelPrefix.
func WithChannelPrefix(prefix string) RedisOption {
	return func(t *RedisTransport) {
		if prefix != "" {
			t.prefix = prefix
		}
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(t *RedisTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewRedisTransport creates a transport over rdb.
func NewRedisTransport(rdb redis.UniversalClient, opts ...RedisOption) *RedisTransport {
	t := &RedisTransport{
		rdb:    rdb,
		prefix: DefaultChannelPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "realtime.redis")
	return t
}

// Channel returns the pub/sub channel used for entity.
func (t *RedisTransport) Channel(entity string) string {
	return t.prefix + entity
}

// Publish implements Publisher.
func (t *RedisTransport) Publish(ctx context.Context, event ChangeEvent) error {
	payload, err := EncodeEvent(event)
	if err != nil {
		return err
	}
	if err := t.rdb.Publish(ctx, t.Channel(event.Entity), payload).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "failed to publish change event").
			WithMetadata(map[string]any{"entity": event.Entity})
	}
	return nil
}

// Subscribe implements Transport. It returns once Redis has confirmed the
// subscription.
func (t *RedisTransport) Subscribe(ctx context.Context, entity string, ops ...Operation) (Subscription, error) {
	channel := t.Channel(entity)
	pubsub := t.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, goerrors.Wrap(err, goerrors.CategoryExternal, "failed to subscribe to change channel").
			WithMetadata(map[string]any{"entity": entity, "channel": channel})
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ops:    append([]Operation(nil), ops...),
		out:    make(chan Notification, memoryBuffer),
		done:   make(chan struct{}),
		logger: t.logger.With("entity", entity),
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ops    []Operation
	out    chan Notification
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (s *redisSubscription) Notifications() <-chan Notification { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *redisSubscription) pump() {
	defer close(s.out)

	msgs := s.pubsub.ChannelWithSubscriptions(redis.WithChannelSize(memoryBuffer))
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			n, ok := s.translate(msg)
			if !ok {
				continue
			}
			select {
			case s.out <- n:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) translate(msg any) (Notification, bool) {
	switch m := msg.(type) {
	case *redis.Subscription:
		// the initial confirmation was consumed by Subscribe
		if m.Kind == "subscribe" {
			return Notification{Kind: KindReconnected}, true
		}
	case *redis.Message:
		event, err := DecodeEvent([]byte(m.Payload))
		if err != nil {
			s.logger.Warn("dropped undecodable change event", "channel", m.Channel, "error", err)
			return Notification{}, false
		}
		if !event.Matches(s.ops) {
			return Notification{}, false
		}
		return Notification{Kind: KindEvent, Event: event}, true
	}
	return Notification{}, false
}

var (
	_ Transport = (*RedisTransport)(nil)
	_ Publisher = (*RedisTransport)(nil)
)
