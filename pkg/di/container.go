package di

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/fetch"
	"github.com/goliatone/go-query-cache/realtime"
	"github.com/goliatone/go-query-cache/repositorycache"
	"github.com/goliatone/go-query-cache/store"
)

// Container owns the single cache store, fetch scheduler and real-time
// listener of a process. Repositories created from it share those instances;
// Close tears them down in reverse order.
type Container struct {
	config    cache.Config
	logger    *slog.Logger
	clock     cache.Clock
	store     *store.Store
	scheduler *fetch.Scheduler
	transport realtime.Transport
	listener  *realtime.Listener

	redis         redis.UniversalClient
	channelPrefix string

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Container.
type Option func(*Container)

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Container) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces the store clock.
func WithClock(clock cache.Clock) Option {
	return func(c *Container) {
		c.clock = clock
	}
}

// WithTransport sets the change event transport. Without it an in-memory
// transport is used.
func WithTransport(transport realtime.Transport) Option {
	return func(c *Container) {
		c.transport = transport
	}
}

// WithRedis uses Redis pub/sub as the change event transport. WithTransport
// takes precedence.
func WithRedis(client redis.UniversalClient, channelPrefix string) Option {
	return func(c *Container) {
		c.redis = client
		c.channelPrefix = channelPrefix
	}
}

// NewContainer validates config and creates the shared components.
func NewContainer(config cache.Config, opts ...Option) (*Container, error) {
	c := &Container{
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	st, err := store.New(config, store.WithLogger(c.logger), store.WithClock(c.clock))
	if err != nil {
		return nil, err
	}
	c.store = st
	c.scheduler = fetch.New(st, config.Retry, fetch.WithLogger(c.logger))

	switch {
	case c.transport != nil:
	case c.redis != nil:
		c.transport = realtime.NewRedisTransport(c.redis,
			realtime.WithChannelPrefix(c.channelPrefix),
			realtime.WithRedisLogger(c.logger))
	default:
		c.transport = realtime.NewMemoryTransport()
	}
	c.listener = realtime.NewListener(c.scheduler, c.transport, realtime.WithLogger(c.logger))

	return c, nil
}

// NewContainerWithDefaults creates a container from cache.DefaultConfig.
func NewContainerWithDefaults(opts ...Option) (*Container, error) {
	return NewContainer(cache.DefaultConfig(), opts...)
}

// Config returns the configuration the container was built with.
func (c *Container) Config() cache.Config { return c.config }

// Store returns the shared cache store.
func (c *Container) Store() *store.Store { return c.store }

// Scheduler returns the shared fetch scheduler.
func (c *Container) Scheduler() *fetch.Scheduler { return c.scheduler }

// Transport returns the change event transport.
func (c *Container) Transport() realtime.Transport { return c.transport }

// Listener returns the real-time invalidation listener.
func (c *Container) Listener() *realtime.Listener { return c.listener }

// Publisher returns the transport as a publisher when it can publish.
func (c *Container) Publisher() (realtime.Publisher, bool) {
	p, ok := c.transport.(realtime.Publisher)
	return p, ok
}

// SubscribeEntity keeps the change channel of entity open until the handle
// is closed.
func (c *Container) SubscribeEntity(ctx context.Context, entity string, ops ...realtime.Operation) (*realtime.Handle, error) {
	return c.listener.SubscribeEntity(ctx, entity, ops...)
}

// Stats returns the store counters.
func (c *Container) Stats() store.Stats { return c.store.Stats() }

// Close stops the listener, background fetches and the gc sweep.
func (c *Container) Close() error {
	c.closeOnce.Do(func() {
		if err := c.listener.Close(); err != nil {
			c.closeErr = err
		}
		if err := c.scheduler.Close(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
		if err := c.store.Close(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
		c.logger.Debug("container closed")
	})
	return c.closeErr
}

// NewCachedRepository creates a cached repository for remote on the shared
// scheduler. Mutation queueing and debounce delay follow the container config
// unless opts override them.
//
// Go methods cannot have type parameters, so this is a package-level function:
//
//	leads := di.NewCachedRepository[*Lead](container, remote)
func NewCachedRepository[T any](container *Container, remote cache.Remote[T], opts ...repositorycache.Option[T]) *repositorycache.CachedRepository[T] {
	opts = append([]repositorycache.Option[T]{repositorycache.WithLogger[T](container.logger)}, opts...)
	return repositorycache.New(remote, container.scheduler, container.config, opts...)
}
