package realtime

import (
	"context"
	"log/slog"
	"sync"

	goerrors "github.com/goliatone/go-errors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/fetch"
)

// ErrListenerClosed is returned by SubscribeEntity after Close.
var ErrListenerClosed = goerrors.New("listener closed", goerrors.CategoryOperation).
	WithTextCode("LISTENER_CLOSED")

const handleBuffer = 16

// Listener maps change events onto cache invalidation.
type Listener struct {
	scheduler *fetch.Scheduler
	transport Transport
	logger    *slog.Logger

	channels *xsync.MapOf[string, *entityChannel]
	opening  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewListener creates a listener that invalidates through scheduler.
func NewListener(scheduler *fetch.Scheduler, transport Transport, opts ...ListenerOption) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		scheduler: scheduler,
		transport: transport,
		logger:    slog.Default(),
		channels:  xsync.NewMapOf[string, *entityChannel](),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "realtime")
	return l
}

// entityChannel is the single transport subscription of one entity, shared
// by every Handle on it.
type entityChannel struct {
	entity string
	sub    Subscription

	mu      sync.Mutex
	handles map[*Handle]struct{}
	closed  bool

	closeOnce sync.Once
}

// Handle is one consumer's view of an entity channel.
type Handle struct {
	entity  string
	ops     []Operation
	events  chan ChangeEvent
	channel *entityChannel
	release func(*Handle)
	once    sync.Once
}

// Entity returns the entity type of the handle.
func (h *Handle) Entity() string { return h.entity }

// Events delivers the change events that passed the handle's filter, after
// the cache has been invalidated for them. Events are dropped when the
// consumer falls behind; the cache is invalidated regardless.
func (h *Handle) Events() <-chan ChangeEvent { return h.events }

// Close releases the handle. The entity channel is closed with its last handle.
func (h *Handle) Close() {
	h.once.Do(func() { h.release(h) })
}

// SubscribeEntity keeps the change channel of entity open until the returned
// handle is closed. Concurrent first subscribers share one transport
// subscription.
func (l *Listener) SubscribeEntity(ctx context.Context, entity string, ops ...Operation) (*Handle, error) {
	if entity == "" {
		return nil, cache.NewValidationError("entity is required", "entity", "cannot be blank")
	}

	for {
		if l.ctx.Err() != nil {
			return nil, ErrListenerClosed
		}
		ch, err := l.open(ctx, entity)
		if err != nil {
			return nil, err
		}
		if h, ok := l.attach(ch, ops); ok {
			return h, nil
		}
		// the channel closed between open and attach
		l.channels.Compute(entity, func(old *entityChannel, loaded bool) (*entityChannel, bool) {
			return old, loaded && old == ch
		})
	}
}

func (l *Listener) open(ctx context.Context, entity string) (*entityChannel, error) {
	if ch, ok := l.channels.Load(entity); ok {
		return ch, nil
	}

	v, err, _ := l.opening.Do(entity, func() (any, error) {
		if ch, ok := l.channels.Load(entity); ok {
			return ch, nil
		}
		sub, err := l.transport.Subscribe(ctx, entity)
		if err != nil {
			return nil, err
		}
		ch := &entityChannel{entity: entity, sub: sub, handles: make(map[*Handle]struct{})}
		l.wg.Add(1)
		l.channels.Store(entity, ch)
		if l.ctx.Err() != nil {
			// Close may have listed the channels before this one was stored
			l.wg.Done()
			ch.mu.Lock()
			ch.closed = true
			ch.mu.Unlock()
			l.closeChannel(ch)
			return nil, ErrListenerClosed
		}

		go l.pump(ch)
		l.logger.Debug("opened change channel", "entity", entity)
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entityChannel), nil
}

func (l *Listener) attach(ch *entityChannel, ops []Operation) (*Handle, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed || l.ctx.Err() != nil {
		return nil, false
	}
	h := &Handle{
		entity:  ch.entity,
		ops:     append([]Operation(nil), ops...),
		events:  make(chan ChangeEvent, handleBuffer),
		channel: ch,
		release: l.detach,
	}
	ch.handles[h] = struct{}{}
	return h, true
}

func (l *Listener) detach(h *Handle) {
	ch := h.channel
	ch.mu.Lock()
	delete(ch.handles, h)
	close(h.events)
	last := len(ch.handles) == 0 && !ch.closed
	if last {
		ch.closed = true
	}
	ch.mu.Unlock()

	if last {
		l.closeChannel(ch)
	}
}

func (l *Listener) closeChannel(ch *entityChannel) {
	ch.closeOnce.Do(func() {
		l.channels.Compute(ch.entity, func(old *entityChannel, loaded bool) (*entityChannel, bool) {
			return old, loaded && old == ch
		})
		if err := ch.sub.Close(); err != nil {
			l.logger.Warn("failed to close change channel", "entity", ch.entity, "error", err)
		}
		l.logger.Debug("closed change channel", "entity", ch.entity)
	})
}

func (l *Listener) pump(ch *entityChannel) {
	defer l.wg.Done()

	for n := range ch.sub.Notifications() {
		switch n.Kind {
		case KindEvent:
			if n.Event.Entity != ch.entity {
				l.logger.Debug("dropped change event for another entity",
					"entity", ch.entity, "event_entity", n.Event.Entity)
				continue
			}
			l.invalidateEvent(n.Event)
			ch.deliver(n.Event, l.logger)
		case KindDisconnected:
			l.logger.Warn("change channel disconnected", "entity", ch.entity)
		case KindReconnected:
			keys := l.scheduler.InvalidatePrefix(cache.EntityPrefix(ch.entity))
			l.logger.Info("change channel reconnected, invalidated entity",
				"entity", ch.entity, "refetch", len(keys))
		}
	}
}

// invalidateEvent marks the list family of the event entity stale and, when
// the event names a record, its detail key. Subscribed keys are refetched.
func (l *Listener) invalidateEvent(event ChangeEvent) {
	l.scheduler.InvalidatePrefix(cache.ListPrefix(event.Entity))
	if event.ID != "" {
		l.scheduler.Invalidate(cache.DetailKey(event.Entity, event.ID))
	}
	l.logger.Debug("invalidated on change event",
		"entity", event.Entity, "op", string(event.Operation), "id", event.ID)
}

func (ch *entityChannel) deliver(event ChangeEvent, logger *slog.Logger) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for h := range ch.handles {
		if !event.Matches(h.ops) {
			continue
		}
		select {
		case h.events <- event:
		default:
			logger.Debug("dropped change event for slow consumer", "entity", ch.entity)
		}
	}
}

// Channels returns the number of open entity channels.
func (l *Listener) Channels() int { return l.channels.Size() }

// Close closes every channel and stops delivery. Handles are closed as well,
// and SubscribeEntity fails from then on.
func (l *Listener) Close() error {
	l.cancel()

	var open []*entityChannel
	l.channels.Range(func(_ string, ch *entityChannel) bool {
		open = append(open, ch)
		return true
	})
	for _, ch := range open {
		ch.mu.Lock()
		ch.closed = true
		handles := make([]*Handle, 0, len(ch.handles))
		for h := range ch.handles {
			handles = append(handles, h)
		}
		ch.mu.Unlock()
		for _, h := range handles {
			h.Close()
		}
		// a channel opened but not yet attached has no handle to close it
		l.closeChannel(ch)
	}

	l.wg.Wait()
	return nil
}
