// Package debounce collapses rapid successive inputs into one delayed call.
//
// A Controller holds at most one pending value. Every Schedule stops the
// pending timer and replaces the value, so only the last input of a burst is
// delivered; replaced values are dropped without running.
package debounce

import (
	"sync"
	"time"

	"github.com/goliatone/go-query-cache/cache"
)

// DefaultDelay is used when a controller is created with a non-positive delay.
const DefaultDelay = cache.DefaultDebounceDelay

// Timer is the handle of a scheduled call.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d and returns its handle.
type AfterFunc func(d time.Duration, f func()) Timer

func stdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Controller.
type Option func(*options)

type options struct {
	afterFunc AfterFunc
}

// WithAfterFunc replaces the timer source, used by tests to fire timers by hand.
func WithAfterFunc(fn AfterFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.afterFunc = fn
		}
	}
}

// Controller delays delivery of the latest scheduled value.
type Controller[V any] struct {
	mu        sync.Mutex
	delay     time.Duration
	fire      func(V)
	afterFunc AfterFunc

	timer   Timer
	pending V
	has     bool
	seq     uint64
	stopped bool
}

// New creates a controller that calls fire with the last value scheduled
// once delay has passed without another Schedule.
func New[V any](delay time.Duration, fire func(V), opts ...Option) *Controller[V] {
	o := options{afterFunc: stdAfterFunc}
	for _, opt := range opts {
		opt(&o)
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Controller[V]{
		delay:     delay,
		fire:      fire,
		afterFunc: o.afterFunc,
	}
}

// Delay returns the default delay of the controller.
func (c *Controller[V]) Delay() time.Duration { return c.delay }

// Schedule replaces any pending value with v and restarts the delay.
func (c *Controller[V]) Schedule(v V) {
	c.ScheduleAfter(v, c.delay)
}

// ScheduleAfter is Schedule with an explicit delay for this call.
func (c *Controller[V]) ScheduleAfter(v V, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopLocked()

	c.seq++
	seq := c.seq
	c.pending = v
	c.has = true
	c.timer = c.afterFunc(delay, func() { c.deliver(seq) })
}

// deliver runs fire for the value scheduled as seq, unless it was replaced
// or cancelled in the meantime.
func (c *Controller[V]) deliver(seq uint64) {
	c.mu.Lock()
	if c.stopped || !c.has || c.seq != seq {
		c.mu.Unlock()
		return
	}
	v := c.pending
	c.clearLocked()
	c.mu.Unlock()

	c.fire(v)
}

// Flush delivers the pending value now. It reports whether one was pending.
func (c *Controller[V]) Flush() bool {
	c.mu.Lock()
	if c.stopped || !c.has {
		c.mu.Unlock()
		return false
	}
	c.stopLocked()
	v := c.pending
	c.seq++
	c.clearLocked()
	c.mu.Unlock()

	c.fire(v)
	return true
}

// Cancel drops the pending value. It reports whether one was pending.
func (c *Controller[V]) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.has {
		return false
	}
	c.stopLocked()
	c.seq++
	c.clearLocked()
	return true
}

// Pending returns the value waiting to be delivered.
func (c *Controller[V]) Pending() (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, c.has
}

// Stop cancels the pending value and rejects later calls to Schedule.
func (c *Controller[V]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	c.clearLocked()
	c.stopped = true
}

func (c *Controller[V]) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller[V]) clearLocked() {
	var zero V
	c.pending = zero
	c.has = false
	c.timer = nil
}
