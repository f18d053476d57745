package debounce

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-query-cache/cache"
)

// manualTimers records scheduled calls so tests decide when they fire.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (m *manualTimers) afterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{delay: d, fn: f}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualTimers) all() []*manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*manualTimer(nil), m.timers...)
}

type recorder[V any] struct {
	mu     sync.Mutex
	values []V
}

func (r *recorder[V]) fire(v V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder[V]) got() []V {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]V(nil), r.values...)
}

func TestController_CollapsesBurstToLastValue(t *testing.T) {
	timers := &manualTimers{}
	rec := &recorder[cache.FilterDescriptor]{}
	c := New(0, rec.fire, WithAfterFunc(timers.afterFunc))

	d1 := cache.NewDescriptor(1, 50).WithSearch("a")
	d2 := cache.NewDescriptor(1, 50).WithSearch("ac")
	d3 := cache.NewDescriptor(1, 50).WithSearch("acm")
	c.Schedule(d1)
	c.Schedule(d2)
	c.Schedule(d3)

	scheduled := timers.all()
	require.Len(t, scheduled, 3)
	for _, tm := range scheduled {
		assert.Equal(t, DefaultDelay, tm.delay)
	}
	assert.True(t, scheduled[0].stopped)
	assert.True(t, scheduled[1].stopped)
	assert.False(t, scheduled[2].stopped)

	// a replaced timer that fires anyway must not deliver
	scheduled[0].fn()
	assert.Empty(t, rec.got())

	scheduled[2].fn()
	got := rec.got()
	require.Len(t, got, 1)
	assert.Equal(t, "acm", got[0].Search)

	_, pending := c.Pending()
	assert.False(t, pending)
}

func TestController_RealTimers(t *testing.T) {
	rec := &recorder[int]{}
	c := New(20*time.Millisecond, rec.fire)
	defer c.Stop()

	for i := 1; i <= 5; i++ {
		c.Schedule(i)
	}

	assert.Eventually(t, func() bool { return len(rec.got()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, []int{5}, rec.got())
}

func TestController_FlushAndCancel(t *testing.T) {
	timers := &manualTimers{}
	rec := &recorder[string]{}
	c := New(time.Second, rec.fire, WithAfterFunc(timers.afterFunc))

	assert.False(t, c.Flush())

	c.Schedule("x")
	require.True(t, c.Flush())
	assert.Equal(t, []string{"x"}, rec.got())

	// the flushed timer is obsolete
	timers.all()[0].fn()
	assert.Equal(t, []string{"x"}, rec.got())

	c.ScheduleAfter("y", 50*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, timers.all()[1].delay)
	v, ok := c.Pending()
	require.True(t, ok)
	assert.Equal(t, "y", v)

	require.True(t, c.Cancel())
	assert.False(t, c.Cancel())
	timers.all()[1].fn()
	assert.Equal(t, []string{"x"}, rec.got(), "cancelled values never run")
}

func TestController_StopRejectsSchedule(t *testing.T) {
	timers := &manualTimers{}
	rec := &recorder[string]{}
	c := New(time.Second, rec.fire, WithAfterFunc(timers.afterFunc))

	c.Schedule("a")
	c.Stop()
	c.Schedule("b")

	require.Len(t, timers.all(), 1)
	assert.True(t, timers.all()[0].stopped)
	timers.all()[0].fn()
	assert.Empty(t, rec.got())
	assert.False(t, c.Flush())
}
