package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/pkg/testsupport"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func next(t *testing.T, sub Subscription) Notification {
	t.Helper()
	select {
	case n, ok := <-sub.Notifications():
		require.True(t, ok, "subscription closed")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
		return Notification{}
	}
}

func TestRedisTransport_PublishSubscribe(t *testing.T) {
	client := newTestRedis(t)
	transport := NewRedisTransport(client, WithChannelPrefix("test:changes:"))
	ctx := context.Background()

	assert.Equal(t, "test:changes:lead", transport.Channel("lead"))

	sub, err := transport.Subscribe(ctx, "lead", OpUpdate, OpDelete)
	require.NoError(t, err)

	at := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, transport.Publish(ctx, ChangeEvent{Entity: "lead", Operation: OpInsert, ID: "9", At: at}))
	require.NoError(t, transport.Publish(ctx, ChangeEvent{Entity: "lead", Operation: OpUpdate, ID: "1", At: at}))
	require.NoError(t, transport.Publish(ctx, ChangeEvent{Entity: "task", Operation: OpUpdate, ID: "1", At: at}))

	n := next(t, sub)
	assert.Equal(t, KindEvent, n.Kind)
	assert.Equal(t, "lead", n.Event.Entity)
	assert.Equal(t, OpUpdate, n.Event.Operation, "insert filtered out")
	assert.Equal(t, "1", n.Event.ID)
	assert.True(t, at.Equal(n.Event.At))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Notifications():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestRedisTransport_DropsUndecodablePayloads(t *testing.T) {
	client := newTestRedis(t)
	transport := NewRedisTransport(client)
	ctx := context.Background()

	sub, err := transport.Subscribe(ctx, "lead")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, client.Publish(ctx, transport.Channel("lead"), "not msgpack").Err())
	require.NoError(t, transport.Publish(ctx, ChangeEvent{Entity: "lead", Operation: OpDelete, ID: "2"}))

	n := next(t, sub)
	assert.Equal(t, OpDelete, n.Event.Operation)
}

func TestRedisTransport_DrivesListener(t *testing.T) {
	client := newTestRedis(t)
	transport := NewRedisTransport(client)
	f := newFixture(t)
	ctx := context.Background()

	listener := NewListener(f.scheduler, transport)
	defer listener.Close()

	h, err := listener.SubscribeEntity(ctx, "lead")
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, transport.Publish(ctx, ChangeEvent{Entity: "lead", Operation: OpInsert, ID: "3"}))
	receive(t, h)
	f.scheduler.Wait()

	assert.Equal(t, 3, f.remote.Calls(testsupport.OpQuery))
	entry, _ := f.store.Read(f.won)
	assert.True(t, entry.IsStale(f.store.Now()))
}

func TestListener_IgnoresEventsForOtherEntities(t *testing.T) {
	client := newTestRedis(t)
	transport := NewRedisTransport(client)
	f := newFixture(t)
	ctx := context.Background()

	listener := NewListener(f.scheduler, transport)
	defer listener.Close()

	h, err := listener.SubscribeEntity(ctx, "lead")
	require.NoError(t, err)
	defer h.Close()

	// a task event written onto the lead channel
	payload, err := EncodeEvent(ChangeEvent{Entity: "task", Operation: OpUpdate, ID: "t1"})
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, transport.Channel("lead"), payload).Err())
	require.NoError(t, transport.Publish(ctx, ChangeEvent{Entity: "lead", Operation: OpDelete, ID: "2"}))

	ev := receive(t, h)
	assert.Equal(t, "lead", ev.Entity)
	assert.Equal(t, OpDelete, ev.Operation)
	f.scheduler.Wait()

	entry, _ := f.store.Read(f.tasks)
	assert.False(t, entry.IsStale(f.store.Now()), "task entries untouched")
}

func TestDecodeEvent_RejectsGarbage(t *testing.T) {
	_, err := DecodeEvent([]byte{0xc1})
	require.Error(t, err)
	assert.True(t, cache.IsValidation(err))
}
