// Package realtime turns remote change notifications into cache invalidation.
//
// A Transport delivers ChangeEvents per entity type and signals reconnects.
// The Listener keeps one transport subscription per entity while at least one
// consumer holds a Handle, marks the entity's keys stale on every event and
// refetches the subscribed ones. After a reconnect the whole entity prefix is
// invalidated, since events sent while disconnected may have been lost.
package realtime

import (
	"context"
	"slices"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Operation is the kind of change a ChangeEvent reports.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeEvent is a notification that a record of Entity changed remotely.
type ChangeEvent struct {
	Entity    string    `msgpack:"entity" json:"entity"`
	Operation Operation `msgpack:"op" json:"op"`
	ID        string    `msgpack:"id,omitempty" json:"id,omitempty"`
	At        time.Time `msgpack:"at" json:"at"`
}

// Matches reports whether the event passes an operation filter. An empty
// filter matches every operation.
func (e ChangeEvent) Matches(ops []Operation) bool {
	return len(ops) == 0 || slices.Contains(ops, e.Operation)
}

// EncodeEvent serialises an event for the wire.
func EncodeEvent(event ChangeEvent) ([]byte, error) {
	data, err := msgpack.Marshal(event)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode change event")
	}
	return data, nil
}

// DecodeEvent reads an event written by EncodeEvent.
func DecodeEvent(data []byte) (ChangeEvent, error) {
	var event ChangeEvent
	if err := msgpack.Unmarshal(data, &event); err != nil {
		return ChangeEvent{}, goerrors.Wrap(err, goerrors.CategoryValidation, "failed to decode change event")
	}
	return event, nil
}

// NotificationKind tells what a Notification carries.
type NotificationKind int

const (
	KindEvent NotificationKind = iota
	KindDisconnected
	KindReconnected
)

func (k NotificationKind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindDisconnected:
		return "disconnected"
	case KindReconnected:
		return "reconnected"
	}
	return "unknown"
}

// Notification is one item of a subscription stream.
type Notification struct {
	Kind  NotificationKind
	Event ChangeEvent
}

// Subscription is an open channel for one entity type. The notification
// channel is closed after Close.
type Subscription interface {
	Notifications() <-chan Notification
	Close() error
}

// Transport opens change streams. Implementations may drop events while
// disconnected but must report reconnects with KindReconnected.
type Transport interface {
	Subscribe(ctx context.Context, entity string, ops ...Operation) (Subscription, error)
}

// Publisher emits change events, used by writers and tests.
type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}
