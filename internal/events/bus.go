package events

import (
	"sync"
	"time"
)

// Type tags a queue lifecycle event.
type Type string

const (
	// TypeRecordSaved fires after a submission is durably captured locally.
	TypeRecordSaved Type = "record_saved"
	// TypeSyncStarted fires when a sweep begins.
	TypeSyncStarted Type = "sync_started"
	// TypeRecordSynced fires when a record's remote write succeeds.
	TypeRecordSynced Type = "record_synced"
	// TypeSyncFailed fires when a record's remote write fails.
	TypeSyncFailed Type = "sync_failed"
	// TypeSyncCompleted fires after a sweep that left nothing retryable.
	TypeSyncCompleted Type = "sync_completed"
	// TypeSyncPartial fires after a sweep with retryable records remaining.
	TypeSyncPartial Type = "sync_partial"
	// TypeOnline fires on an offline-to-online connectivity transition.
	TypeOnline Type = "online"
	// TypeOffline fires on an online-to-offline connectivity transition.
	TypeOffline Type = "offline"
)

// Event carries a queue state change to subscribers.
type Event struct {
	Type      Type
	RecordID  string
	SubjectID string
	Remaining int
	Timestamp time.Time
}

// Bus delivers events synchronously to subscribers in registration order.
// Delivery is best-effort and in-process: late subscribers do not receive
// missed events and must query current state from the store instead.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]func(Event)
	order       []int64
	nextID      int64
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int64]func(Event))}
}

// Subscribe registers a handler and returns its unsubscribe function.
// Unsubscribing more than once is harmless.
func (b *Bus) Subscribe(handler func(Event)) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = handler
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.unsubscribe(id)
	}
}

// Publish delivers the event to every subscriber. A panicking subscriber
// must not prevent delivery to the rest or abort the publisher's own state
// transition, so each handler runs behind a recover.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		if handler, ok := b.subscribers[id]; ok {
			handlers = append(handlers, handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		deliver(handler, event)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[id]; !ok {
		return
	}
	delete(b.subscribers, id)
	for index, candidate := range b.order {
		if candidate == id {
			b.order = append(b.order[:index], b.order[index+1:]...)
			break
		}
	}
}

func deliver(handler func(Event), event Event) {
	defer func() {
		_ = recover()
	}()
	handler(event)
}
