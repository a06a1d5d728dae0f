package sync

import (
	"sync"
	"time"

	"github.com/kimhsiao/tasksync/internal/logging"
)

// EventType names a status notification.
type EventType string

const (
	EventSyncStart      EventType = "sync-start"
	EventSyncComplete   EventType = "sync-complete"
	EventSyncError      EventType = "sync-error"
	EventHistoryUpdated EventType = "history-updated"
	EventNetworkStatus  EventType = "network-status"
)

// Event is delivered to every subscriber.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Result    *SyncResult `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Online    *bool       `json:"online,omitempty"`
}

// subscriberBuffer bounds how far a slow listener may fall behind before
// events to it are dropped.
const subscriberBuffer = 64

type subscriber struct {
	ch   chan Event
	once sync.Once
}

// Bus fans events out to any number of listeners. Publishing never blocks:
// each listener runs on its own goroutine and receives events in order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	b.subs[id] = sub

	go func() {
		for ev := range sub.ch {
			deliver(fn, ev)
		}
	}()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
}

func deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Event listener panicked", map[string]interface{}{
				"event": string(ev.Type),
				"panic": r,
			})
		}
	}()
	fn(ev)
}

// Publish sends ev to every subscriber without waiting for them.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			logging.Warn("Dropped event for slow listener", map[string]interface{}{
				"event": string(ev.Type),
			})
		}
	}
}

// Close removes every subscriber. Later subscriptions are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}
