package sync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records delivered event types for one subscriber.
type collector struct {
	mu    sync.Mutex
	types []EventType
}

func (c *collector) add(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, ev.Type)
}

func (c *collector) snapshot() []EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]EventType(nil), c.types...)
}

func (c *collector) waitFor(t *testing.T, n int) []EventType {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
	return c.snapshot()
}

func TestBus_fanOutInOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var a, b collector
	bus.Subscribe(a.add)
	bus.Subscribe(b.add)

	bus.Publish(Event{Type: EventSyncStart})
	bus.Publish(Event{Type: EventHistoryUpdated})
	bus.Publish(Event{Type: EventSyncComplete})

	want := []EventType{EventSyncStart, EventHistoryUpdated, EventSyncComplete}
	assert.Equal(t, want, a.waitFor(t, 3))
	assert.Equal(t, want, b.waitFor(t, 3))
}

func TestBus_unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var kept, gone collector
	bus.Subscribe(kept.add)
	unsubscribe := bus.Subscribe(gone.add)

	bus.Publish(Event{Type: EventSyncStart})
	gone.waitFor(t, 1)

	unsubscribe()
	unsubscribe()
	bus.Publish(Event{Type: EventSyncComplete})

	assert.Equal(t, []EventType{EventSyncStart, EventSyncComplete}, kept.waitFor(t, 2))
	assert.Equal(t, []EventType{EventSyncStart}, gone.snapshot())
}

func TestBus_panickingListener(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var c collector
	bus.Subscribe(func(ev Event) {
		if ev.Type == EventSyncError {
			panic("listener failure")
		}
		c.add(ev)
	})

	bus.Publish(Event{Type: EventSyncError})
	bus.Publish(Event{Type: EventSyncComplete})
	assert.Equal(t, []EventType{EventSyncComplete}, c.waitFor(t, 1))
}

func TestBus_publishStampsTime(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	got := make(chan Event, 1)
	bus.Subscribe(func(ev Event) { got <- ev })
	bus.Publish(Event{Type: EventNetworkStatus})

	select {
	case ev := <-got:
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_closed(t *testing.T) {
	bus := NewBus()
	bus.Close()

	called := false
	unsubscribe := bus.Subscribe(func(Event) { called = true })
	bus.Publish(Event{Type: EventSyncStart})
	unsubscribe()
	assert.False(t, called)
}
