package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	b := NewBus(WithNow(func() time.Time { return now }))
	defer b.Close()

	events, cancel := b.Subscribe()
	defer cancel()

	b.Publish(EventSyncComplete, map[string]any{"count": 2})

	ev := <-events
	require.Equal(t, EventSyncComplete, ev.Type)
	require.True(t, ev.Time.Equal(now))
	require.Equal(t, map[string]any{"count": 2}, ev.Data)
}

func TestBusFansOut(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(EventConnectivity, map[string]any{"online": true})

	require.Equal(t, EventConnectivity, (<-ch1).Type)
	require.Equal(t, EventConnectivity, (<-ch2).Type)
}

func TestBusCancelStopsDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()

	events, cancel := b.Subscribe()
	cancel()

	// The channel is closed; publishing does not panic.
	b.Publish(EventSkipWaiting, nil)

	_, open := <-events
	require.False(t, open)
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := NewBus()
	defer b.Close()

	events, cancel := b.Subscribe()
	defer cancel()

	// Overfill the buffer; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(EventConnectivity, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	// The buffered events are still readable.
	require.Equal(t, EventConnectivity, (<-events).Type)
}

func TestBusClose(t *testing.T) {
	b := NewBus()
	events, _ := b.Subscribe()

	b.Close()

	_, open := <-events
	require.False(t, open)

	// Publishing and subscribing after close are harmless.
	b.Publish(EventConnectivity, nil)
	late, cancel := b.Subscribe()
	defer cancel()
	_, open = <-late
	require.False(t, open)
}
