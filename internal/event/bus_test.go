package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	received := make(chan Event, 1)
	unsub := bus.Subscribe(PermissionAsked, func(e Event) {
		received <- e
	})
	defer unsub()

	bus.Publish(Event{
		Type: PermissionAsked,
		Data: PermissionAskedData{PromptID: "p1", SessionID: "s1"},
	})

	select {
	case e := <-received:
		data, ok := e.Data.(PermissionAskedData)
		require.True(t, ok, "payload type should survive delivery")
		assert.Equal(t, "p1", data.PromptID)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received event")
	}
}

func TestSubscribeIgnoresOtherTypes(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	received := make(chan Event, 1)
	unsub := bus.Subscribe(StreamOpened, func(e Event) {
		received <- e
	})
	defer unsub()

	bus.Publish(Event{Type: StreamClosed, Data: StreamClosedData{RequestID: "r1"}})

	select {
	case <-received:
		t.Fatal("subscriber received event of wrong type")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var types []Type
	done := make(chan struct{}, 2)
	unsub := bus.SubscribeAll(func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		done <- struct{}{}
	})
	defer unsub()

	bus.Publish(Event{Type: StreamOpened})
	bus.Publish(Event{Type: BridgeHealth})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("global subscriber missed an event")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []Type{StreamOpened, BridgeHealth}, types)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	received := make(chan Event, 1)
	unsub := bus.Subscribe(RequestAborted, func(e Event) {
		received <- e
	})
	unsub()

	bus.Publish(Event{Type: RequestAborted})

	select {
	case <-received:
		t.Fatal("unsubscribed subscriber received event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSyncRunsInline(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int
	bus.Subscribe(BridgeHealth, func(e Event) {
		count++
	})

	bus.PublishSync(Event{Type: BridgeHealth})
	assert.Equal(t, 1, count)
}

func TestCloseIsIdempotentAndDropsSubscribers(t *testing.T) {
	bus := NewBus()

	received := make(chan Event, 1)
	bus.Subscribe(StreamOpened, func(e Event) {
		received <- e
	})

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	bus.Publish(Event{Type: StreamOpened})

	select {
	case <-received:
		t.Fatal("closed bus delivered event")
	case <-time.After(50 * time.Millisecond):
	}

	// Subscribing after close returns a no-op unsubscribe.
	unsub := bus.Subscribe(StreamOpened, func(Event) {})
	unsub()
}
