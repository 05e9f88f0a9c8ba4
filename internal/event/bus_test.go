package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSyncCallsSubscriber(t *testing.T) {
	bus := New()
	defer bus.Close()

	var got Event
	unsubscribe := bus.Subscribe(RuleActivated, func(ev Event) { got = ev })
	defer unsubscribe()

	data := RuleActivatedData{SessionID: "sess1", RuleID: "r1"}
	bus.PublishSync(Event{Type: RuleActivated, Data: data})

	assert.Equal(t, RuleActivated, got.Type)
	assert.Equal(t, data, got.Data)
}

func TestSubscribeAllReceivesEveryType(t *testing.T) {
	bus := New()
	defer bus.Close()

	var mu sync.Mutex
	var seen []Type
	bus.SubscribeAll(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
	})

	bus.PublishSync(Event{Type: SessionCreated})
	bus.PublishSync(Event{Type: ContainerEvicted})

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []Type{SessionCreated, ContainerEvicted}, seen)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	defer bus.Close()

	var count int
	var mu sync.Mutex
	unsubscribe := bus.Subscribe(SessionDeleted, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	bus.PublishSync(Event{Type: SessionDeleted})
	unsubscribe()
	bus.PublishSync(Event{Type: SessionDeleted})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestPublishIsAsynchronous(t *testing.T) {
	bus := New()
	defer bus.Close()

	done := make(chan struct{})
	bus.Subscribe(ContainerCreated, func(ev Event) { close(done) })

	bus.Publish(Event{Type: ContainerCreated})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber was not invoked")
	}
}

func TestCloseStopsFurtherPublish(t *testing.T) {
	bus := New()

	var count int
	bus.Subscribe(SessionCreated, func(ev Event) { count++ })

	require.NoError(t, bus.Close())
	bus.PublishSync(Event{Type: SessionCreated})

	assert.Equal(t, 0, count)
}
