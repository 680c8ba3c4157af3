package eventbus_test

import (
	"testing"
	"time"

	"github.com/scrypster/memento/internal/eventbus"
	"github.com/scrypster/memento/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := eventbus.New()
	go bus.Run()
	defer bus.Stop()

	sub := bus.Subscribe(0)
	defer sub.Close()

	// Give the dispatch loop time to process the registration.
	time.Sleep(10 * time.Millisecond)

	bus.Publish(types.Event{ID: "event:1", Kind: types.EventAgentStarted, Source: "supervision", Timestamp: time.Now()})

	select {
	case got := <-sub.Events():
		assert.Equal(t, types.EventAgentStarted, got.Kind)
		assert.Equal(t, "supervision", got.Source)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_PublishFansOutToMultipleSubscribers(t *testing.T) {
	bus := eventbus.New()
	go bus.Run()
	defer bus.Stop()

	subA := bus.Subscribe(0)
	defer subA.Close()
	subB := bus.Subscribe(0)
	defer subB.Close()

	time.Sleep(10 * time.Millisecond)

	bus.Publish(types.Event{ID: "event:2", Kind: types.EventMemoryStored, Source: "storage", Timestamp: time.Now()})

	for _, sub := range []*eventbus.Subscriber{subA, subB} {
		select {
		case got := <-sub.Events():
			assert.Equal(t, types.EventMemoryStored, got.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out event")
		}
	}
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := eventbus.New()
	go bus.Run()
	defer bus.Stop()

	// Buffer of 1: the second publish must be dropped, not block Publish.
	sub := bus.Subscribe(1)
	defer sub.Close()

	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(types.Event{ID: "event:flood", Kind: types.EventWorkSubmitted, Source: "test", Timestamp: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked against a lagging subscriber")
	}
}

func TestBus_CloseUnregistersSubscriber(t *testing.T) {
	bus := eventbus.New()
	go bus.Run()
	defer bus.Stop()

	sub := bus.Subscribe(0)
	sub.Close()

	// The channel must eventually be closed by the dispatch loop.
	select {
	case _, open := <-sub.Events():
		require.False(t, open, "expected subscriber channel to be closed")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber channel to close")
	}
}

func TestBus_StopClosesAllSubscribers(t *testing.T) {
	bus := eventbus.New()
	go bus.Run()

	sub := bus.Subscribe(0)
	bus.Stop()

	select {
	case _, open := <-sub.Events():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber channel to close on Stop")
	}
}
