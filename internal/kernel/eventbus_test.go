package kernel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_OnKernelOnlyReceivesMatchingKernel(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var got []ID
	bus.OnKernel("a", EventStream, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.KernelID)
	})

	bus.Publish(Event{Type: EventStream, KernelID: "a"})
	bus.Publish(Event{Type: EventStream, KernelID: "b"})
	bus.Publish(Event{Type: EventError, KernelID: "a"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ID{"a"}, got)
}

func TestEventBus_OnAllReceivesAcrossKernels(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	count := 0
	bus.OnAll(EventStatus, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	bus.Publish(Event{Type: EventStatus, KernelID: "a"})
	bus.Publish(Event{Type: EventStatus, KernelID: "b"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestEventBus_UnregisterStopsDelivery(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	count := 0
	unregister := bus.OnKernel("a", EventStream, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	bus.Publish(Event{Type: EventStream, KernelID: "a"})
	unregister()
	bus.Publish(Event{Type: EventStream, KernelID: "a"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestEventBus_RemoveAllListenersScopesToKernel(t *testing.T) {
	bus := NewEventBus()

	var aCount, bCount int
	bus.OnKernel("a", EventStream, func(ev Event) { aCount++ })
	bus.OnKernel("b", EventStream, func(ev Event) { bCount++ })

	bus.RemoveAllListeners("a")

	bus.Publish(Event{Type: EventStream, KernelID: "a"})
	bus.Publish(Event{Type: EventStream, KernelID: "b"})

	assert.Equal(t, 0, aCount)
	assert.Equal(t, 1, bCount)
}

func TestEventBus_ListenerPanicDoesNotBlockOthers(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	delivered := false

	bus.OnKernel("a", EventStream, func(ev Event) {
		panic("boom")
	})
	bus.OnKernel("a", EventStream, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		delivered = true
	})

	bus.Publish(Event{Type: EventStream, KernelID: "a"})

	// Give the safe-dispatch recover a moment; publication is synchronous
	// so this should already be true, but keep a small grace window.
	assert := assert.New(t)
	deadline := time.After(time.Second)
	for {
		mu.Lock()
		ok := delivered
		mu.Unlock()
		if ok {
			break
		}
		select {
		case <-deadline:
			assert.Fail("listener after panicking listener never ran")
			return
		default:
		}
	}
}
