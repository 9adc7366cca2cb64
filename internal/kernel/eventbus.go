package kernel

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Listener receives events published on the bus.
type Listener func(Event)

// listenerHandle identifies one registered listener for removal.
type listenerHandle struct {
	id       uint64
	kernelID ID // empty for onAll registrations
	evType   EventType
}

// EventBus multiplexes kernel events to per-kernel and global subscribers.
// Publish invokes matching listeners one after another on the publishing
// goroutine, so a slow listener delays the ones after it; a panicking
// listener is recovered and does not stop delivery to the others.
type EventBus struct {
	mu        sync.RWMutex
	nextID    uint64
	perKernel map[ID]map[EventType]map[uint64]Listener
	global    map[EventType]map[uint64]Listener
	handles   map[ID][]listenerHandle
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		perKernel: make(map[ID]map[EventType]map[uint64]Listener),
		global:    make(map[EventType]map[uint64]Listener),
		handles:   make(map[ID][]listenerHandle),
	}
}

// OnKernel registers fn for events of type evType on kernelID. The
// returned function unregisters it.
func (b *EventBus) OnKernel(kernelID ID, evType EventType, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	byType, ok := b.perKernel[kernelID]
	if !ok {
		byType = make(map[EventType]map[uint64]Listener)
		b.perKernel[kernelID] = byType
	}
	listeners, ok := byType[evType]
	if !ok {
		listeners = make(map[uint64]Listener)
		byType[evType] = listeners
	}
	listeners[id] = fn
	b.handles[kernelID] = append(b.handles[kernelID], listenerHandle{id: id, kernelID: kernelID, evType: evType})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if byType, ok := b.perKernel[kernelID]; ok {
			if listeners, ok := byType[evType]; ok {
				delete(listeners, id)
			}
		}
	}
}

// OnAll registers fn for events of type evType across every kernel.
func (b *EventBus) OnAll(evType EventType, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	listeners, ok := b.global[evType]
	if !ok {
		listeners = make(map[uint64]Listener)
		b.global[evType] = listeners
	}
	listeners[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if listeners, ok := b.global[evType]; ok {
			delete(listeners, id)
		}
	}
}

// Publish delivers ev to every matching per-kernel and global listener.
// Each listener invocation is isolated by recover so one faulty listener
// cannot break publication to the rest.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	var fns []Listener
	if byType, ok := b.perKernel[ev.KernelID]; ok {
		if listeners, ok := byType[ev.Type]; ok {
			for _, fn := range listeners {
				fns = append(fns, fn)
			}
		}
	}
	if listeners, ok := b.global[ev.Type]; ok {
		for _, fn := range listeners {
			fns = append(fns, fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		safeDispatch(fn, ev)
	}
}

func safeDispatch(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("kernel_id", string(ev.KernelID)).Msg("event listener panicked")
		}
	}()
	fn(ev)
}

// RemoveAllListeners drops every registration for kernelID by deleting
// that kernel's own listener table; other kernels' and global
// registrations are untouched.
func (b *EventBus) RemoveAllListeners(kernelID ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.perKernel, kernelID)
	delete(b.handles, kernelID)
}
