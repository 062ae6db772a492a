// Package events provides a lightweight in-process event bus for
// orchestrator observability.
package events

import "sync"

// Default sizing for the dispatch worker pool.
const (
	defaultWorkerPoolSize  = 4
	defaultEventBufferSize = 64
)

// Listener is a function that handles events.
type Listener func(*Event)

// Option configures an EventBus.
type Option func(*busOptions)

type busOptions struct {
	workerPoolSize  int
	eventBufferSize int
}

// WithWorkerPoolSize sets the number of dispatch workers.
// Values below 1 are ignored.
func WithWorkerPoolSize(n int) Option {
	return func(o *busOptions) {
		if n > 0 {
			o.workerPoolSize = n
		}
	}
}

// WithEventBufferSize sets the size of the event queue.
// Values below 1 are ignored.
func WithEventBufferSize(n int) Option {
	return func(o *busOptions) {
		if n > 0 {
			o.eventBufferSize = n
		}
	}
}

// registration wraps a listener so it can be removed by identity.
type registration struct {
	fn Listener
}

// EventBus manages event distribution to listeners. Events are queued
// and dispatched by a fixed worker pool so publishers never block on
// slow listeners.
type EventBus struct {
	mu              sync.RWMutex
	listeners       map[EventType][]*registration
	globalListeners []*registration
	queue           chan *Event
	closed          bool

	workers   sync.WaitGroup
	closeOnce sync.Once
}

// NewEventBus creates a new event bus and starts its worker pool.
func NewEventBus(opts ...Option) *EventBus {
	options := busOptions{
		workerPoolSize:  defaultWorkerPoolSize,
		eventBufferSize: defaultEventBufferSize,
	}
	for _, opt := range opts {
		opt(&options)
	}

	eb := &EventBus{
		listeners: make(map[EventType][]*registration),
		queue:     make(chan *Event, options.eventBufferSize),
	}

	eb.workers.Add(options.workerPoolSize)
	for i := 0; i < options.workerPoolSize; i++ {
		go eb.worker()
	}

	return eb
}

// Subscribe registers a listener for a specific event type.
// The returned function removes the listener.
func (eb *EventBus) Subscribe(eventType EventType, listener Listener) func() {
	reg := &registration{fn: listener}

	eb.mu.Lock()
	eb.listeners[eventType] = append(eb.listeners[eventType], reg)
	eb.mu.Unlock()

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		regs := eb.listeners[eventType]
		for i, r := range regs {
			if r == reg {
				eb.listeners[eventType] = append(regs[:i], regs[i+1:]...)
				break
			}
		}
	}
}

// SubscribeAll registers a listener for all event types.
// The returned function removes the listener.
func (eb *EventBus) SubscribeAll(listener Listener) func() {
	reg := &registration{fn: listener}

	eb.mu.Lock()
	eb.globalListeners = append(eb.globalListeners, reg)
	eb.mu.Unlock()

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		for i, r := range eb.globalListeners {
			if r == reg {
				eb.globalListeners = append(eb.globalListeners[:i], eb.globalListeners[i+1:]...)
				break
			}
		}
	}
}

// Publish queues an event for delivery to all registered listeners.
// It returns false if the bus is closed or the queue is full; the
// event is discarded in both cases.
func (eb *EventBus) Publish(event *Event) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return false
	}

	select {
	case eb.queue <- event:
		return true
	default:
		return false
	}
}

// Close stops accepting events and waits for queued events to drain.
// It is safe to call multiple times.
func (eb *EventBus) Close() {
	eb.closeOnce.Do(func() {
		eb.mu.Lock()
		eb.closed = true
		eb.mu.Unlock()

		close(eb.queue)
		eb.workers.Wait()
	})
}

// Clear removes all listeners (primarily for tests).
func (eb *EventBus) Clear() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.listeners = make(map[EventType][]*registration)
	eb.globalListeners = nil
}

func (eb *EventBus) worker() {
	defer eb.workers.Done()
	for event := range eb.queue {
		eb.dispatch(event)
	}
}

func (eb *EventBus) dispatch(event *Event) {
	eb.mu.RLock()
	typeListeners := eb.listeners[event.Type]

	specificListeners := make([]*registration, len(typeListeners))
	copy(specificListeners, typeListeners)

	globalListeners := make([]*registration, len(eb.globalListeners))
	copy(globalListeners, eb.globalListeners)
	eb.mu.RUnlock()

	for _, reg := range specificListeners {
		safeInvoke(reg.fn, event)
	}
	for _, reg := range globalListeners {
		safeInvoke(reg.fn, event)
	}
}

func safeInvoke(listener Listener, event *Event) {
	defer func() { _ = recover() }()
	listener(event)
}
