// Package messaging moves domain events and notifications between the engine's
// components: an in-process event bus for the asynchronous reactions, a
// bounded dispatcher for unlock notifications, and the Kafka transport.
package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrEventBusClosed is returned when operations are attempted on a closed bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic is returned when a handler panics.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrNilHandler is returned when subscribing a nil handler.
	ErrNilHandler = errors.New("handler cannot be nil")
)

// ══════════════════════════════════════════════════════════════════════════════
// OBSERVER
// ══════════════════════════════════════════════════════════════════════════════

// Observer receives bus activity. Implemented by the Prometheus collectors.
type Observer interface {
	EventPublished(eventType string)
	HandlerFinished(eventType string, took time.Duration, err error)
	QueueDepth(name string, depth int)
}

type noopObserver struct{}

func (noopObserver) EventPublished(string)                        {}
func (noopObserver) HandlerFinished(string, time.Duration, error) {}
func (noopObserver) QueueDepth(string, int)                       {}

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBus dispatches events to subscribed handlers on a fixed worker
// pool. Publish never runs a handler on the caller's goroutine in async mode,
// so the write path returns as soon as the event is queued.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]shared.EventHandler
	allHandlers []shared.EventHandler
	closed      bool

	asyncMode bool
	queue     chan delivery
	done      chan struct{}
	wg        sync.WaitGroup

	logger   *slog.Logger
	observer Observer
}

type delivery struct {
	event   shared.Event
	handler shared.EventHandler
}

// InMemoryEventBusConfig contains configuration for InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// AsyncMode enables asynchronous event processing. When false, Publish
	// runs handlers inline (CLI tools and tests).
	AsyncMode bool

	// WorkerPoolSize is the number of concurrent workers for async processing.
	WorkerPoolSize int

	// QueueSize bounds pending deliveries. Publish blocks while it is full.
	QueueSize int

	// Logger for structured logging.
	Logger *slog.Logger

	// Observer receives publish and handler metrics. Optional.
	Observer Observer
}

// DefaultInMemoryEventBusConfig returns sensible defaults.
func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: 8,
		QueueSize:      1024,
	}
}

// NewInMemoryEventBus creates a new in-memory event bus and starts its workers.
func NewInMemoryEventBus(config InMemoryEventBusConfig) *InMemoryEventBus {
	defaults := DefaultInMemoryEventBusConfig()
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = defaults.WorkerPoolSize
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.Observer == nil {
		config.Observer = noopObserver{}
	}

	bus := &InMemoryEventBus{
		handlers:  make(map[shared.EventType][]shared.EventHandler),
		asyncMode: config.AsyncMode,
		logger:    config.Logger.With("component", "event_bus"),
		observer:  config.Observer,
	}

	if bus.asyncMode {
		bus.queue = make(chan delivery, config.QueueSize)
		bus.done = make(chan struct{})
		for i := 0; i < config.WorkerPoolSize; i++ {
			bus.wg.Add(1)
			go bus.worker()
		}
	}

	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.logger.Debug("subscribed handler", "event_type", eventType)

	return nil
}

// SubscribeAll registers a handler for all events.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	if handler == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}

	b.allHandlers = append(b.allHandlers, handler)
	b.logger.Debug("subscribed global handler")

	return nil
}

// Publish sends an event to all subscribed handlers.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	handlers := make([]shared.EventHandler, 0, len(b.handlers[event.EventType()])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[event.EventType()]...)
	handlers = append(handlers, b.allHandlers...)
	b.mu.RUnlock()

	b.observer.EventPublished(string(event.EventType()))

	if len(handlers) == 0 {
		b.logger.Debug("no handlers for event", "event_type", event.EventType())
		return nil
	}

	for _, handler := range handlers {
		if !b.asyncMode {
			if err := b.execute(event, handler); err != nil {
				b.logger.Error("handler error", "event_type", event.EventType(), "error", err)
			}
			continue
		}
		select {
		case b.queue <- delivery{event: event, handler: handler}:
		case <-b.done:
			return ErrEventBusClosed
		}
	}
	if b.asyncMode {
		b.observer.QueueDepth("event_bus", len(b.queue))
	}

	return nil
}

func (b *InMemoryEventBus) worker() {
	defer b.wg.Done()
	for {
		select {
		case d := <-b.queue:
			b.deliver(d)
		case <-b.done:
			// drain what was queued before Close
			for {
				select {
				case d := <-b.queue:
					b.deliver(d)
				default:
					return
				}
			}
		}
	}
}

func (b *InMemoryEventBus) deliver(d delivery) {
	if err := b.execute(d.event, d.handler); err != nil {
		b.logger.Error("async handler error",
			"event_type", d.event.EventType(),
			"aggregate_id", d.event.AggregateID(),
			"error", err,
		)
	}
}

// execute runs one handler, converting a panic into ErrHandlerPanic.
func (b *InMemoryEventBus) execute(event shared.Event, handler shared.EventHandler) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
		b.observer.HandlerFinished(string(event.EventType()), time.Since(start), err)
	}()
	return handler(event)
}

// Close stops accepting events and waits for queued deliveries to finish.
// Handlers that publish while the bus drains get ErrEventBusClosed.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.done != nil {
		close(b.done)
	}
	b.mu.Unlock()

	b.wg.Wait()

	b.logger.Info("event bus closed")
	return nil
}
