package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/govframe/pkg/engine"
)

// EventSubscriber handles delivered events.
type EventSubscriber func(event engine.Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event engine.Event) bool

// EventBus fans run and task events out to subscribers. In async mode
// events are queued and delivered in order from one goroutine; a full queue
// drops the event.
type EventBus struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	filters     []EventFilter
	dropped     int
	mu          sync.RWMutex
	wg          sync.WaitGroup
	done        chan struct{}
	closeOnce   sync.Once
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventBus creates an event bus.
func NewEventBus(cfg EventsConfig) *EventBus {
	b := &EventBus{
		config: cfg,
		done:   make(chan struct{}),
	}
	if cfg.Enabled && cfg.Async {
		b.buffer = make(chan engine.Event, cfg.BufferSize)
		b.wg.Add(1)
		go b.processEvents()
	}
	return b
}

// Publish implements engine.EventPublisher.
func (b *EventBus) Publish(event engine.Event) {
	if !b.config.Enabled {
		return
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	b.mu.RLock()
	for _, filter := range b.filters {
		if !filter(event) {
			b.mu.RUnlock()
			return
		}
	}
	b.mu.RUnlock()

	if b.buffer == nil {
		b.deliver(event)
		return
	}

	select {
	case <-b.done:
	case b.buffer <- event:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

// Subscribe registers a subscriber. A nil filter accepts every event.
func (b *EventBus) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// AddFilter adds a filter applied before any subscriber.
func (b *EventBus) AddFilter(filter EventFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append(b.filters, filter)
}

// Dropped returns the number of events dropped on a full queue.
func (b *EventBus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *EventBus) processEvents() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		case <-b.done:
			for {
				select {
				case event := <-b.buffer:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *EventBus) deliver(event engine.Event) {
	b.mu.RLock()
	entries := append([]subscriberEntry(nil), b.subscribers...)
	b.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers queued events and stops the bus.
func (b *EventBus) Shutdown(ctx context.Context) error {
	b.closeOnce.Do(func() { close(b.done) })

	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown: %w", ctx.Err())
	}
}

// LogSubscriber writes every event to logger at its severity.
func LogSubscriber(logger zerolog.Logger) EventSubscriber {
	return func(event engine.Event) {
		var e *zerolog.Event
		switch event.Level {
		case "error":
			e = logger.Error()
		case "warning":
			e = logger.Warn()
		default:
			e = logger.Debug()
		}
		e = e.Str("event", string(event.Type)).Str("run_id", event.RunID)
		if event.State != "" {
			e = e.Str("state", event.State)
		}
		if event.TaskID != "" {
			e = e.Str("task_id", event.TaskID)
		}
		e.Msg(event.Message)
	}
}

var severityRank = map[string]int{"info": 0, "warning": 1, "error": 2}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	minRank := severityRank[minLevel]
	return func(event engine.Event) bool {
		return severityRank[event.Level] >= minRank
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event engine.Event) bool {
		return set[event.Type]
	}
}

// FilterByRunID accepts events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}

var _ engine.EventPublisher = (*EventBus)(nil)
