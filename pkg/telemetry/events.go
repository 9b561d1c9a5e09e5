package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event represents a telemetry event published by the daemon or a plugin.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// PluginID is the container id of the plugin concerned, if any.
	PluginID string `json:"plugin_id,omitempty"`

	// Stem is the artifact stem of the plugin concerned, if any.
	Stem string `json:"stem,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeStateChanged          = "plugin.state_changed"
	EventTypeDeployed              = "plugin.deployed"
	EventTypeDisabled              = "plugin.disabled"
	EventTypeDependencyUnsatisfied = "plugin.dependency_unsatisfied"

	// EventTypePluginPrefix prefixes events emitted by plugins themselves.
	EventTypePluginPrefix = "plugin.custom."
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishStateChanged publishes a plugin state change.
func (ep *EventPublisher) PublishStateChanged(pluginID, stem, from, to, errMsg string) error {
	level := EventLevelInfo
	data := map[string]interface{}{
		"from": from,
		"to":   to,
	}
	if errMsg != "" {
		level = EventLevelError
		data["error"] = errMsg
	}
	return ep.Publish(Event{
		Type:     EventTypeStateChanged,
		Source:   "lifecycle",
		PluginID: pluginID,
		Stem:     stem,
		Message:  fmt.Sprintf("Plugin %s changed from %s to %s", stem, from, to),
		Level:    level,
		Data:     data,
	})
}

// PublishDeployed publishes a hot deploy pickup. action is "install" or
// "redeploy".
func (ep *EventPublisher) PublishDeployed(stem, path, action string) error {
	return ep.Publish(Event{
		Type:    EventTypeDeployed,
		Source:  "repository",
		Stem:    stem,
		Message: fmt.Sprintf("Plugin %s picked up for %s", stem, action),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"path":   path,
			"action": action,
		},
	})
}

// PublishDisabled publishes a plugin being disabled by policy.
func (ep *EventPublisher) PublishDisabled(pluginID, stem string) error {
	return ep.Publish(Event{
		Type:     EventTypeDisabled,
		Source:   "resolver",
		PluginID: pluginID,
		Stem:     stem,
		Message:  fmt.Sprintf("Plugin %s is disabled", stem),
		Level:    EventLevelWarning,
	})
}

// PublishDependencyUnsatisfied publishes a plugin waiting for a dependency.
func (ep *EventPublisher) PublishDependencyUnsatisfied(stem, state, dependency, dependencyState string) error {
	return ep.Publish(Event{
		Type:    EventTypeDependencyUnsatisfied,
		Source:  "resolver",
		Stem:    stem,
		Message: fmt.Sprintf("Plugin %s waits for %s (%s)", stem, dependency, dependencyState),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"state":            state,
			"dependency":       dependency,
			"dependency_state": dependencyState,
		},
	})
}

// PublishPluginEvent publishes an event a plugin emitted through its host
// context. The type is namespaced so plugins cannot impersonate host events.
func (ep *EventPublisher) PublishPluginEvent(stem, eventType string, data map[string]interface{}) error {
	if !strings.HasPrefix(eventType, EventTypePluginPrefix) {
		eventType = EventTypePluginPrefix + eventType
	}
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "plugin",
		Stem:    stem,
		Message: fmt.Sprintf("Plugin %s emitted %s", stem, eventType),
		Level:   EventLevelInfo,
		Data:    data,
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events in batches, flushing a partial
// batch on every tick.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		if len(batch) > 0 {
			ep.flushBatch(batch)
			batch = make([]Event, 0, ep.config.MaxBatchSize)
		}
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-ep.ctx.Done():
			// Drain what is already buffered before shutting down.
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers in order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// logEvents copies events to the daemon log at a level matching theirs.
func logEvents(logger *Logger) EventSubscriber {
	zl := logger.Zerolog().With().Str("component", "events").Logger()
	return func(e Event) {
		var ev *zerolog.Event
		switch e.Level {
		case EventLevelError:
			ev = zl.Error()
		case EventLevelWarning:
			ev = zl.Warn()
		default:
			ev = zl.Info()
		}
		if e.Stem != "" {
			ev = ev.Str("plugin", e.Stem)
		}
		if e.PluginID != "" {
			ev = ev.Str("plugin_id", e.PluginID)
		}
		ev.Str("type", e.Type).Fields(e.Data).Msg(e.Message)
	}
}
