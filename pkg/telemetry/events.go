package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a scheduler event delivered to subscribers.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// Plan is the associated plan name, if applicable.
	Plan string `json:"plan,omitempty"`

	// TaskName is the associated task or block name, if applicable.
	TaskName string `json:"task_name,omitempty"`

	// OfferID is the associated offer, if applicable.
	OfferID string `json:"offer_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeBlockTransition  = "block.transition"
	EventTypeOfferAccepted    = "offer.accepted"
	EventTypeOfferDeclined    = "offer.declined"
	EventTypeTaskStatus       = "task.status"
	EventTypePlacementDenied  = "placement.denied"
	EventTypeOperationStarted = "operation.started"
	EventTypeOperationStopped = "operation.stopped"
	EventTypeError            = "error"
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

// EventPublisher manages event publishing and subscriptions. A nil publisher
// drops every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	flush       chan struct{}
	subscribers []subscriberEntry
	filters     []EventFilter
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
		flush:       make(chan struct{}, 1),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()

		if cfg.FlushInterval > 0 {
			ep.wg.Add(1)
			go ep.periodicFlush()
		}
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishBlockTransition publishes a block status change.
func (ep *EventPublisher) PublishBlockTransition(plan, block, from, to string) error {
	return ep.Publish(Event{
		Type:     EventTypeBlockTransition,
		Source:   "plan",
		Plan:     plan,
		TaskName: block,
		Message:  fmt.Sprintf("block %s: %s -> %s", block, from, to),
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishOfferAccepted publishes an accepted offer.
func (ep *EventPublisher) PublishOfferAccepted(offerID string, operations int) error {
	return ep.Publish(Event{
		Type:    EventTypeOfferAccepted,
		Source:  "scheduler",
		OfferID: offerID,
		Message: fmt.Sprintf("offer %s accepted with %d operations", offerID, operations),
		Data: map[string]interface{}{
			"operations": operations,
		},
	})
}

// PublishOfferDeclined publishes a declined offer.
func (ep *EventPublisher) PublishOfferDeclined(offerID string) error {
	return ep.Publish(Event{
		Type:    EventTypeOfferDeclined,
		Source:  "scheduler",
		OfferID: offerID,
		Message: fmt.Sprintf("offer %s declined", offerID),
	})
}

// PublishTaskStatus publishes a task status update.
func (ep *EventPublisher) PublishTaskStatus(taskName, state, message string) error {
	level := EventLevelInfo
	if state == "FAILED" || state == "ERROR" || state == "LOST" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:     EventTypeTaskStatus,
		Source:   "scheduler",
		TaskName: taskName,
		Level:    level,
		Message:  fmt.Sprintf("task %s is %s", taskName, state),
		Data: map[string]interface{}{
			"state":   state,
			"message": message,
		},
	})
}

// PublishPlacementDenied publishes a placement policy denial.
func (ep *EventPublisher) PublishPlacementDenied(taskName, agentID, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypePlacementDenied,
		Source:   "policy",
		TaskName: taskName,
		Level:    EventLevelWarning,
		Message:  fmt.Sprintf("placement of %s on %s denied", taskName, agentID),
		Data: map[string]interface{}{
			"agent_id": agentID,
			"reason":   reason,
		},
	})
}

// PublishOperation publishes the start or stop of a backup or restore.
func (ep *EventPublisher) PublishOperation(plan string, started bool) error {
	eventType, verb := EventTypeOperationStopped, "stopped"
	if started {
		eventType, verb = EventTypeOperationStarted, "started"
	}
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "plan",
		Plan:    plan,
		Message: fmt.Sprintf("%s %s", plan, verb),
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.flush:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Drain what is still buffered before shutting down.
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						ep.flushBatch(batch)
					}
					return
				}
			}
		}
	}
}

// periodicFlush flushes events periodically.
func (ep *EventPublisher) periodicFlush() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case ep.flush <- struct{}{}:
			default:
			}
		case <-ep.ctx.Done():
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
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

// FilterByLevel only lets through events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	rank := map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}
	floor := rank[minLevel]
	return func(event Event) bool {
		return rank[event.Level] >= floor
	}
}

// LogEvents returns a subscriber that writes each event to logger at the
// event's level.
func LogEvents(logger *Logger) EventSubscriber {
	return func(event Event) {
		fields := make(map[string]interface{}, len(event.Data)+5)
		for k, v := range event.Data {
			fields[k] = v
		}
		fields["event_type"] = event.Type
		fields["event_source"] = event.Source
		if event.Plan != "" {
			fields["plan"] = event.Plan
		}
		if event.TaskName != "" {
			fields["task"] = event.TaskName
		}
		if event.OfferID != "" {
			fields["offer_id"] = event.OfferID
		}

		l := logger.WithFields(fields)
		switch event.Level {
		case EventLevelError:
			l.Error(event.Message)
		case EventLevelWarning:
			l.Warn(event.Message)
		default:
			l.Info(event.Message)
		}
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

// FilterByPlan creates a filter that only allows events of one plan.
func FilterByPlan(plan string) EventFilter {
	return func(event Event) bool {
		return event.Plan == plan
	}
}
