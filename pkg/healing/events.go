package healing

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType names an event on the bus.
type EventType string

const (
	EventHealthStatusChanged EventType = "health-status-changed"
	EventHealthIssueDetected EventType = "health-issue-detected"
	EventComponentRecovered  EventType = "component-recovered"
	EventHighMemoryUsage     EventType = "high-memory-usage"
	EventHighCPUUsage        EventType = "high-cpu-usage"
	EventHighErrorRate       EventType = "high-error-rate"
	EventAutoFixApplied      EventType = "auto-fix-applied"
	EventAutoFixFailed       EventType = "auto-fix-failed"
)

// Payload is implemented by every event body.
type Payload interface {
	EventType() EventType
}

// HealthStatusChanged is published when the overall status changes.
type HealthStatusChanged struct {
	From OverallStatus
	To   OverallStatus
}

// HealthIssueDetected is published when a component newly goes down.
type HealthIssueDetected struct {
	Issue HealthIssue
}

// ComponentRecovered is published when a down component is operational again.
type ComponentRecovered struct {
	Component string
	Downtime  time.Duration
}

// HighMemoryUsage is published on every tick memory exceeds its alert threshold.
type HighMemoryUsage struct {
	Usage     float64
	Threshold float64
}

// HighCPUUsage is published on every tick CPU exceeds its alert threshold.
type HighCPUUsage struct {
	Usage     float64
	Threshold float64
}

// HighErrorRate is published on every tick the probe error rate exceeds its alert threshold.
type HighErrorRate struct {
	Rate      float64
	Threshold float64
}

// AutoFixApplied is published when an action resolves an issue.
type AutoFixApplied struct {
	Issue  HealthIssue
	Action string
	Report HealingReport
}

// AutoFixFailed is published when an issue ends failed or escalated.
type AutoFixFailed struct {
	Issue  HealthIssue
	Report HealingReport
}

func (HealthStatusChanged) EventType() EventType { return EventHealthStatusChanged }
func (HealthIssueDetected) EventType() EventType { return EventHealthIssueDetected }
func (ComponentRecovered) EventType() EventType  { return EventComponentRecovered }
func (HighMemoryUsage) EventType() EventType     { return EventHighMemoryUsage }
func (HighCPUUsage) EventType() EventType        { return EventHighCPUUsage }
func (HighErrorRate) EventType() EventType       { return EventHighErrorRate }
func (AutoFixApplied) EventType() EventType      { return EventAutoFixApplied }
func (AutoFixFailed) EventType() EventType       { return EventAutoFixFailed }

// Event is a published payload with its envelope.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Payload   Payload
}

// DropRecorder counts events dropped by the bus.
type DropRecorder interface {
	RecordEventDropped(eventType string)
}

// Bus is a synchronous, in-process publish/subscribe hub.
// Publish never blocks: an event is dropped for a subscriber whose buffer is full.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64
	drops   DropRecorder
	logger  zerolog.Logger
}

// Subscription receives events of the requested types.
type Subscription struct {
	bus    *Bus
	ch     chan Event
	types  map[EventType]bool
	closed bool
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.With().Str("component", "event-bus").Logger(),
	}
}

// SetDropRecorder installs a counter for dropped events.
func (b *Bus) SetDropRecorder(r DropRecorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drops = r
}

// Subscribe registers a subscription for the given types; no types means all.
func (b *Bus) Subscribe(buffer int, types ...EventType) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{
		bus: b,
		ch:  make(chan Event, buffer),
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers payload to every matching subscription in publish order.
func (b *Bus) Publish(payload Payload) Event {
	evt := Event{
		ID:        uuid.New().String(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return evt
	}

	for sub := range b.subs {
		if sub.types != nil && !sub.types[evt.Type] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.recordDrop(evt)
		}
	}
	return evt
}

func (b *Bus) recordDrop(evt Event) {
	b.dropped.Add(1)
	b.logger.Warn().
		Str("event_type", string(evt.Type)).
		Str("event_id", evt.ID).
		Msg("Subscriber buffer full, event dropped")
	if b.drops != nil {
		b.drops.RecordEventDropped(string(evt.Type))
	}
}

// Dropped returns the number of events dropped so far.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.closed = true
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.ch)
}
