// Package events provides lifecycle event emission and fan-out to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Bus is a lightweight pub/sub broker using channels.
// Slow subscribers lose events instead of blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan *Event]struct{}
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan *Event]struct{})}
}

// Subscribe registers a listener for every event and returns the channel and
// an unsubscribe function.
func (b *Bus) Subscribe(buffer int) (<-chan *Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, buffer)
	b.subs[ch] = struct{}{}

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, ch)
			close(ch)
		})
	}
	return ch, unsub
}

// Publish fans the event out to subscribers without blocking.
// Returns the number of subscribers that dropped it.
func (b *Bus) Publish(event *Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}
	return dropped
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Manager handles event emission and logging
type Manager struct {
	bus *Bus
	now func() time.Time
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		now: time.Now,
		log: log.With().Str("service", "events").Logger(),
	}
}

// Bus returns the bus events are published on
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Emit emits an event. A nil manager drops it.
func (m *Manager) Emit(module string, data EventData) {
	if m == nil || data == nil {
		return
	}

	event := &Event{
		Type:      data.EventType(),
		Timestamp: m.now().UTC(),
		Module:    module,
		Data:      data,
	}

	m.log.Debug().
		Str("event_type", string(event.Type)).
		Str("module", module).
		Interface("data", data).
		Msg("Event emitted")

	if dropped := m.bus.Publish(event); dropped > 0 {
		m.log.Warn().
			Str("event_type", string(event.Type)).
			Int("dropped", dropped).
			Msg("Slow subscribers dropped event")
	}
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	m.Emit(module, &ErrorEventData{Error: err.Error(), Context: context})
}
