// Package events broadcasts status updates to subscribed clients.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType represents the type of event being broadcast
type EventType string

const (
	// EventTypeServerStatus indicates an MCP server's lifecycle status changed
	EventTypeServerStatus EventType = "mcp_server_status"
	// EventTypeMachineProgress carries machine provisioning progress
	EventTypeMachineProgress EventType = "machine_progress"
)

// Event is one broadcast message.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ServerStatusData is the payload for mcp_server_status events.
type ServerStatusData struct {
	ServerID          string `json:"server_id"`
	ServerName        string `json:"server_name"`
	State             string `json:"state"`
	StartupPercentage int    `json:"startup_percentage"`
	Message           string `json:"message,omitempty"`
	Error             string `json:"error,omitempty"`
}

// MachineProgressData is the payload for machine_progress events.
type MachineProgressData struct {
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
}

// Subscriber receives broadcast events until closed.
type Subscriber struct {
	ID       string
	Events   chan *Event
	done     chan struct{}
	isClosed bool
	mu       sync.Mutex
}

// Close closes the subscriber's event channel
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isClosed {
		s.isClosed = true
		close(s.done)
		close(s.Events)
	}
}

// Done returns a channel that's closed when the subscriber is closed
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Broker fans events out to all current subscribers. Slow subscribers drop
// events rather than blocking publishers.
type Broker struct {
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*Subscriber
}

// NewBroker creates a new event broker.
func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		logger: logger.With(zap.String("component", "events")),
		subs:   make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber.
func (b *Broker) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:     uuid.New().String(),
		Events: make(chan *Event, 64),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscriber.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()
	sub.Close()
}

// Publish broadcasts one event to every subscriber.
func (b *Broker) Publish(eventType EventType, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		b.logger.Warn("failed to encode event payload", zap.Error(err))
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      payload,
	}

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.isClosed {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.Events <- event:
		default:
			b.logger.Debug("dropping event for slow subscriber", zap.String("subscriber", sub.ID))
		}
		sub.mu.Unlock()
	}
}
