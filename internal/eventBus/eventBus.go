package eventBus

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventBeaconSeen       EventType = "BEACON_SEEN"
	EventNodeJoined       EventType = "NODE_JOINED"
	EventChildRegistered  EventType = "CHILD_REGISTERED"
	EventRouteAdded       EventType = "ROUTE_ADDED"
	EventFrameForwarded   EventType = "FRAME_FORWARDED"
	EventFrameDropped     EventType = "FRAME_DROPPED"
	EventCommandReceived  EventType = "COMMAND_RECEIVED"
	EventCommandSent      EventType = "COMMAND_SENT"
	EventDeviceRegistered EventType = "DEVICE_REGISTERED"
	EventDeviceRemoved    EventType = "DEVICE_REMOVED"
)

// RouteEntry mirrors a routing table row for the front end.
type RouteEntry struct {
	Address    uint8 `json:"address"`
	MaxRoute   uint8 `json:"max_route"`
	Interface  uint8 `json:"interface"`
	MacAddress uint8 `json:"mac"`
}

// Event holds details that the front end might need.
type Event struct {
	ID        uuid.UUID  `json:"id"`
	Type      EventType  `json:"type"`
	Node      string     `json:"node"`
	Address   uint8      `json:"address,omitempty"`
	PktType   uint8      `json:"pkt_type,omitempty"`
	Route     RouteEntry `json:"route,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Payload   string     `json:"payload,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// EventBus manages a set of subscribers and publishes events to them.
type EventBus struct {
	subscribers []chan Event
	mu          sync.RWMutex
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make([]chan Event, 0),
	}
}

// Publish sends an event to all subscribers. Safe on a nil bus so node
// internals can publish unconditionally.
func (eb *EventBus) Publish(e Event) {
	if eb == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, sub := range eb.subscribers {
		// Use a non-blocking send in case a subscriber is busy.
		select {
		case sub <- e:
		default:
			log.Println("Dropping event: subscriber channel is full")
		}
	}
}

// Subscribe returns a new channel that will receive published events.
func (eb *EventBus) Subscribe() chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	ch := make(chan Event, 100)
	eb.subscribers = append(eb.subscribers, ch)
	return ch
}
