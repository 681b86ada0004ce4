package events

import (
	"sync"
	"time"

	"github.com/cuemby/infusion/pkg/delivery"
	"github.com/cuemby/infusion/pkg/device"
)

// EventType represents the type of event
type EventType string

const (
	EventBasalProgramChanged EventType = "basal.program_changed"
	EventBolusStarted        EventType = "bolus.started"
	EventBolusCancelled      EventType = "bolus.cancelled"
	EventTempBasalStarted    EventType = "temp_basal.started"
	EventTempBasalCancelled  EventType = "temp_basal.cancelled"
	EventSuspended           EventType = "delivery.suspended"
	EventResumed             EventType = "delivery.resumed"
	EventDosesFinalized      EventType = "doses.finalized"
	EventDeliveryUnconfirmed EventType = "delivery.unconfirmed"
	EventUncertaintyResolved EventType = "delivery.resolved"
	EventStatusUpdated       EventType = "device.status"
	EventDeviceAlarm         EventType = "device.alarm"
)

// Event is one published delivery change. State is a deep copy taken right
// after the change; listeners cannot reach the live delivery state through it.
type Event struct {
	ID        string             `json:"id"`
	Type      EventType          `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Message   string             `json:"message"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	State     *delivery.Snapshot `json:"state,omitempty"`
	Status    *device.Status     `json:"status,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for all subscribers. It never blocks a delivery
// command: when the queue is full or the broker is stopped the event is
// dropped and false is returned.
func (b *Broker) Publish(event *Event) bool {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return false
	default:
	}

	select {
	case b.eventCh <- event:
		return true
	default:
		return false
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
