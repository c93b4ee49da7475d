package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventBotStarted     EventType = "BOT_STARTED"
	EventBotStopped     EventType = "BOT_STOPPED"
	EventSymbolAttached EventType = "SYMBOL_ATTACHED"
	EventSymbolReleased EventType = "SYMBOL_RELEASED"
	EventTradeOpened    EventType = "TRADE_OPENED"
	EventTradeClosed    EventType = "TRADE_CLOSED"
	EventPyramidAdded   EventType = "PYRAMID_ADDED"
	EventSafetyTripped  EventType = "SAFETY_TRIPPED"
	EventError          EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run on their own
// goroutines so a slow consumer cannot stall a trading loop.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishTradeOpened publishes a trade opened event
func (eb *EventBus) PublishTradeOpened(botID, symbol, side string, entryPrice, quantity float64) {
	eb.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"bot_id":      botID,
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(botID, symbol, side, reason string, pnl, roi float64) {
	eb.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"bot_id": botID,
			"symbol": symbol,
			"side":   side,
			"reason": reason,
			"pnl":    pnl,
			"roi":    roi,
		},
	})
}

// PublishSafetyTripped publishes a margin protection event
func (eb *EventBus) PublishSafetyTripped(ratio float64) {
	eb.Publish(Event{
		Type: EventSafetyTripped,
		Data: map[string]interface{}{
			"margin_ratio": ratio,
		},
	})
}

// PublishBotStarted publishes a bot started event
func (eb *EventBus) PublishBotStarted(botID, name string) {
	eb.Publish(Event{
		Type: EventBotStarted,
		Data: map[string]interface{}{
			"bot_id": botID,
			"name":   name,
		},
	})
}

// PublishBotStopped publishes a bot stopped event
func (eb *EventBus) PublishBotStopped(botID string) {
	eb.Publish(Event{
		Type: EventBotStopped,
		Data: map[string]interface{}{
			"bot_id": botID,
		},
	})
}
