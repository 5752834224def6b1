package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventLinkStateChanged EventType = "link.state_changed"
	EventPeripheralFound  EventType = "peripheral.found"
	EventScanCompleted    EventType = "scan.completed"
	EventSnapshotRead     EventType = "snapshot.read"
	EventSnapshotSaved    EventType = "snapshot.saved"
	EventSaveRetried      EventType = "snapshot.save_retried"
	EventSaveFailed       EventType = "snapshot.save_failed"
	EventSnapshotQueued   EventType = "snapshot.queued"
	EventOutboxFlushed    EventType = "outbox.flushed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Subject   string          `json:"subject,omitempty"` // peripheral ID where relevant
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// LinkStatePayload is carried by EventLinkStateChanged.
type LinkStatePayload struct {
	From LinkState `json:"from"`
	To   LinkState `json:"to"`
}

// ScanCompletedPayload is carried by EventScanCompleted.
type ScanCompletedPayload struct {
	Found int `json:"found"`
}

// SaveRetriedPayload is carried by EventSaveRetried.
type SaveRetriedPayload struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Status  int           `json:"status"`
}

// FlushPayload is carried by EventOutboxFlushed.
type FlushPayload struct {
	Uploaded  int `json:"uploaded"`
	Remaining int `json:"remaining"`
}

// NewEvent builds an Event, marshalling payload when non-nil.
func NewEvent(t EventType, subject string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), Subject: subject}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventPublisher is the publishing half of the event bus.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	EventPublisher
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// NoopPublisher discards events.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) {}
