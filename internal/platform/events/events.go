// Package events defines document lifecycle events and the bus they are
// published on. One event is emitted per committed state transition and
// consumed asynchronously by the audit, notification, and timeline sides
// of the portal. Delivery is at-least-once; consumers deduplicate on
// event_id.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic is the bus topic all document lifecycle events are published on.
const Topic = "document.lifecycle"

// EventType identifies the lifecycle transition an event describes.
type EventType string

const (
	TypeUploaded EventType = "uploaded"
	TypeSigned   EventType = "signed"
	TypeVerified EventType = "verified"
	TypeDeleted  EventType = "deleted"
)

// Event is an immutable fact describing one lifecycle transition.
type Event struct {
	EventID       uuid.UUID `json:"event_id"`
	DocumentID    uuid.UUID `json:"document_id"`
	Type          EventType `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	ContentDigest string    `json:"content_digest"`
	OwnerID       string    `json:"owner_id"`
}

// New builds an event with a fresh id and the current UTC timestamp.
func New(documentID uuid.UUID, eventType EventType, contentDigest, ownerID string) Event {
	return Event{
		EventID:       uuid.New(),
		DocumentID:    documentID,
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		ContentDigest: contentDigest,
		OwnerID:       ownerID,
	}
}

// Bus is the message-bus collaborator contract.
type Bus interface {
	Publish(ctx context.Context, topic string, event Event) error
}

// ErrSubscriberFull is returned when a subscriber channel cannot accept the
// event. The publisher treats it as retryable.
var ErrSubscriberFull = errors.New("subscriber channel full")

// MemoryBus is an in-process Bus fanning events out to subscriber channels.
// Subscribers receive over explicit typed channels rather than callbacks.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// NewMemoryBus returns an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan Event)}
}

// Subscribe registers a new buffered subscriber channel on topic.
func (b *MemoryBus) Subscribe(topic string) <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the event to every subscriber of topic. A subscriber
// whose buffer is full causes ErrSubscriberFull so the caller can retry.
func (b *MemoryBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			return ErrSubscriberFull
		}
	}
	return nil
}
