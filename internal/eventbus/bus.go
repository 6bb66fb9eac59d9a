// Package eventbus fans review progress out to in-process subscribers such
// as the server-sent events endpoint.
package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type EventType string

const (
	EventReviewStarted   EventType = "review_started"
	EventTaskCompleted   EventType = "task_completed"
	EventReviewCompleted EventType = "review_completed"
	EventReviewFailed    EventType = "review_failed"
)

type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	ReviewID  string    `json:"review_id"`
	TaskName  string    `json:"task_name,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *Event) {
	id := ulid.Make().String()
	ch := make(chan *Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Publish never blocks; a subscriber with a full buffer misses the event.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Bus) PublishNew(eventType EventType, reviewID, taskName, message string) *Event {
	event := &Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		ReviewID:  reviewID,
		TaskName:  taskName,
		Message:   message,
		CreatedAt: time.Now(),
	}
	b.Publish(event)
	return event
}
