// Package bus carries clawden's internal events: health results, state changes
// and bridge request/reply traffic.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ReplyKey is the Data key holding the reply subject of a request.
const ReplyKey = "_reply"

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("event bus is closed")

// ErrRequestTimeout is returned when no reply arrives in time.
var ErrRequestTimeout = errors.New("request timed out")

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps a new event with an id and the current UTC time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// ReplySubject returns the subject a responder should publish to, if any.
func (e *Event) ReplySubject() string {
	s, _ := e.Data[ReplyKey].(string)
	return s
}

// String reads a string field from Data.
func (e *Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Int reads a numeric field from Data. JSON transports decode numbers as float64.
func (e *Event) Int(key string) int {
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented by the in-memory and NATS buses.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	// QueueSubscribe delivers each event to one member of the queue group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	// Request publishes event with a reply subject and waits for the first reply.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)
	Close()
	IsConnected() bool
}

// Reply answers request on its reply subject.
func Reply(ctx context.Context, b EventBus, request *Event, response *Event) error {
	subject := request.ReplySubject()
	if subject == "" {
		return errors.New("event carries no reply subject")
	}
	return b.Publish(ctx, subject, response)
}
