package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codervisor/clawden/internal/common/logger"
)

// MemoryEventBus is an in-process EventBus. Handlers run on their own goroutines.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	queues map[string]*queueGroup
	logger *logger.Logger
	closed bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler
	queue   string

	mu     sync.Mutex
	active bool
}

type queueGroup struct {
	mu      sync.Mutex
	members []*memorySubscription
	next    int
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		queues: make(map[string]*queueGroup),
		logger: log.WithFields(zap.String("component", "memory-bus")),
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	if s.queue != "" {
		if qg, ok := b.queues[queueKey(s.queue, s.subject)]; ok {
			qg.mu.Lock()
			for i, m := range qg.members {
				if m == s {
					qg.members = append(qg.members[:i], qg.members[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) matches(subject string) bool {
	if s.pattern == nil {
		return s.subject == subject
	}
	return s.pattern.MatchString(subject)
}

// Publish delivers event to every matching subscriber and to one member of each matching queue group.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	delivered := make(map[string]bool)
	for _, sub := range b.subs {
		if !sub.IsValid() || !sub.matches(subject) {
			continue
		}
		if sub.queue != "" {
			key := queueKey(sub.queue, sub.subject)
			if !delivered[key] {
				delivered[key] = true
				if member := b.queues[key].pick(); member != nil {
					b.dispatch(ctx, member, subject, event)
				}
			}
			continue
		}
		b.dispatch(ctx, sub, subject, event)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

func (b *MemoryEventBus) dispatch(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	// Handlers outlive the publisher's request scope.
	hctx := context.WithoutCancel(ctx)
	go func() {
		if err := sub.handler(hctx, event); err != nil {
			b.logger.Error("event handler error",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}()
}

func (qg *queueGroup) pick() *memorySubscription {
	if qg == nil {
		return nil
	}
	qg.mu.Lock()
	defer qg.mu.Unlock()
	for i := 0; i < len(qg.members); i++ {
		idx := (qg.next + i) % len(qg.members)
		if m := qg.members[idx]; m.IsValid() {
			qg.next = (idx + 1) % len(qg.members)
			return m
		}
	}
	return nil
}

func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subs = append(b.subs, sub)
	if queue != "" {
		key := queueKey(queue, subject)
		qg, ok := b.queues[key]
		if !ok {
			qg = &queueGroup{}
			b.queues[key] = qg
		}
		qg.members = append(qg.members, sub)
	}

	b.logger.Debug("subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return sub, nil
}

// Request implements request/reply over a private inbox subject.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	inbox := "_INBOX." + event.ID
	replies := make(chan *Event, 1)

	sub, err := b.Subscribe(inbox, func(_ context.Context, e *Event) error {
		select {
		case replies <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if event.Data == nil {
		event.Data = map[string]any{}
	}
	event.Data[ReplyKey] = inbox

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-replies:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %v", ErrRequestTimeout, subject, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close deactivates every subscription.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = nil
	b.queues = make(map[string]*queueGroup)
	b.logger.Debug("memory event bus closed")
}

func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func queueKey(queue, subject string) string { return queue + ":" + subject }

// compilePattern turns a NATS-style subject with * and > wildcards into a regexp.
// Literal subjects return nil.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	expr := regexp.QuoteMeta(pattern)
	expr = strings.ReplaceAll(expr, `\*`, `[^.]+`)
	expr = strings.ReplaceAll(expr, `>`, `.+`)
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil
	}
	return re
}
