package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codervisor/clawden/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("clawden.health.a1", func(_ context.Context, e *Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("health.checked", "test", map[string]any{"agent_id": "a1"})
	if err := b.Publish(context.Background(), "clawden.health.a1", event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID || e.String("agent_id") != "a1" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var single, multi int32
	_, _ = b.Subscribe("clawden.health.*", func(context.Context, *Event) error {
		atomic.AddInt32(&single, 1)
		return nil
	})
	_, _ = b.Subscribe("clawden.>", func(context.Context, *Event) error {
		atomic.AddInt32(&multi, 1)
		return nil
	})

	ctx := context.Background()
	_ = b.Publish(ctx, "clawden.health.a1", NewEvent("x", "test", nil))
	_ = b.Publish(ctx, "clawden.agent.a1.state", NewEvent("x", "test", nil))
	_ = b.Publish(ctx, "other.health.a1", NewEvent("x", "test", nil))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&single) == 1 && atomic.LoadInt32(&multi) == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("single=%d multi=%d, want 1 and 2", atomic.LoadInt32(&single), atomic.LoadInt32(&multi))
}

func TestMemoryEventBus_QueueSubscribeDeliversOnce(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var total int32
	handler := func(context.Context, *Event) error {
		atomic.AddInt32(&total, 1)
		return nil
	}
	_, _ = b.QueueSubscribe("jobs", "workers", handler)
	_, _ = b.QueueSubscribe("jobs", "workers", handler)

	for i := 0; i < 4; i++ {
		_ = b.Publish(context.Background(), "jobs", NewEvent("job", "test", nil))
	}
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&total); got != 4 {
		t.Errorf("queue deliveries = %d, want 4", got)
	}
}

func TestMemoryEventBus_RequestReply(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	_, err := b.Subscribe("clawden.bridge.dev1.health", func(ctx context.Context, req *Event) error {
		return Reply(ctx, b, req, NewEvent("reply", "dev1", map[string]any{"status": "healthy"}))
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	resp, err := b.Request(context.Background(), "clawden.bridge.dev1.health", NewEvent("health", "test", nil), time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.String("status") != "healthy" {
		t.Errorf("status = %q, want healthy", resp.String("status"))
	}
}

func TestMemoryEventBus_RequestTimeout(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	_, err := b.Request(context.Background(), "nobody.listens", NewEvent("x", "test", nil), 20*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}
}

func TestMemoryEventBus_Closed(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	b.Close()

	if b.IsConnected() {
		t.Error("closed bus reports connected")
	}
	if err := b.Publish(context.Background(), "x", NewEvent("x", "test", nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish err = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe("x", func(context.Context, *Event) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe err = %v, want ErrClosed", err)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var n int32
	sub, _ := b.Subscribe("x", func(context.Context, *Event) error {
		atomic.AddInt32(&n, 1)
		return nil
	})
	_ = sub.Unsubscribe()
	if sub.IsValid() {
		t.Error("subscription still valid after Unsubscribe")
	}
	_ = b.Publish(context.Background(), "x", NewEvent("x", "test", nil))
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&n) != 0 {
		t.Error("handler invoked after Unsubscribe")
	}
}
