package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocal_PublishDeliversToAllSubscribers(t *testing.T) {
	b := NewLocal()
	var calls atomic.Int32
	for i := 0; i < 2; i++ {
		b.Subscribe("topic", func(_ context.Context, payload []byte) error {
			if string(payload) != "hello" {
				t.Errorf("unexpected payload: %s", payload)
			}
			calls.Add(1)
			return nil
		})
	}
	if err := b.Publish(context.Background(), "topic", []byte("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.Wait()
	if calls.Load() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", calls.Load())
	}
}

func TestLocal_PublishDoesNotBlockOnSlowHandler(t *testing.T) {
	b := NewLocal()
	release := make(chan struct{})
	b.Subscribe("topic", func(_ context.Context, _ []byte) error {
		<-release
		return nil
	})
	start := time.Now()
	_ = b.Publish(context.Background(), "topic", nil)
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish waited for the handler")
	}
	close(release)
	b.Wait()
}

func TestLocal_PublishSurvivesCanceledContext(t *testing.T) {
	b := NewLocal()
	var seenErr atomic.Value
	b.Subscribe("topic", func(ctx context.Context, _ []byte) error {
		seenErr.Store(ctx.Err() == nil)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = b.Publish(ctx, "topic", nil)
	b.Wait()
	if ok, _ := seenErr.Load().(bool); !ok {
		t.Fatal("expected delivery context to outlive the publisher context")
	}
}

func TestLocal_SendAndAwaitReply(t *testing.T) {
	b := NewLocal()
	b.Respond("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return append([]byte("re:"), payload...), nil
	})
	got, err := b.SendAndAwaitReply(context.Background(), "echo", []byte("x"), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "re:x" {
		t.Fatalf("unexpected reply: %s", got)
	}
}

func TestLocal_SendAndAwaitReplyTimeout(t *testing.T) {
	b := NewLocal()
	b.Respond("slow", func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := b.SendAndAwaitReply(context.Background(), "slow", nil, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestLocal_SendAndAwaitReplyNoResponder(t *testing.T) {
	b := NewLocal()
	_, err := b.SendAndAwaitReply(context.Background(), "missing", nil, time.Second)
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected no handler error, got %v", err)
	}
}

func TestLocal_DeliverReturnsHandlerError(t *testing.T) {
	b := NewLocal()
	boom := errors.New("boom")
	b.Subscribe("topic", func(_ context.Context, _ []byte) error { return boom })
	if err := b.Deliver(context.Background(), "topic", nil); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestLocal_SynchronousTopicReturnsHandlerError(t *testing.T) {
	b := NewLocal()
	b.Synchronous("topic")
	boom := errors.New("boom")
	var calls atomic.Int32
	b.Subscribe("topic", func(_ context.Context, _ []byte) error {
		calls.Add(1)
		return boom
	})
	if err := b.Publish(context.Background(), "topic", nil); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected handler to have run before publish returned, got %d calls", calls.Load())
	}
}

func TestLocal_SynchronousTopicRecoversPanic(t *testing.T) {
	b := NewLocal()
	b.Synchronous("topic")
	b.Subscribe("topic", func(_ context.Context, _ []byte) error { panic("boom") })
	if err := b.Publish(context.Background(), "topic", nil); err == nil {
		t.Fatal("expected error from panicking handler")
	}
}
