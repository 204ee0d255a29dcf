package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Local is an in-process Bus. Published events are delivered on their own
// goroutines; a failing handler is logged and does not affect the publisher.
// Topics marked Synchronous are the exception.
type Local struct {
	mu         sync.RWMutex
	handlers   map[string][]EventHandler
	responders map[string]ReplyHandler
	inline     map[string]bool
	inflight   sync.WaitGroup
}

func NewLocal() *Local {
	return &Local{
		handlers:   make(map[string][]EventHandler),
		responders: make(map[string]ReplyHandler),
		inline:     make(map[string]bool),
	}
}

// Synchronous makes Publish on topic run its subscribers inline and return
// the first handler error to the publisher.
func (b *Local) Synchronous(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inline[topic] = true
}

func (b *Local) Subscribe(topic string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

func (b *Local) Respond(topic string, handler ReplyHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responders[topic] = handler
}

func (b *Local) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.handlers[topic]...)
	inline := b.inline[topic]
	b.mu.RUnlock()
	if len(handlers) == 0 {
		slog.Warn("bus event has no subscribers", "topic", topic)
		return nil
	}
	if inline {
		return deliver(ctx, topic, handlers, payload)
	}
	deliveryCtx := context.WithoutCancel(ctx)
	body := append([]byte(nil), payload...)
	for _, h := range handlers {
		b.inflight.Add(1)
		go func(h EventHandler) {
			defer b.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus event handler panicked", "topic", topic, "panic", fmt.Sprint(r))
				}
			}()
			if err := h(deliveryCtx, body); err != nil {
				slog.Error("bus event handler failed", "topic", topic, "error", err)
			}
		}(h)
	}
	return nil
}

// Deliver runs the subscribers of topic synchronously and returns the first
// error. Transports that own their own delivery loop use it.
func (b *Local) Deliver(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.handlers[topic]...)
	b.mu.RUnlock()
	return deliver(ctx, topic, handlers, payload)
}

func deliver(ctx context.Context, topic string, handlers []EventHandler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", topic, r)
		}
	}()
	for _, h := range handlers {
		if err := h(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func (b *Local) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	topics := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		topics = append(topics, t)
	}
	return topics
}

func (b *Local) SendAndAwaitReply(ctx context.Context, topic string, payload []byte, timeout time.Duration) ([]byte, error) {
	b.mu.RLock()
	responder, ok := b.responders[topic]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, topic)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("responder for %s panicked: %v", topic, r)}
			}
		}()
		body, err := responder(callCtx, payload)
		done <- reply{body: body, err: err}
	}()

	select {
	case r := <-done:
		return r.body, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, topic, timeout)
	}
}

// Wait blocks until every published event has been handled.
func (b *Local) Wait() {
	b.inflight.Wait()
}
