// Package bus carries the orchestrator's events and its single request/reply
// call between components.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTimeout   = errors.New("bus: reply timed out")
	ErrNoHandler = errors.New("bus: no responder for topic")
)

type EventHandler func(ctx context.Context, payload []byte) error

type ReplyHandler func(ctx context.Context, payload []byte) ([]byte, error)

type Publisher interface {
	// Publish hands the payload off without waiting for any consumer, unless
	// the transport delivers the topic synchronously.
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Requester interface {
	SendAndAwaitReply(ctx context.Context, topic string, payload []byte, timeout time.Duration) ([]byte, error)
}

type Bus interface {
	Publisher
	Requester
	Subscribe(topic string, handler EventHandler)
	Respond(topic string, handler ReplyHandler)
}
