package kafkabus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/bus"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	deliverAttempts = 3
	deliverBackoff  = 500 * time.Millisecond
)

type Config struct {
	Brokers []string
	GroupID string
	// Topics maps bus topics to Kafka topics. Unmapped topics stay in process.
	Topics map[string]string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Bus sends events on mapped topics through Kafka and delivers what it reads
// back to the in-process subscribers. Request/reply always stays local.
type Bus struct {
	*bus.Local

	cfg       Config
	writer    messageWriter
	newReader func(topic string) messageReader

	wg sync.WaitGroup
}

func New(cfg Config) *Bus {
	b := &Bus{
		Local: bus.NewLocal(),
		cfg:   cfg,
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireAll,
			MaxAttempts:  5,
		},
	}
	b.newReader = func(topic string) messageReader {
		return kafkago.NewReader(kafkago.ReaderConfig{
			Brokers: cfg.Brokers,
			GroupID: cfg.GroupID,
			Topic:   topic,
		})
	}
	return b
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	kafkaTopic, ok := b.cfg.Topics[topic]
	if !ok {
		return b.Local.Publish(ctx, topic, payload)
	}
	err := b.writer.WriteMessages(ctx, kafkago.Message{
		Topic: kafkaTopic,
		Value: payload,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to kafka topic %s: %w", kafkaTopic, err)
	}
	return nil
}

// Start consumes every mapped topic that has a local subscriber until ctx is
// done.
func (b *Bus) Start(ctx context.Context) {
	subscribed := make(map[string]struct{})
	for _, t := range b.Local.Topics() {
		subscribed[t] = struct{}{}
	}
	for topic, kafkaTopic := range b.cfg.Topics {
		if _, ok := subscribed[topic]; !ok {
			continue
		}
		r := b.newReader(kafkaTopic)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.consume(ctx, topic, r)
		}()
		slog.Info("kafka consumer started", "topic", topic, "kafka_topic", kafkaTopic, "group_id", b.cfg.GroupID)
	}
}

func (b *Bus) consume(ctx context.Context, topic string, r messageReader) {
	defer func() {
		if err := r.Close(); err != nil {
			slog.Warn("kafka reader close failed", "topic", topic, "error", err)
		}
	}()
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Warn("kafka fetch failed", "topic", topic, "error", err)
			if !sleep(ctx, deliverBackoff) {
				return
			}
			continue
		}
		b.deliver(ctx, topic, msg)
		if err := r.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			slog.Warn("kafka commit failed", "topic", topic, "offset", msg.Offset, "error", err)
		}
	}
}

// deliver gives the local handlers a few tries; a message that keeps failing
// is logged and committed so it cannot block the partition.
func (b *Bus) deliver(ctx context.Context, topic string, msg kafkago.Message) {
	var err error
	for attempt := 1; attempt <= deliverAttempts; attempt++ {
		if err = b.Local.Deliver(ctx, topic, msg.Value); err == nil {
			return
		}
		slog.Warn("kafka message handler failed", "topic", topic, "offset", msg.Offset, "attempt", attempt, "error", err)
		if attempt < deliverAttempts && !sleep(ctx, deliverBackoff*time.Duration(attempt)) {
			return
		}
	}
	slog.Error("kafka message dropped", "topic", topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
}

// Close waits for the consumers to stop and flushes the writer.
func (b *Bus) Close() error {
	b.wg.Wait()
	b.Local.Wait()
	return b.writer.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
