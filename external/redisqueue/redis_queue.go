package redisqueue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/ingest"
	"github.com/foxseedlab/ingestbridge/internal/queue"
	redis "github.com/redis/go-redis/v9"
)

const (
	payloadField     = "payload"
	statusTTLFactor  = 2
	defaultBlockTime = 2 * time.Second
)

type Config struct {
	Stream            string
	Group             string
	BlockTimeout      time.Duration
	VisibilityTimeout time.Duration
	DedupeTTL         time.Duration
}

// Queue keeps ingest jobs in a Redis stream read through a consumer group.
// Entries left pending longer than the visibility timeout are reclaimed by
// the next Receive of any consumer, so a worker still processing one has to
// Extend it.
type Queue struct {
	client   redis.UniversalClient
	cfg      Config
	consumer string

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

func New(client redis.UniversalClient, cfg Config) *Queue {
	if cfg.Stream == "" {
		cfg.Stream = "ingestbridge:jobs"
	}
	if cfg.Group == "" {
		cfg.Group = "ingest-workers"
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTime
	}
	return &Queue{client: client, cfg: cfg, consumer: randomConsumerID()}
}

func (q *Queue) Enqueue(ctx context.Context, job ingest.Job) (bool, error) {
	key, err := queue.DedupeKey(job.OriginSource, job.CorrelationToken)
	if err != nil {
		return false, err
	}
	ok, err := q.client.SetNX(ctx, q.dedupeKey(key), job.ID, q.cfg.DedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve dedupe key: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := q.add(ctx, job); err != nil {
		_ = q.client.Del(context.WithoutCancel(ctx), q.dedupeKey(key)).Err()
		return false, err
	}
	if err := q.SetStatus(ctx, queue.JobState{ID: job.ID, Status: ingest.JobStatusPending, Attempts: job.Attempts}); err != nil {
		slog.Warn("failed to record job status", "job_id", job.ID, "error", err)
	}
	return true, nil
}

func (q *Queue) add(ctx context.Context, job ingest.Job) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{payloadField: string(payload)},
	}).Err()
}

func (q *Queue) Receive(ctx context.Context) (*queue.Delivery, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	if d, err := q.reclaim(ctx); err != nil || d != nil {
		return d, err
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    1,
		Block:    q.cfg.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			return q.decode(ctx, msg)
		}
	}
	return nil, nil
}

// reclaim takes over one entry whose consumer stopped before acking it.
func (q *Queue) reclaim(ctx context.Context) (*queue.Delivery, error) {
	if q.cfg.VisibilityTimeout <= 0 {
		return nil, nil
	}
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.consumer,
		MinIdle:  q.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	for _, msg := range msgs {
		slog.Warn("reclaimed stale ingest job", "entry_id", msg.ID)
		return q.decode(ctx, msg)
	}
	return nil, nil
}

func (q *Queue) decode(ctx context.Context, msg redis.XMessage) (*queue.Delivery, error) {
	raw, _ := msg.Values[payloadField].(string)
	var job ingest.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil || job.ID == "" {
		slog.Error("dropping undecodable ingest job", "entry_id", msg.ID, "error", err)
		_ = q.ack(ctx, msg.ID)
		return nil, nil
	}
	return &queue.Delivery{Job: job, Receipt: msg.ID}, nil
}

func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	return q.ack(ctx, d.Receipt)
}

func (q *Queue) ack(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, id)
	pipe.XDel(ctx, q.cfg.Stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Extend resets the idle time of d so reclaim leaves it with this consumer.
func (q *Queue) Extend(ctx context.Context, d *queue.Delivery) error {
	ids, err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.consumer,
		MinIdle:  0,
		Messages: []string{d.Receipt},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to extend delivery %s: %w", d.Receipt, err)
	}
	if len(ids) == 0 {
		return queue.ErrDeliveryLost
	}
	return nil
}

func (q *Queue) Retry(ctx context.Context, d *queue.Delivery) error {
	job := d.Job
	job.Attempts++
	job.Status = ingest.JobStatusPending
	if err := q.add(ctx, job); err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return q.ack(ctx, d.Receipt)
}

func (q *Queue) SetStatus(ctx context.Context, state queue.JobState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.statusKey(state.ID), b, q.statusTTL()).Err()
}

func (q *Queue) Status(ctx context.Context, id string) (queue.JobState, error) {
	b, err := q.client.Get(ctx, q.statusKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return queue.JobState{}, queue.ErrJobNotFound
		}
		return queue.JobState{}, err
	}
	var state queue.JobState
	if err := json.Unmarshal(b, &state); err != nil {
		return queue.JobState{}, fmt.Errorf("invalid job status %s: %w", id, err)
	}
	return state, nil
}

// statusTTL outlives the dedupe window so a redelivered job still finds its
// completed state.
func (q *Queue) statusTTL() time.Duration {
	if q.cfg.DedupeTTL <= 0 {
		return 0
	}
	return q.cfg.DedupeTTL * statusTTLFactor
}

func (q *Queue) dedupeKey(key string) string {
	return q.cfg.Stream + ":dedupe:" + key
}

func (q *Queue) statusKey(id string) string {
	return q.cfg.Stream + ":status:" + id
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	q.groupReady.Store(true)
	return nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "busygroup")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return "consumer-" + hex.EncodeToString(buf)
}
