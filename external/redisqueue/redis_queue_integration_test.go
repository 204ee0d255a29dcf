package redisqueue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/ingest"
	"github.com/foxseedlab/ingestbridge/internal/queue"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

func newIntegrationQueue(t *testing.T, visibility time.Duration) *Queue {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is not set")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	stream := "ingestbridge-test:" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, stream+"*").Result()
		if len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
		_ = client.Close()
	})
	return New(client, Config{
		Stream:            stream,
		Group:             "test-group",
		BlockTimeout:      200 * time.Millisecond,
		VisibilityTimeout: visibility,
		DedupeTTL:         time.Minute,
	})
}

func testJob(token string) ingest.Job {
	return queue.NewJob(ingest.SubmitRequest{
		RecordingPaths:   []string{"/rec/a.mp4"},
		EventMetadata:    ingest.EventMetadata{Title: "Lecture"},
		CorrelationToken: token,
		OriginSource:     "plugnmeet",
	})
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q := newIntegrationQueue(t, 0)
	ctx := context.Background()

	job := testJob("sid-1")
	accepted, err := q.Enqueue(ctx, job)
	if err != nil || !accepted {
		t.Fatalf("expected job accepted, got %v %v", accepted, err)
	}
	again, err := q.Enqueue(ctx, testJob("sid-1"))
	if err != nil || again {
		t.Fatalf("expected duplicate rejected, got %v %v", again, err)
	}

	d, err := q.Receive(ctx)
	if err != nil || d == nil {
		t.Fatalf("expected delivery, got %v %v", d, err)
	}
	if d.Job.ID != job.ID || d.Job.EventMetadata.Title != "Lecture" {
		t.Fatalf("unexpected job: %+v", d.Job)
	}
	if err := q.Retry(ctx, d); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	d, err = q.Receive(ctx)
	if err != nil || d == nil || d.Job.Attempts != 1 {
		t.Fatalf("expected retried delivery with one attempt, got %+v %v", d, err)
	}
	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if d, err := q.Receive(ctx); err != nil || d != nil {
		t.Fatalf("expected empty queue, got %+v %v", d, err)
	}

	state, err := q.Status(ctx, job.ID)
	if err != nil || state.Status != ingest.JobStatusPending {
		t.Fatalf("unexpected status: %+v %v", state, err)
	}
	if err := q.SetStatus(ctx, queue.JobState{ID: job.ID, Status: ingest.JobStatusSucceeded, PackageID: "mp-1"}); err != nil {
		t.Fatalf("set status failed: %v", err)
	}
	state, err = q.Status(ctx, job.ID)
	if err != nil || state.PackageID != "mp-1" {
		t.Fatalf("unexpected status: %+v %v", state, err)
	}
	if _, err := q.Status(ctx, "missing"); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRedisQueueReclaimsStaleDelivery(t *testing.T) {
	q := newIntegrationQueue(t, 100*time.Millisecond)
	ctx := context.Background()

	job := testJob("sid-2")
	if _, err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	first, err := q.Receive(ctx)
	if err != nil || first == nil {
		t.Fatalf("expected delivery, got %v %v", first, err)
	}

	other := New(q.client, q.cfg)
	time.Sleep(150 * time.Millisecond)
	second, err := other.Receive(ctx)
	if err != nil || second == nil {
		t.Fatalf("expected reclaimed delivery, got %v %v", second, err)
	}
	if second.Job.ID != job.ID || second.Receipt != first.Receipt {
		t.Fatalf("expected same entry reclaimed, got %+v", second)
	}
}

func TestRedisQueueExtendKeepsDelivery(t *testing.T) {
	q := newIntegrationQueue(t, 200*time.Millisecond)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testJob("sid-3")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	owned, err := q.Receive(ctx)
	if err != nil || owned == nil {
		t.Fatalf("expected delivery, got %v %v", owned, err)
	}

	other := New(q.client, q.cfg)
	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		if err := q.Extend(ctx, owned); err != nil {
			t.Fatalf("extend failed: %v", err)
		}
	}
	if d, err := other.Receive(ctx); err != nil || d != nil {
		t.Fatalf("expected extended delivery to stay with its owner, got %+v %v", d, err)
	}

	if err := q.Ack(ctx, owned); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if err := q.Extend(ctx, owned); !errors.Is(err, queue.ErrDeliveryLost) {
		t.Fatalf("expected ErrDeliveryLost after ack, got %v", err)
	}
}
