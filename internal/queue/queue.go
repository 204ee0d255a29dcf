// Package queue holds ingest jobs until a worker builds them.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/bus"
	"github.com/foxseedlab/ingestbridge/internal/ingest"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrDeliveryLost = errors.New("delivery no longer owned by this consumer")
)

// Delivery is a received job. Receipt identifies it to the backend that
// handed it out.
type Delivery struct {
	Job     ingest.Job
	Receipt string
}

type JobState struct {
	ID        string           `json:"id"`
	Status    ingest.JobStatus `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	PackageID string           `json:"package_id,omitempty"`
	Attempts  int              `json:"attempts"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (s JobState) Outcome() ingest.Outcome {
	if s.Status == ingest.JobStatusSucceeded {
		return ingest.Succeeded(s.PackageID)
	}
	return ingest.Failed(s.Reason)
}

type Backend interface {
	// Enqueue returns false when a job for the same origin and token was
	// already accepted within the dedupe window.
	Enqueue(ctx context.Context, job ingest.Job) (bool, error)
	// Receive returns nil without error when nothing arrived in time.
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Retry requeues the job with one more attempt and acknowledges d.
	Retry(ctx context.Context, d *Delivery) error
	SetStatus(ctx context.Context, state JobState) error
	Status(ctx context.Context, id string) (JobState, error)
}

// Extender is implemented by backends that hand a delivery to another
// consumer once it sat unacknowledged for too long.
type Extender interface {
	// Extend renews ownership of d. It returns ErrDeliveryLost when d is no
	// longer pending for this consumer.
	Extend(ctx context.Context, d *Delivery) error
}

// DedupeKey digests the canonical JSON form of origin and token.
func DedupeKey(originSource, correlationToken string) (string, error) {
	raw, err := json.Marshal(struct {
		OriginSource     string `json:"origin_source"`
		CorrelationToken string `json:"correlation_token"`
	}{OriginSource: originSource, CorrelationToken: correlationToken})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize dedupe key: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func NewJob(req ingest.SubmitRequest) ingest.Job {
	return ingest.Job{
		ID:               uuid.NewString(),
		CorrelationToken: req.CorrelationToken,
		OriginSource:     req.OriginSource,
		RecordingPaths:   req.RecordingPaths,
		EventMetadata:    req.EventMetadata,
		Status:           ingest.JobStatusPending,
		EnqueuedAt:       time.Now().UTC(),
	}
}

// SubmitHandler enqueues SubmitIngestJob events.
func SubmitHandler(backend Backend) bus.EventHandler {
	return func(ctx context.Context, payload []byte) error {
		var req ingest.SubmitRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("invalid submit request: %w", err)
		}
		job := NewJob(req)
		accepted, err := backend.Enqueue(ctx, job)
		if err != nil {
			return fmt.Errorf("failed to enqueue ingest job: %w", err)
		}
		if !accepted {
			slog.Debug("duplicate ingest job ignored", "origin_source", job.OriginSource, "correlation_token", job.CorrelationToken)
			return nil
		}
		slog.Info("ingest job enqueued", "job_id", job.ID, "origin_source", job.OriginSource, "correlation_token", job.CorrelationToken, "recordings", len(job.RecordingPaths))
		return nil
	}
}

func Subscribe(b bus.Bus, backend Backend) {
	b.Subscribe(ingest.TopicSubmitIngestJob, SubmitHandler(backend))
}
