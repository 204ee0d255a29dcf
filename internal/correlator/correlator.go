// Package correlator reports finished ingest jobs back to the source that
// asked for them.
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/bus"
	"github.com/foxseedlab/ingestbridge/internal/ingest"
)

type Correlator struct {
	publisher bus.Publisher
	now       func() time.Time
}

func New(publisher bus.Publisher) *Correlator {
	return &Correlator{publisher: publisher, now: time.Now}
}

// Finalize publishes the completion; the correlation token is passed through
// exactly as it was submitted.
func (c *Correlator) Finalize(ctx context.Context, job ingest.Job, outcome ingest.Outcome) error {
	completion := ingest.Completion{
		JobID:             job.ID,
		CorrelationToken:  job.CorrelationToken,
		OriginSource:      job.OriginSource,
		Success:           outcome.Success,
		ExternalPackageID: outcome.ExternalPackageID,
		Reason:            outcome.Reason,
		CompletedAt:       c.now().UTC(),
	}
	payload, err := json.Marshal(completion)
	if err != nil {
		return err
	}
	if err := c.publisher.Publish(ctx, ingest.TopicIngestCompleted, payload); err != nil {
		return fmt.Errorf("failed to publish ingest completion: %w", err)
	}
	return nil
}

type CompletionHandler interface {
	HandleCompletion(ctx context.Context, completion ingest.Completion) error
}

type Notifier interface {
	NotifyCompletion(ctx context.Context, completion ingest.Completion) error
}

// Router dispatches completions to the handler registered for their origin.
type Router struct {
	mu        sync.RWMutex
	handlers  map[string]CompletionHandler
	notifiers []Notifier
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]CompletionHandler)}
}

func (r *Router) Register(origin string, h CompletionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[origin] = h
}

// Notify adds an observer that is told about every completion after the
// origin's handler succeeded. Observer failures are only logged.
func (r *Router) Notify(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers = append(r.notifiers, n)
}

func (r *Router) Subscribe(b bus.Bus) {
	b.Subscribe(ingest.TopicIngestCompleted, r.HandleEvent)
}

func (r *Router) HandleEvent(ctx context.Context, payload []byte) error {
	var completion ingest.Completion
	if err := json.Unmarshal(payload, &completion); err != nil {
		slog.Error("dropping malformed ingest completion", "error", err)
		return nil
	}
	return r.Route(ctx, completion)
}

func (r *Router) Route(ctx context.Context, completion ingest.Completion) error {
	r.mu.RLock()
	h, ok := r.handlers[completion.OriginSource]
	notifiers := append([]Notifier(nil), r.notifiers...)
	r.mu.RUnlock()

	if !ok {
		slog.Warn("no handler for ingest completion origin", "origin_source", completion.OriginSource, "job_id", completion.JobID)
		return nil
	}
	if completion.Success {
		slog.Info("ingest completed", "origin_source", completion.OriginSource, "job_id", completion.JobID, "correlation_token", completion.CorrelationToken, "package_id", completion.ExternalPackageID)
	} else {
		slog.Error("ingest failed", "origin_source", completion.OriginSource, "job_id", completion.JobID, "correlation_token", completion.CorrelationToken, "reason", completion.Reason)
	}
	if err := h.HandleCompletion(ctx, completion); err != nil {
		return fmt.Errorf("%s completion handler: %w", completion.OriginSource, err)
	}
	for _, n := range notifiers {
		if err := n.NotifyCompletion(ctx, completion); err != nil {
			slog.Warn("failed to notify ingest completion", "job_id", completion.JobID, "error", err)
		}
	}
	return nil
}
