package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxseedlab/ingestbridge/internal/ingest"
	"golang.org/x/sync/errgroup"
)

type Processor interface {
	// Process returns an error only for failures worth another attempt.
	Process(ctx context.Context, job ingest.Job) (ingest.Outcome, error)
}

type Finalizer interface {
	Finalize(ctx context.Context, job ingest.Job, outcome ingest.Outcome) error
}

type PoolOptions struct {
	Concurrency int
	MaxAttempts int
	ErrorDelay  time.Duration
	// Heartbeat is how often a delivery being processed is extended when the
	// backend implements Extender. Zero disables it.
	Heartbeat time.Duration
}

type Pool struct {
	backend   Backend
	processor Processor
	finalizer Finalizer
	opts      PoolOptions
}

func NewPool(backend Backend, processor Processor, finalizer Finalizer, opts PoolOptions) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.ErrorDelay <= 0 {
		opts.ErrorDelay = time.Second
	}
	return &Pool{backend: backend, processor: processor, finalizer: finalizer, opts: opts}
}

// Run blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, worker int) {
	slog.Debug("ingest worker started", "worker", worker)
	for ctx.Err() == nil {
		d, err := p.backend.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("failed to receive ingest job", "worker", worker, "error", err)
			sleep(ctx, p.opts.ErrorDelay)
			continue
		}
		if d == nil {
			continue
		}
		p.Handle(ctx, d)
	}
	slog.Debug("ingest worker stopped", "worker", worker)
}

// Handle processes one delivery to completion. Bookkeeping calls outlive ctx
// so a shutdown never strands a half-recorded result.
func (p *Pool) Handle(ctx context.Context, d *Delivery) {
	opCtx := context.WithoutCancel(ctx)
	job := d.Job

	if state, err := p.backend.Status(opCtx, job.ID); err == nil && state.Status.Completed() {
		slog.Info("ingest job already completed, reporting again", "job_id", job.ID, "status", state.Status)
		p.finalize(opCtx, d, state.Outcome())
		return
	}

	p.setStatus(opCtx, JobState{ID: job.ID, Status: ingest.JobStatusBuilding, Attempts: job.Attempts})
	stop := p.keepAlive(opCtx, d)
	outcome, err := p.process(ctx, job)
	stop()
	if err != nil {
		attempt := job.Attempts + 1
		if attempt < p.opts.MaxAttempts {
			slog.Warn("ingest job failed, retrying", "job_id", job.ID, "attempt", attempt, "max_attempts", p.opts.MaxAttempts, "error", err)
			p.retry(opCtx, d, JobState{ID: job.ID, Status: ingest.JobStatusPending, Reason: err.Error(), Attempts: attempt})
			return
		}
		outcome = ingest.Failed(fmt.Sprintf("retry ceiling exceeded: %v", err))
	}

	state := JobState{ID: job.ID, Attempts: job.Attempts + 1, PackageID: outcome.ExternalPackageID, Reason: outcome.Reason}
	if outcome.Success {
		state.Status = ingest.JobStatusSucceeded
	} else {
		state.Status = ingest.JobStatusFailed
		slog.Error("ingest job failed", "job_id", job.ID, "correlation_token", job.CorrelationToken, "reason", outcome.Reason)
	}
	p.setStatus(opCtx, state)
	p.finalize(opCtx, d, outcome)
}

func (p *Pool) finalize(ctx context.Context, d *Delivery, outcome ingest.Outcome) {
	if err := p.finalizer.Finalize(ctx, d.Job, outcome); err != nil {
		slog.Error("failed to report ingest completion, retrying", "job_id", d.Job.ID, "error", err)
		sleep(ctx, p.opts.ErrorDelay)
		if err := p.backend.Retry(ctx, d); err != nil {
			slog.Error("failed to requeue ingest job", "job_id", d.Job.ID, "error", err)
		}
		return
	}
	if err := p.backend.Ack(ctx, d); err != nil {
		slog.Error("failed to ack ingest job", "job_id", d.Job.ID, "error", err)
	}
}

// keepAlive extends d until the returned func is called.
func (p *Pool) keepAlive(ctx context.Context, d *Delivery) func() {
	ext, ok := p.backend.(Extender)
	if !ok || p.opts.Heartbeat <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(p.opts.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			if err := ext.Extend(ctx, d); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, ErrDeliveryLost) {
					slog.Error("ingest job taken over by another worker", "job_id", d.Job.ID)
					return
				}
				slog.Warn("failed to extend ingest job", "job_id", d.Job.ID, "error", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Pool) retry(ctx context.Context, d *Delivery, state JobState) {
	p.setStatus(ctx, state)
	if err := p.backend.Retry(ctx, d); err != nil {
		slog.Error("failed to requeue ingest job", "job_id", d.Job.ID, "error", err)
	}
}

func (p *Pool) setStatus(ctx context.Context, state JobState) {
	if err := p.backend.SetStatus(ctx, state); err != nil {
		slog.Warn("failed to record ingest job status", "job_id", state.ID, "status", state.Status, "error", err)
	}
}

func (p *Pool) process(ctx context.Context, job ingest.Job) (outcome ingest.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingest job panicked: %v", r)
		}
	}()
	outcome, err = p.processor.Process(ctx, job)
	if err == nil && !outcome.Success && outcome.Reason == "" {
		outcome.Reason = "ingest failed"
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = fmt.Errorf("interrupted by shutdown: %w", err)
	}
	return outcome, err
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
