// Package orchestrator holds the reconciliation passes that move sessions
// from discovery to ingest to purge.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/foxseedlab/ingestbridge/internal/bus"
	"github.com/foxseedlab/ingestbridge/internal/config"
	"github.com/foxseedlab/ingestbridge/internal/ingest"
	"github.com/foxseedlab/ingestbridge/internal/lifecycle"
	"github.com/foxseedlab/ingestbridge/internal/scheduler"
	"github.com/foxseedlab/ingestbridge/internal/source"
)

const (
	TaskSyncSessions       = "sync_sessions"
	TaskDiscoverRecordings = "discover_recordings"
	TaskPurgeSessions      = "purge_sessions"
)

var ErrSessionCreationUnavailable = errors.New("no source accepts new sessions")

type SessionCreator interface {
	CreateSession(ctx context.Context, req source.CreateSessionRequest) (*lifecycle.Session, error)
}

type Orchestrator struct {
	store     lifecycle.Store
	publisher bus.Publisher
	adapters  []source.Adapter
	creator   SessionCreator
}

// New wires the passes. creator may be nil when no source can open sessions.
func New(store lifecycle.Store, publisher bus.Publisher, adapters []source.Adapter, creator SessionCreator) *Orchestrator {
	return &Orchestrator{store: store, publisher: publisher, adapters: adapters, creator: creator}
}

func (o *Orchestrator) Adapters() []source.Adapter {
	return o.adapters
}

// SyncSessions reconciles every adapter. One adapter failing does not keep
// the others from running.
func (o *Orchestrator) SyncSessions(ctx context.Context) error {
	var errs []error
	for _, a := range o.adapters {
		if err := a.SyncSessions(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// DiscoverRecordings submits one ingest job per ended session with
// recordings. Sessions with none are marked ingested without a job.
func (o *Orchestrator) DiscoverRecordings(ctx context.Context) error {
	var errs []error
	for _, a := range o.adapters {
		if err := o.discover(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) discover(ctx context.Context, a source.Adapter) error {
	sessions, err := o.store.FindEndedNotIngested(ctx, a.Source())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}

	recordings, err := a.ListFinishedRecordings(ctx, sessions)
	if err != nil {
		slog.Warn("failed to list recordings, retrying next cycle", "source", a.Name(), "error", err)
		return nil
	}

	var empty []string
	var withRecordings []lifecycle.Session
	for _, s := range sessions {
		if len(recordings[s.InstanceID]) == 0 {
			empty = append(empty, s.InstanceID)
			continue
		}
		withRecordings = append(withRecordings, s)
	}
	if len(empty) > 0 {
		if _, err := o.store.MarkIngested(ctx, a.Source(), empty); err != nil {
			return err
		}
		slog.Info("sessions without recordings marked ingested", "source", a.Name(), "instance_ids", empty)
	}

	for _, s := range withRecordings {
		md, err := a.BuildEventMetadata(ctx, s)
		if err != nil {
			return fmt.Errorf("failed to build event metadata for %s: %w", s.InstanceID, err)
		}
		recs := recordings[s.InstanceID]
		req := ingest.SubmitRequest{
			RecordingPaths:   ingest.RecordingPaths(recs),
			EventMetadata:    md,
			CorrelationToken: a.CorrelationToken(s),
			OriginSource:     a.Name(),
		}
		payload, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if err := o.publisher.Publish(ctx, ingest.TopicSubmitIngestJob, payload); err != nil {
			return fmt.Errorf("failed to submit ingest job for %s: %w", s.InstanceID, err)
		}
		slog.Debug("ingest job published", "source", a.Name(), "session_id", s.SessionID, "instance_id", s.InstanceID, "recordings", len(recs))
	}
	return nil
}

// PurgeSessions deletes sessions that ended and were ingested, after the
// adapter released what it holds for them.
func (o *Orchestrator) PurgeSessions(ctx context.Context) error {
	var errs []error
	for _, a := range o.adapters {
		if err := o.purge(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) purge(ctx context.Context, a source.Adapter) error {
	sessions, err := o.store.FindEndedAndIngested(ctx, a.Source())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}
	cleanupErr := a.Cleanup(ctx, sessions)
	if cleanupErr != nil {
		cleanupErr = fmt.Errorf("cleanup before purge failed: %w", cleanupErr)
	}
	purgeable := source.Cleanable(sessions, cleanupErr)
	if len(purgeable) == 0 {
		return cleanupErr
	}
	ids := lifecycle.InstanceIDs(purgeable)
	n, err := o.store.Delete(ctx, a.Source(), ids)
	if err != nil {
		return errors.Join(cleanupErr, err)
	}
	slog.Info("sessions purged", "source", a.Name(), "instance_ids", ids, "deleted", n)
	return cleanupErr
}

func (o *Orchestrator) CreateSession(ctx context.Context, req source.CreateSessionRequest) (*lifecycle.Session, error) {
	if o.creator == nil {
		return nil, ErrSessionCreationUnavailable
	}
	return o.creator.CreateSession(ctx, req)
}

// Register adds the three passes to s at the configured cadences.
func (o *Orchestrator) Register(s *scheduler.Scheduler, cfg config.ScheduleConfig) {
	s.Register(TaskSyncSessions, cfg.SyncInterval, o.SyncSessions)
	s.Register(TaskDiscoverRecordings, cfg.DiscoveryInterval, o.DiscoverRecordings)
	s.Register(TaskPurgeSessions, cfg.PurgeInterval, o.PurgeSessions)
}

// Warmup runs a sync and then a discovery pass before the periodic loops
// take over.
func (o *Orchestrator) Warmup(ctx context.Context) {
	if err := o.SyncSessions(ctx); err != nil {
		slog.Error("initial session sync failed", "error", err)
	}
	if err := o.DiscoverRecordings(ctx); err != nil {
		slog.Error("initial recording discovery failed", "error", err)
	}
}
